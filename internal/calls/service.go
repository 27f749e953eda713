// Package calls implements the call lifecycle: invite with push fan-out,
// answer, end, and the guardian notifications that follow a call.
package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/damso/damso/internal/database"
	"github.com/damso/damso/internal/database/models"
	"github.com/damso/damso/internal/eventbus"
	"github.com/damso/damso/internal/metrics"
	"github.com/damso/damso/internal/push"
	"github.com/google/uuid"
)

// Errors returned by the lifecycle operations.
var (
	ErrCallNotFound      = errors.New("call not found")
	ErrInvalidTransition = errors.New("invalid call state transition")
)

// Background task kinds enqueued when a call ends.
const (
	TaskNotifyComplete = "call.notify_complete"
	TaskAnalyze        = "call.analyze"
)

// DefaultPersona is the AI persona name used when a ward has none.
const DefaultPersona = "다미"

// TaskPayload is the payload of every call task.
type TaskPayload struct {
	CallID string `json:"callId"`
}

// Pusher delivers a notification to a set of targets.
type Pusher interface {
	Send(ctx context.Context, targets []push.Target, n push.Notification) push.Result
}

// TaskQueue runs work in the background.
type TaskQueue interface {
	Enqueue(ctx context.Context, kind string, payload any) (string, error)
}

// Service coordinates call state, users, devices and pushes.
type Service struct {
	calls       database.CallRepository
	users       database.UserRepository
	rooms       database.RoomRepository
	devices     database.DeviceRepository
	settings    database.NotificationSettingsRepository
	pusher      Pusher
	tasks       TaskQueue
	events      eventbus.Publisher
	dedupWindow time.Duration
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Calls       database.CallRepository
	Users       database.UserRepository
	Rooms       database.RoomRepository
	Devices     database.DeviceRepository
	Settings    database.NotificationSettingsRepository
	Pusher      Pusher
	Tasks       TaskQueue
	Events      eventbus.Publisher
	DedupWindow time.Duration
}

// NewService creates a Service.
func NewService(d Deps) *Service {
	return &Service{
		calls:       d.Calls,
		users:       d.Users,
		rooms:       d.Rooms,
		devices:     d.Devices,
		settings:    d.Settings,
		pusher:      d.Pusher,
		tasks:       d.Tasks,
		events:      d.Events,
		dedupWindow: d.DedupWindow,
	}
}

// InviteParams describes an outgoing call.
type InviteParams struct {
	CallerIdentity string
	CallerName     string
	CalleeIdentity string
	RoomName       string // generated when empty
}

// ClassCount is the outcome of one push class.
type ClassCount struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// InvitePush summarises the pushes sent for an invite.
type InvitePush struct {
	Sent          int        `json:"sent"`
	Failed        int        `json:"failed"`
	InvalidTokens []string   `json:"invalidTokens"`
	VoIP          ClassCount `json:"voip"`
	Alert         ClassCount `json:"alert"`
	FCM           ClassCount `json:"fcm"`
}

func (p *InvitePush) add(class *ClassCount, r push.Result) {
	class.Sent += r.Sent
	class.Failed += r.Failed
	p.Sent += r.Sent
	p.Failed += r.Failed
	p.InvalidTokens = append(p.InvalidTokens, r.InvalidTokens...)
}

// InviteResult is returned by Invite.
type InviteResult struct {
	CallID   string     `json:"callId"`
	RoomName string     `json:"roomName"`
	State    string     `json:"state"`
	Deduped  bool       `json:"deduped"`
	Push     InvitePush `json:"push"`
}

// CallState is the externally visible state of a call.
type CallState struct {
	CallID         string            `json:"callId"`
	RoomName       string            `json:"roomName"`
	State          string            `json:"state"`
	CallerIdentity string            `json:"callerIdentity"`
	CalleeIdentity string            `json:"calleeIdentity"`
	CreatedAt      time.Time         `json:"createdAt"`
	AnsweredAt     *time.Time        `json:"answeredAt"`
	EndedAt        *time.Time        `json:"endedAt"`
	Tasks          map[string]string `json:"tasks,omitempty"`
}

func toState(c *models.Call) *CallState {
	return &CallState{
		CallID:         c.ID,
		RoomName:       c.RoomName,
		State:          c.State,
		CallerIdentity: c.CallerIdentity,
		CalleeIdentity: c.CalleeIdentity,
		CreatedAt:      c.CreatedAt,
		AnsweredAt:     c.AnsweredAt,
		EndedAt:        c.EndedAt,
	}
}

// Invite creates a ringing call and wakes the callee's devices. A repeat
// invite for the same callee and room inside the dedup window returns the
// existing call and sends nothing.
func (s *Service) Invite(ctx context.Context, p InviteParams) (*InviteResult, error) {
	roomName := strings.TrimSpace(p.RoomName)
	if roomName == "" {
		roomName = "call-" + uuid.NewString()
	}

	if err := s.rooms.CreateIfMissing(ctx, roomName); err != nil {
		return nil, err
	}

	caller, err := s.upsertUser(ctx, p.CallerIdentity, p.CallerName)
	if err != nil {
		return nil, err
	}
	callee, err := s.upsertUser(ctx, p.CalleeIdentity, "")
	if err != nil {
		return nil, err
	}

	call := &models.Call{
		ID:             uuid.NewString(),
		RoomName:       roomName,
		CallerUserID:   &caller.ID,
		CalleeUserID:   &callee.ID,
		CallerIdentity: p.CallerIdentity,
		CalleeIdentity: p.CalleeIdentity,
	}
	deduped, err := s.calls.CreateRinging(ctx, call, s.dedupWindow)
	if err != nil {
		return nil, err
	}

	res := &InviteResult{
		CallID:   call.ID,
		RoomName: roomName,
		State:    call.State,
		Deduped:  deduped,
		Push:     InvitePush{InvalidTokens: []string{}},
	}

	if deduped {
		metrics.InvitesDeduped.Inc()
		slog.Info("invite deduped", "call_id", call.ID, "caller", p.CallerIdentity,
			"callee", p.CalleeIdentity, "room", roomName)
		return res, nil
	}

	if err := s.ringDevices(ctx, call, p, &res.Push); err != nil {
		return nil, err
	}

	slog.Info("invite sent", "call_id", call.ID, "caller", p.CallerIdentity,
		"callee", p.CalleeIdentity, "room", roomName,
		"voip_sent", res.Push.VoIP.Sent, "voip_failed", res.Push.VoIP.Failed,
		"alert_sent", res.Push.Alert.Sent, "alert_failed", res.Push.Alert.Failed,
		"fcm_sent", res.Push.FCM.Sent, "fcm_failed", res.Push.FCM.Failed)

	s.events.Publish(ctx, eventbus.CallStarted{
		CallID:         call.ID,
		RoomName:       roomName,
		CallerIdentity: p.CallerIdentity,
		CalleeIdentity: p.CalleeIdentity,
		Timestamp:      time.Now(),
	})
	return res, nil
}

// ringDevices pushes the incoming call to every device of the callee.
func (s *Service) ringDevices(ctx context.Context, call *models.Call, p InviteParams, out *InvitePush) error {
	devices, err := s.devices.ListByIdentity(ctx, p.CalleeIdentity)
	if err != nil {
		return err
	}
	voip, alert, fcm := push.TargetsFor(devices)

	callerName := p.CallerName
	if callerName == "" {
		callerName = p.CallerIdentity
	}
	payload := map[string]any{
		"callId":         call.ID,
		"roomName":       call.RoomName,
		"callerName":     callerName,
		"callerIdentity": p.CallerIdentity,
	}

	if len(voip) > 0 {
		out.add(&out.VoIP, s.pusher.Send(ctx, voip, push.Notification{Payload: payload, CallID: call.ID}))
	}
	ringing := push.Notification{
		Title:             "수신 전화",
		Body:              callerName + "님이 전화 중",
		Payload:           payload,
		Category:          "INCOMING_CALL",
		Sound:             "ringtone.caf",
		InterruptionLevel: "time-sensitive",
		CallID:            call.ID,
	}
	if len(alert) > 0 {
		out.add(&out.Alert, s.pusher.Send(ctx, alert, ringing))
	}
	if len(fcm) > 0 {
		out.add(&out.FCM, s.pusher.Send(ctx, fcm, ringing))
	}
	return nil
}

// Answer moves a ringing call to answered.
func (s *Service) Answer(ctx context.Context, id string) (*CallState, error) {
	c, err := s.transition(ctx, id, models.CallStateAnswered, models.CallStateRinging)
	if err != nil {
		return nil, err
	}
	slog.Info("call answered", "call_id", id)
	s.events.Publish(ctx, eventbus.CallAnswered{
		CallID:         c.ID,
		RoomName:       c.RoomName,
		CallerIdentity: c.CallerIdentity,
		CalleeIdentity: c.CalleeIdentity,
		Timestamp:      time.Now(),
	})
	return toState(c), nil
}

// End ends a ringing or answered call and queues the completion
// notification and the analysis. Ending an ended call fails with
// ErrInvalidTransition and leaves ended_at untouched.
func (s *Service) End(ctx context.Context, id string) (*CallState, error) {
	c, err := s.transition(ctx, id, models.CallStateEnded, models.CallStateRinging, models.CallStateAnswered)
	if err != nil {
		return nil, err
	}

	st := toState(c)
	st.Tasks = make(map[string]string)
	for _, kind := range []string{TaskNotifyComplete, TaskAnalyze} {
		taskID, err := s.tasks.Enqueue(ctx, kind, TaskPayload{CallID: c.ID})
		if err != nil {
			slog.Error("failed to enqueue call task", "call_id", c.ID, "kind", kind, "error", err)
			continue
		}
		st.Tasks[kind] = taskID
	}

	var duration int64
	reason := eventbus.EndReasonMissed
	if c.AnsweredAt != nil {
		reason = eventbus.EndReasonCompleted
		if c.EndedAt != nil {
			duration = int64(c.EndedAt.Sub(*c.AnsweredAt).Seconds())
		}
	}
	slog.Info("call ended", "call_id", id, "end_reason", reason, "duration_s", duration)
	s.events.Publish(ctx, eventbus.CallEnded{
		CallID:    c.ID,
		RoomName:  c.RoomName,
		Duration:  duration,
		EndReason: reason,
		Timestamp: time.Now(),
	})
	return st, nil
}

// Get returns a call's current state.
func (s *Service) Get(ctx context.Context, id string) (*CallState, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrCallNotFound
	}
	c, err := s.calls.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrCallNotFound
	}
	return toState(c), nil
}

// transition applies a CAS state change and tells a missing call apart from
// one in the wrong state.
func (s *Service) transition(ctx context.Context, id, to string, from ...string) (*models.Call, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrCallNotFound
	}
	c, err := s.calls.Transition(ctx, id, to, from...)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}

	existing, err := s.calls.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrCallNotFound
	}
	return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, existing.State, to)
}

// NotifyCallComplete tells the callee's guardian that the call finished,
// unless the guardian turned completion notices off.
func (s *Service) NotifyCallComplete(ctx context.Context, callID string) error {
	info, err := s.calls.GetWithWardInfo(ctx, callID)
	if err != nil {
		return err
	}
	if info == nil || info.GuardianIdentity == nil || info.GuardianUserID == nil {
		slog.Info("call complete notice skipped, no guardian", "call_id", callID)
		return nil
	}

	settings, err := s.settings.Get(ctx, *info.GuardianUserID)
	if err != nil {
		return err
	}
	if !settings.CallComplete {
		slog.Info("call complete notice disabled", "call_id", callID,
			"guardian_user_id", *info.GuardianUserID)
		return nil
	}

	persona := DefaultPersona
	if info.WardAIPersona != nil && *info.WardAIPersona != "" {
		persona = *info.WardAIPersona
	}
	res, err := s.SendUserPush(ctx, *info.GuardianIdentity, push.KindAlert, "", push.Notification{
		Title:   "담소",
		Body:    fmt.Sprintf("어르신과 %s의 대화가 끝났어요", persona),
		Payload: map[string]any{"type": "call_complete", "callId": callID},
		CallID:  callID,
	})
	if err != nil {
		return err
	}
	slog.Info("call complete notice sent", "call_id", callID,
		"guardian", *info.GuardianIdentity, "sent", res.Sent, "failed", res.Failed)
	return nil
}

// NotifyCompleteTask is the worker handler for TaskNotifyComplete.
func (s *Service) NotifyCompleteTask(ctx context.Context, raw json.RawMessage) error {
	var p TaskPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decoding task payload: %w", err)
	}
	return s.NotifyCallComplete(ctx, p.CallID)
}

func (s *Service) upsertUser(ctx context.Context, identity, displayName string) (*models.User, error) {
	var name *string
	if displayName != "" {
		name = &displayName
	}
	user, created, err := s.users.Upsert(ctx, identity, name)
	if err != nil {
		return nil, err
	}
	if created {
		s.events.Publish(ctx, eventbus.UserCreated{
			UserID:    user.ID,
			Identity:  user.Identity,
			UserType:  user.UserType,
			Timestamp: time.Now(),
		})
	}
	return user, nil
}
