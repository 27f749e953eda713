// Package emergency raises emergencies for wards, contacts the nearest
// agencies and tracks resolution.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/damso/damso/internal/calls"
	"github.com/damso/damso/internal/database"
	"github.com/damso/damso/internal/database/models"
	"github.com/damso/damso/internal/email"
	"github.com/damso/damso/internal/push"
	"github.com/google/uuid"
)

// Errors returned by the service.
var (
	ErrNotFound        = errors.New("emergency not found")
	ErrWardNotFound    = errors.New("ward not found")
	ErrAlreadyResolved = errors.New("emergency already resolved")
	ErrInvalidStatus   = errors.New("invalid resolution status")
)

// Search defaults.
const (
	DefaultRadiusKm = 5.0
	DefaultLimit    = 5
	triggerRadiusKm = 10.0
	triggerLimit    = 5
)

// UserPusher sends a push to every device of a user.
type UserPusher interface {
	SendUserPush(ctx context.Context, identity string, kind push.Kind, env string, n push.Notification) (*calls.PushSummary, error)
}

// Mailer emails an emergency notice.
type Mailer interface {
	SendEmergencyNotification(ctx context.Context, n email.EmergencyNotification) error
}

// Service manages emergencies.
type Service struct {
	repo   database.EmergencyRepository
	wards  database.WardRepository
	pusher UserPusher
	mailer Mailer
}

// NewService creates a Service.
func NewService(repo database.EmergencyRepository, wards database.WardRepository, pusher UserPusher) *Service {
	return &Service{repo: repo, wards: wards, pusher: pusher}
}

// SetMailer enables guardian emergency email. Guardians without an email
// address are skipped.
func (s *Service) SetMailer(m Mailer) {
	s.mailer = m
}

// NearbyAgency is an agency within reach of an emergency.
type NearbyAgency struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	PhoneNumber string  `json:"phoneNumber"`
	Address     *string `json:"address,omitempty"`
	DistanceKm  float64 `json:"distance"`
	Contacted   bool    `json:"contacted"`
}

// NearestAgencies returns the active agencies within radiusKm, nearest first.
func (s *Service) NearestAgencies(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]NearbyAgency, error) {
	all, err := s.repo.ListActiveAgencies(ctx)
	if err != nil {
		return nil, err
	}
	near := FilterNearest(all, lat, lon, radiusKm, limit)
	out := make([]NearbyAgency, 0, len(near))
	for _, a := range near {
		out = append(out, NearbyAgency{
			ID:          a.ID,
			Name:        a.Name,
			Type:        a.Type,
			PhoneNumber: a.PhoneNumber,
			Address:     a.Address,
			DistanceKm:  roundTenth(a.DistanceKm),
		})
	}
	return out, nil
}

// TriggerParams describes a new emergency.
type TriggerParams struct {
	WardID    string
	Type      string // defaults to "admin"
	Latitude  *float64
	Longitude *float64
	Message   *string
}

// TriggerResult is returned by Trigger.
type TriggerResult struct {
	EmergencyID      string         `json:"emergencyId"`
	Status           string         `json:"status"`
	NearbyAgencies   []NearbyAgency `json:"nearbyAgencies"`
	GuardianNotified bool           `json:"guardianNotified"`
	GuardianEmailed  bool           `json:"guardianEmailed"`
}

// Trigger records an emergency for a ward, contacts the agencies near its
// location and alerts the guardian.
func (s *Service) Trigger(ctx context.Context, p TriggerParams) (*TriggerResult, error) {
	if _, err := uuid.Parse(p.WardID); err != nil {
		return nil, ErrWardNotFound
	}
	ward, err := s.wards.GetByID(ctx, p.WardID)
	if err != nil {
		return nil, err
	}
	if ward == nil {
		return nil, ErrWardNotFound
	}

	kind := p.Type
	if kind == "" {
		kind = "admin"
	}
	e := &models.Emergency{
		WardID:    &p.WardID,
		Type:      kind,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Message:   p.Message,
	}
	if err := s.repo.Create(ctx, e); err != nil {
		return nil, err
	}
	slog.Info("emergency triggered", "emergency_id", e.ID, "ward_id", p.WardID, "type", kind)

	res := &TriggerResult{EmergencyID: e.ID, Status: "dispatched", NearbyAgencies: []NearbyAgency{}}

	if p.Latitude != nil && p.Longitude != nil {
		agencies, err := s.repo.ListActiveAgencies(ctx)
		if err != nil {
			return nil, err
		}
		for _, a := range FilterNearest(agencies, *p.Latitude, *p.Longitude, triggerRadiusKm, triggerLimit) {
			contact := &models.EmergencyContact{
				EmergencyID: e.ID,
				AgencyID:    a.ID,
				DistanceKm:  a.DistanceKm,
			}
			if err := s.repo.CreateContact(ctx, contact); err != nil {
				return nil, err
			}
			res.NearbyAgencies = append(res.NearbyAgencies, NearbyAgency{
				ID:          a.ID,
				Name:        a.Name,
				Type:        a.Type,
				PhoneNumber: a.PhoneNumber,
				Address:     a.Address,
				DistanceKm:  roundTenth(a.DistanceKm),
				Contacted:   true,
			})
		}
	}

	res.GuardianNotified = s.notifyGuardian(ctx, e, ward)
	res.GuardianEmailed = s.emailGuardian(ctx, e, ward, res.NearbyAgencies)
	return res, nil
}

// emailGuardian sends the notice to the guardian's email address when a
// mailer is configured. Failures are logged and reported as false.
func (s *Service) emailGuardian(ctx context.Context, e *models.Emergency, ward *models.WardWithGuardian, agencies []NearbyAgency) bool {
	if s.mailer == nil || ward.GuardianEmail == nil || *ward.GuardianEmail == "" {
		return false
	}

	n := email.EmergencyNotification{
		To:          *ward.GuardianEmail,
		EmergencyID: e.ID,
		Type:        e.Type,
		Latitude:    e.Latitude,
		Longitude:   e.Longitude,
		Timestamp:   e.CreatedAt,
	}
	if ward.WardName != nil {
		n.WardName = *ward.WardName
	}
	if e.Message != nil {
		n.Message = *e.Message
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	for _, a := range agencies {
		n.Agencies = append(n.Agencies, email.Agency{Name: a.Name, PhoneNumber: a.PhoneNumber, DistanceKm: a.DistanceKm})
	}

	if err := s.mailer.SendEmergencyNotification(ctx, n); err != nil {
		slog.Warn("emergency guardian email failed", "emergency_id", e.ID, "error", err)
		return false
	}
	return true
}

// notifyGuardian pushes the guardian and marks the emergency once at least
// one device accepted the push. Failures are logged and reported as false.
func (s *Service) notifyGuardian(ctx context.Context, e *models.Emergency, ward *models.WardWithGuardian) bool {
	if ward.GuardianIdentity == nil {
		slog.Info("emergency has no guardian to notify", "emergency_id", e.ID)
		return false
	}

	name := "피보호자"
	if ward.WardName != nil && *ward.WardName != "" {
		name = *ward.WardName
	}
	res, err := s.pusher.SendUserPush(ctx, *ward.GuardianIdentity, push.KindAlert, "", push.Notification{
		Title:             "🚨 비상 알림",
		Body:              fmt.Sprintf("관제센터에서 %s님에 대해 비상 상황을 발동했습니다", name),
		Payload:           map[string]any{"type": "emergency", "emergencyId": e.ID, "wardId": ward.ID},
		InterruptionLevel: "time-sensitive",
	})
	if err != nil {
		slog.Warn("emergency guardian push failed", "emergency_id", e.ID, "error", err)
		return false
	}
	if res.Sent == 0 {
		slog.Warn("emergency guardian push reached no device", "emergency_id", e.ID,
			"guardian", *ward.GuardianIdentity, "requested", res.Requested)
		return false
	}
	if err := s.repo.MarkGuardianNotified(ctx, e.ID); err != nil {
		slog.Error("failed to mark guardian notified", "emergency_id", e.ID, "error", err)
		return false
	}
	return true
}

// Summary is an emergency as listed for operators.
type Summary struct {
	ID                string     `json:"id"`
	WardID            *string    `json:"wardId"`
	WardName          string     `json:"wardName"`
	Type              string     `json:"type"`
	Status            string     `json:"status"`
	Latitude          *float64   `json:"latitude"`
	Longitude         *float64   `json:"longitude"`
	Message           *string    `json:"message"`
	GuardianNotified  bool       `json:"guardianNotified"`
	CreatedAt         time.Time  `json:"createdAt"`
	ResolvedAt        *time.Time `json:"resolvedAt"`
	RespondedAgencies []string   `json:"respondedAgencies"`
}

// Contact is an agency contacted for an emergency.
type Contact struct {
	ID             string    `json:"id"`
	AgencyID       string    `json:"agencyId"`
	AgencyName     string    `json:"agencyName"`
	AgencyType     string    `json:"agencyType"`
	PhoneNumber    string    `json:"phoneNumber"`
	DistanceKm     float64   `json:"distanceKm"`
	ResponseStatus string    `json:"responseStatus"`
	ContactedAt    time.Time `json:"contactedAt"`
}

// Detail is a single emergency with its contacts.
type Detail struct {
	ID               string     `json:"id"`
	WardID           *string    `json:"wardId"`
	WardName         string     `json:"wardName"`
	Type             string     `json:"type"`
	Status           string     `json:"status"`
	Latitude         *float64   `json:"latitude"`
	Longitude        *float64   `json:"longitude"`
	Message          *string    `json:"message"`
	GuardianNotified bool       `json:"guardianNotified"`
	ResolvedAt       *time.Time `json:"resolvedAt"`
	ResolvedBy       *string    `json:"resolvedBy"`
	ResolutionNote   *string    `json:"resolutionNote"`
	CreatedAt        time.Time  `json:"createdAt"`
	Contacts         []Contact  `json:"contacts"`
}

func wardName(e *models.Emergency) string {
	if e.WardName != nil && *e.WardName != "" {
		return *e.WardName
	}
	return "알 수 없음"
}

// List returns emergencies matching f, newest first, each with the names of
// the agencies contacted.
func (s *Service) List(ctx context.Context, f models.EmergencyFilter) ([]Summary, error) {
	switch f.Status {
	case "", models.EmergencyActive, models.EmergencyResolved, models.EmergencyFalseAlarm:
	default:
		return nil, ErrInvalidStatus
	}

	list, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(list))
	for i := range list {
		e := &list[i]
		contacts, err := s.repo.ListContacts(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(contacts))
		for _, c := range contacts {
			names = append(names, c.AgencyName)
		}
		out = append(out, Summary{
			ID:                e.ID,
			WardID:            e.WardID,
			WardName:          wardName(e),
			Type:              e.Type,
			Status:            e.Status,
			Latitude:          e.Latitude,
			Longitude:         e.Longitude,
			Message:           e.Message,
			GuardianNotified:  e.GuardianNotified,
			CreatedAt:         e.CreatedAt,
			ResolvedAt:        e.ResolvedAt,
			RespondedAgencies: names,
		})
	}
	return out, nil
}

// Get returns one emergency with its contacts.
func (s *Service) Get(ctx context.Context, id string) (*Detail, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNotFound
	}
	contacts, err := s.repo.ListContacts(ctx, id)
	if err != nil {
		return nil, err
	}

	d := &Detail{
		ID:               e.ID,
		WardID:           e.WardID,
		WardName:         wardName(e),
		Type:             e.Type,
		Status:           e.Status,
		Latitude:         e.Latitude,
		Longitude:        e.Longitude,
		Message:          e.Message,
		GuardianNotified: e.GuardianNotified,
		ResolvedAt:       e.ResolvedAt,
		ResolvedBy:       e.ResolvedBy,
		ResolutionNote:   e.ResolutionNote,
		CreatedAt:        e.CreatedAt,
		Contacts:         make([]Contact, 0, len(contacts)),
	}
	for _, c := range contacts {
		d.Contacts = append(d.Contacts, Contact{
			ID:             c.ID,
			AgencyID:       c.AgencyID,
			AgencyName:     c.AgencyName,
			AgencyType:     c.AgencyType,
			PhoneNumber:    c.PhoneNumber,
			DistanceKm:     c.DistanceKm,
			ResponseStatus: c.ResponseStatus,
			ContactedAt:    c.ContactedAt,
		})
	}
	return d, nil
}

// ResolveResult is returned by Resolve.
type ResolveResult struct {
	EmergencyID string     `json:"emergencyId"`
	Status      string     `json:"status"`
	ResolvedAt  *time.Time `json:"resolvedAt"`
}

// Resolve closes an active emergency as resolved or false_alarm. An empty
// status means resolved.
func (s *Service) Resolve(ctx context.Context, id, resolvedBy, status string, note *string) (*ResolveResult, error) {
	if status == "" {
		status = models.EmergencyResolved
	}
	if status != models.EmergencyResolved && status != models.EmergencyFalseAlarm {
		return nil, ErrInvalidStatus
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	e, err := s.repo.Resolve(ctx, id, status, resolvedBy, note)
	if err != nil {
		return nil, err
	}
	if e == nil {
		existing, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, ErrNotFound
		}
		return nil, ErrAlreadyResolved
	}

	slog.Info("emergency resolved", "emergency_id", id, "status", status, "resolved_by", resolvedBy)
	return &ResolveResult{EmergencyID: e.ID, Status: e.Status, ResolvedAt: e.ResolvedAt}, nil
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}
