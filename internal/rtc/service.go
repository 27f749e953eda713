package rtc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/damso/damso/internal/database"
	"github.com/damso/damso/internal/database/models"
	"github.com/damso/damso/internal/eventbus"
	"github.com/damso/damso/internal/push"
)

// TokenRequest asks for a room token. Device tokens, when present, are
// registered for the resolved identity.
type TokenRequest struct {
	RoomName string
	Identity string
	Name     string
	Role     string
	Device   *database.DeviceRegistration
}

// TokenResult is the issued room token and the identity it was issued to.
type TokenResult struct {
	LiveKitURL string    `json:"livekitUrl"`
	RoomName   string    `json:"roomName"`
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Identity   string    `json:"identity"`
	Name       string    `json:"name"`
	Role       string    `json:"role"`
}

// Service issues room tokens and keeps users, room members and devices in
// step with the identities that join.
type Service struct {
	issuer     *TokenIssuer
	livekitURL string
	users      database.UserRepository
	rooms      database.RoomRepository
	devices    database.DeviceRepository
	events     eventbus.Publisher
	live       *RoomService // nil when LiveKit is not configured
}

// NewService creates a Service.
func NewService(issuer *TokenIssuer, livekitURL string, users database.UserRepository,
	rooms database.RoomRepository, devices database.DeviceRepository, events eventbus.Publisher) *Service {
	svc := &Service{
		issuer:     issuer,
		livekitURL: livekitURL,
		users:      users,
		rooms:      rooms,
		devices:    devices,
		events:     events,
	}
	if issuer.Configured() && livekitURL != "" {
		svc.live = NewRoomService(livekitURL, issuer)
	}
	return svc
}

// IssueToken resolves the caller's identity, records room membership and
// returns a signed LiveKit token. A device token already owned by another
// user makes the request act as that user.
func (s *Service) IssueToken(ctx context.Context, req TokenRequest) (*TokenResult, error) {
	if !s.issuer.Configured() {
		return nil, ErrNotConfigured
	}
	if req.Role == "" {
		req.Role = RoleViewer
	}
	identity, name := req.Identity, req.Name

	slog.Info("issuing room token", "room", req.RoomName, "identity", identity,
		"role", req.Role, "device", describeDevice(req.Device))

	if req.Device != nil {
		owner, kind, err := s.findTokenOwner(ctx, req.Device)
		if err != nil {
			return nil, err
		}
		if owner != nil {
			identity = owner.Identity
			if owner.DisplayName != nil {
				name = *owner.DisplayName
			}
			slog.Info("identity override via device token", "token_kind", kind, "identity", identity)
		}
	}

	user, err := s.upsertUser(ctx, identity, name)
	if err != nil {
		return nil, err
	}

	if err := s.rooms.CreateIfMissing(ctx, req.RoomName); err != nil {
		return nil, err
	}
	if err := s.rooms.UpsertMember(ctx, req.RoomName, user.ID, req.Role); err != nil {
		return nil, err
	}

	if req.Device != nil && (req.Device.APNsToken != nil || req.Device.VoIPToken != nil || req.Device.FCMToken != nil) {
		if _, err := s.devices.Upsert(ctx, user.ID, withPlatform(*req.Device)); err != nil {
			return nil, fmt.Errorf("registering device: %w", err)
		}
	}

	token, expiresAt, err := s.issuer.Issue(identity, name, GrantForRole(req.RoomName, req.Role))
	if err != nil {
		return nil, err
	}

	return &TokenResult{
		LiveKitURL: s.livekitURL,
		RoomName:   req.RoomName,
		Token:      token,
		ExpiresAt:  expiresAt,
		Identity:   identity,
		Name:       name,
		Role:       req.Role,
	}, nil
}

// RegisterDevice records a device for identity, creating the user if needed.
func (s *Service) RegisterDevice(ctx context.Context, identity, displayName string, reg database.DeviceRegistration) (*models.Device, error) {
	user, err := s.upsertUser(ctx, identity, displayName)
	if err != nil {
		return nil, err
	}
	reg = withPlatform(reg)
	dev, err := s.devices.Upsert(ctx, user.ID, reg)
	if err != nil {
		return nil, err
	}
	slog.Info("device registered", "identity", identity, "device_id", dev.ID,
		"platform", dev.Platform, "env", dev.Env, "device", describeDevice(&reg))
	return dev, nil
}

// ListMembers returns the recorded members of a room.
func (s *Service) ListMembers(ctx context.Context, roomName string) ([]models.RoomMember, error) {
	return s.rooms.ListMembers(ctx, roomName)
}

// LiveParticipants returns the identities connected to roomName right now.
// ok is false when LiveKit is not configured or could not be reached.
func (s *Service) LiveParticipants(ctx context.Context, roomName string) (online map[string]bool, ok bool) {
	if s.live == nil {
		return nil, false
	}
	parts, err := s.live.ListParticipants(ctx, roomName)
	if err != nil {
		slog.Warn("listing live participants failed", "room", roomName, "error", err)
		return nil, false
	}
	online = make(map[string]bool, len(parts))
	for _, p := range parts {
		online[p.Identity] = true
	}
	return online, true
}

// Disconnect removes identity from roomName on the LiveKit server.
func (s *Service) Disconnect(ctx context.Context, roomName, identity string) error {
	if s.live == nil {
		return ErrNotConfigured
	}
	if err := s.live.RemoveParticipant(ctx, roomName, identity); err != nil {
		return err
	}
	slog.Info("participant disconnected", "room", roomName, "identity", identity)
	return nil
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

// findTokenOwner checks the VoIP token first, then the APNs token.
func (s *Service) findTokenOwner(ctx context.Context, dev *database.DeviceRegistration) (*models.User, database.TokenKind, error) {
	candidates := []struct {
		kind  database.TokenKind
		token *string
	}{
		{database.TokenVoIP, dev.VoIPToken},
		{database.TokenAPNs, dev.APNsToken},
	}
	for _, c := range candidates {
		if c.token == nil {
			continue
		}
		tok := strings.TrimSpace(*c.token)
		if tok == "" {
			continue
		}
		owner, err := s.devices.FindUserByToken(ctx, c.kind, tok)
		if err != nil {
			return nil, "", err
		}
		if owner != nil {
			return owner, c.kind, nil
		}
	}
	return nil, "", nil
}

// withPlatform defaults the platform to iOS, the only client that omits it.
func withPlatform(reg database.DeviceRegistration) database.DeviceRegistration {
	if reg.Platform == "" {
		reg.Platform = "ios"
	}
	return reg
}

func describeDevice(dev *database.DeviceRegistration) string {
	if dev == nil {
		return "none"
	}
	str := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	env := dev.Env
	if env == "" {
		env = "default"
	}
	return fmt.Sprintf("apns=%s voip=%s fcm=%s env=%s platform=%s",
		push.SummarizeToken(str(dev.APNsToken)), push.SummarizeToken(str(dev.VoIPToken)),
		push.SummarizeToken(str(dev.FCMToken)), env, dev.Platform)
}
