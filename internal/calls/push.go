package calls

import (
	"context"
	"log/slog"

	"github.com/damso/damso/internal/database"
	"github.com/damso/damso/internal/database/models"
	"github.com/damso/damso/internal/push"
)

// PushSummary is the outcome of an ad-hoc push.
type PushSummary struct {
	push.Result
	Requested int `json:"requested"`
}

// SendUserPush sends n to every device of identity. An alert reaches both
// APNs and FCM tokens; voip and fcm reach only their own token. A non-empty
// env restricts delivery to devices registered in that environment.
func (s *Service) SendUserPush(ctx context.Context, identity string, kind push.Kind, env string, n push.Notification) (*PushSummary, error) {
	devices, err := s.devices.ListByIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}
	targets := targetsForKind(filterEnv(devices, env), kind)
	res := s.pusher.Send(ctx, targets, n)

	slog.Info("user push sent", "identity", identity, "kind", kind, "requested", len(targets),
		"sent", res.Sent, "failed", res.Failed, "invalid", len(res.InvalidTokens))
	return &PushSummary{Result: res, Requested: len(targets)}, nil
}

// SendBroadcastPush sends n to every registered device holding a token of
// the given kind.
func (s *Service) SendBroadcastPush(ctx context.Context, kind push.Kind, env string, n push.Notification) (*PushSummary, error) {
	var tokenKinds []database.TokenKind
	switch kind {
	case push.KindVoIP:
		tokenKinds = []database.TokenKind{database.TokenVoIP}
	case push.KindFCM:
		tokenKinds = []database.TokenKind{database.TokenFCM}
	default:
		tokenKinds = []database.TokenKind{database.TokenAPNs, database.TokenFCM}
	}

	seen := make(map[string]bool)
	var devices []models.Device
	for _, tk := range tokenKinds {
		list, err := s.devices.ListWithToken(ctx, tk, env)
		if err != nil {
			return nil, err
		}
		for _, d := range list {
			if !seen[d.ID] {
				seen[d.ID] = true
				devices = append(devices, d)
			}
		}
	}

	targets := targetsForKind(devices, kind)
	res := s.pusher.Send(ctx, targets, n)

	slog.Info("broadcast push sent", "kind", kind, "env", env, "requested", len(targets),
		"sent", res.Sent, "failed", res.Failed, "invalid", len(res.InvalidTokens))
	return &PushSummary{Result: res, Requested: len(targets)}, nil
}

func filterEnv(devices []models.Device, env string) []models.Device {
	if env == "" {
		return devices
	}
	var out []models.Device
	for _, d := range devices {
		if d.Env == env {
			out = append(out, d)
		}
	}
	return out
}

func targetsForKind(devices []models.Device, kind push.Kind) []push.Target {
	switch kind {
	case push.KindVoIP:
		var targets []push.Target
		for _, d := range devices {
			if d.VoIPToken != nil && *d.VoIPToken != "" {
				targets = append(targets, push.Target{Kind: push.KindVoIP, Token: *d.VoIPToken, Env: d.Env})
			}
		}
		return targets
	case push.KindFCM:
		var targets []push.Target
		for _, d := range devices {
			if d.FCMToken != nil && *d.FCMToken != "" {
				targets = append(targets, push.Target{Kind: push.KindFCM, Token: *d.FCMToken})
			}
		}
		return targets
	}
	return push.AlertTargets(devices)
}
