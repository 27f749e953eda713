package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/damso/damso/internal/database"
	"github.com/damso/damso/internal/database/models"
	"github.com/damso/damso/internal/metrics"
)

// batchSize caps how many tokens are in flight at once.
const batchSize = 100

// MultiSender routes pushes to the sender registered for the target's kind.
type MultiSender struct {
	senders map[Kind]Sender
}

// NewMultiSender creates a MultiSender from a map of kind to sender. Kinds
// without a sender are reported as not configured.
func NewMultiSender(senders map[Kind]Sender) *MultiSender {
	return &MultiSender{senders: senders}
}

// Has reports whether a sender is registered for kind.
func (m *MultiSender) Has(kind Kind) bool {
	_, ok := m.senders[kind]
	return ok
}

// Send delegates to the sender registered for the target's kind.
func (m *MultiSender) Send(ctx context.Context, target Target, n Notification) error {
	s, ok := m.senders[target.Kind]
	if !ok {
		return fmt.Errorf("no sender configured for kind %q", target.Kind)
	}
	return s.Send(ctx, target, n)
}

// TokenInvalidator removes dead tokens from the device registry.
type TokenInvalidator interface {
	InvalidateToken(ctx context.Context, kind database.TokenKind, token string) error
}

// AttemptLogger records individual delivery attempts.
type AttemptLogger interface {
	Log(ctx context.Context, entry models.PushLog) error
}

// Dispatcher fans a notification out to many tokens. Each token gets exactly
// one attempt; tokens the provider reports as dead are scrubbed.
type Dispatcher struct {
	senders     *MultiSender
	mode        EnvMode
	invalidator TokenInvalidator
	attempts    AttemptLogger
}

// NewDispatcher creates a Dispatcher. invalidator and attempts may be nil.
func NewDispatcher(senders *MultiSender, mode EnvMode, invalidator TokenInvalidator, attempts AttemptLogger) *Dispatcher {
	return &Dispatcher{
		senders:     senders,
		mode:        mode,
		invalidator: invalidator,
		attempts:    attempts,
	}
}

// Configured reports whether pushes of kind can be delivered.
func (d *Dispatcher) Configured(kind Kind) bool {
	return d.senders.Has(kind)
}

// Send delivers n to every target. APNs targets whose environment is
// excluded by the dispatcher's mode are skipped and not counted.
func (d *Dispatcher) Send(ctx context.Context, targets []Target, n Notification) Result {
	res := Result{InvalidTokens: []string{}}

	eligible := make([]Target, 0, len(targets))
	for _, t := range targets {
		if t.Token == "" {
			continue
		}
		if t.Kind != KindFCM {
			env, ok := d.mode.Resolve(t.Env)
			if !ok {
				slog.Debug("push skipped for env", "kind", t.Kind, "env", t.Env, "mode", d.mode)
				continue
			}
			t.Env = env
		}
		eligible = append(eligible, t)
	}

	for start := 0; start < len(eligible); start += batchSize {
		end := min(start+batchSize, len(eligible))
		res.Add(d.sendBatch(ctx, eligible[start:end], n))
	}

	slog.Info("push dispatch finished", "targets", len(targets), "sent", res.Sent,
		"failed", res.Failed, "invalid", len(res.InvalidTokens))
	return res
}

func (d *Dispatcher) sendBatch(ctx context.Context, batch []Target, n Notification) Result {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		res Result
	)
	for _, t := range batch {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			err := d.senders.Send(ctx, t, n)
			invalid := err != nil && IsInvalidToken(err)

			d.record(ctx, t, n, err)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Sent++
			case invalid:
				res.Failed++
				res.InvalidTokens = append(res.InvalidTokens, t.Token)
			default:
				res.Failed++
			}
		}(t)
	}
	wg.Wait()
	return res
}

// record logs and counts one attempt and scrubs dead tokens.
func (d *Dispatcher) record(ctx context.Context, t Target, n Notification, err error) {
	entry := models.PushLog{
		Kind:      string(t.Kind),
		Env:       t.Env,
		TokenHint: SummarizeToken(t.Token),
		CallID:    n.CallID,
		Success:   err == nil,
	}

	outcome := "sent"
	if err != nil {
		entry.Reason = err.Error()
		outcome = "failed"
		if IsInvalidToken(err) {
			outcome = "invalid"
		}
		slog.Warn("push failed", "kind", t.Kind, "env", t.Env,
			"token", entry.TokenHint, "error", err)
	}
	metrics.PushAttempts.WithLabelValues(string(t.Kind), outcome).Inc()

	if outcome == "invalid" && d.invalidator != nil {
		if err := d.invalidator.InvalidateToken(ctx, tokenKind(t.Kind), t.Token); err != nil {
			slog.Error("failed to scrub invalid push token", "kind", t.Kind,
				"token", entry.TokenHint, "error", err)
		} else {
			slog.Info("scrubbed invalid push token", "kind", t.Kind, "token", entry.TokenHint)
		}
	}

	if d.attempts != nil {
		if err := d.attempts.Log(ctx, entry); err != nil {
			slog.Error("failed to log push attempt", "error", err)
		}
	}
}

// tokenKind maps a push kind to the device column that stores its token.
func tokenKind(k Kind) database.TokenKind {
	switch k {
	case KindVoIP:
		return database.TokenVoIP
	case KindFCM:
		return database.TokenFCM
	}
	return database.TokenAPNs
}

// TargetsFor splits a user's devices into push targets for an incoming call:
// VoIP for CallKit devices holding a VoIP token, an alert for other devices
// with an APNs token, and FCM for devices with a registration token.
func TargetsFor(devices []models.Device) (voip, alert, fcm []Target) {
	for _, dv := range devices {
		switch {
		case dv.SupportsCallKit && dv.VoIPToken != nil && *dv.VoIPToken != "":
			voip = append(voip, Target{Kind: KindVoIP, Token: *dv.VoIPToken, Env: dv.Env})
		case dv.APNsToken != nil && *dv.APNsToken != "":
			alert = append(alert, Target{Kind: KindAlert, Token: *dv.APNsToken, Env: dv.Env})
		}
		if dv.FCMToken != nil && *dv.FCMToken != "" {
			fcm = append(fcm, Target{Kind: KindFCM, Token: *dv.FCMToken})
		}
	}
	return voip, alert, fcm
}

// AlertTargets returns an alert target for every device holding an APNs
// token and an FCM target for every device holding an FCM token.
func AlertTargets(devices []models.Device) []Target {
	var targets []Target
	for _, dv := range devices {
		if dv.APNsToken != nil && *dv.APNsToken != "" {
			targets = append(targets, Target{Kind: KindAlert, Token: *dv.APNsToken, Env: dv.Env})
		}
		if dv.FCMToken != nil && *dv.FCMToken != "" {
			targets = append(targets, Target{Kind: KindFCM, Token: *dv.FCMToken})
		}
	}
	return targets
}
