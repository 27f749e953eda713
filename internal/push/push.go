// Package push delivers notifications to mobile devices through APNs (VoIP
// and alert pushes) and Firebase Cloud Messaging.
package push

import (
	"context"
	"errors"
	"fmt"

	"github.com/damso/damso/internal/database/models"
)

// Kind selects the delivery channel of a push.
type Kind string

const (
	KindVoIP  Kind = "voip"
	KindAlert Kind = "alert"
	KindFCM   Kind = "fcm"
)

// Notification is the content of a push. Title, Body, Category, Sound and
// InterruptionLevel apply to alert and FCM pushes; VoIP pushes carry only
// the payload.
type Notification struct {
	Title             string
	Body              string
	Payload           map[string]any
	Category          string
	Sound             string
	InterruptionLevel string // "passive" | "active" | "time-sensitive" | "critical"

	// CallID is recorded in the push log when the push belongs to a call.
	CallID string
}

// Target is one device token to deliver to.
type Target struct {
	Kind  Kind
	Token string
	Env   string // device environment for APNs: "prod" | "sandbox"
}

// Sender delivers a notification to a single target.
type Sender interface {
	Send(ctx context.Context, target Target, n Notification) error
}

// ProviderError is a delivery failure reported by APNs or FCM.
type ProviderError struct {
	Provider string
	Reason   string
	Status   int
	// Invalid is set when the provider reports the token as permanently dead.
	Invalid bool
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Reason, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Reason)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsInvalidToken reports whether err means the target token should be
// removed from the device registry.
func IsInvalidToken(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Invalid
}

// EnvMode selects which APNs environments a deployment delivers to.
type EnvMode string

const (
	EnvModeProd    EnvMode = "prod"
	EnvModeSandbox EnvMode = "sandbox"
	EnvModeBoth    EnvMode = "both"
)

// ParseEnvMode maps a configured APNS_ENV value to a mode. Unknown values
// fall back to prod.
func ParseEnvMode(s string) EnvMode {
	switch EnvMode(s) {
	case EnvModeBoth:
		return EnvModeBoth
	case EnvModeSandbox:
		return EnvModeSandbox
	}
	return EnvModeProd
}

// Resolve returns the APNs environment a device in deviceEnv is delivered
// through, or false when the mode excludes it. In both mode every device
// uses its own environment, prod when unset.
func (m EnvMode) Resolve(deviceEnv string) (string, bool) {
	switch m {
	case EnvModeBoth:
		if deviceEnv == "" {
			return models.EnvProd, true
		}
		return deviceEnv, true
	case EnvModeSandbox:
		if deviceEnv == models.EnvProd {
			return "", false
		}
		return models.EnvSandbox, true
	default:
		if deviceEnv == models.EnvSandbox {
			return "", false
		}
		return models.EnvProd, true
	}
}

// Result summarises a fan-out.
type Result struct {
	Sent          int      `json:"sent"`
	Failed        int      `json:"failed"`
	InvalidTokens []string `json:"invalidTokens"`
}

// Add merges o into r.
func (r *Result) Add(o Result) {
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.InvalidTokens = append(r.InvalidTokens, o.InvalidTokens...)
}

// SummarizeToken renders a token for logs without exposing it.
func SummarizeToken(token string) string {
	if token == "" {
		return "none"
	}
	suffix := token
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return fmt.Sprintf("len=%d..%s", len(token), suffix)
}
