package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/damso/damso/internal/database/models"
	"github.com/golang-jwt/jwt/v4"
)

const (
	apnsProductionURL = "https://api.push.apple.com"
	apnsSandboxURL    = "https://api.sandbox.push.apple.com"

	// APNs provider tokens are valid for up to 60 minutes.
	// Refresh at 50 minutes to avoid edge-case expiry.
	apnsTokenRefreshInterval = 50 * time.Minute

	apnsExpiry = time.Hour
)

// apnsInvalidReasons are the APNs reasons that mean a token will never work
// again for this app.
var apnsInvalidReasons = map[string]bool{
	"BadDeviceToken":         true,
	"Unregistered":           true,
	"DeviceTokenNotForTopic": true,
}

// APNsSender sends VoIP and alert pushes via Apple Push Notification service
// using the token-based (JWT) HTTP/2 provider API. One sender serves both
// the production and sandbox gateways.
type APNsSender struct {
	client     *http.Client
	prodURL    string
	sandboxURL string
	bundleID   string
	voipTopic  string

	// JWT signing fields.
	key    *ecdsa.PrivateKey
	keyID  string
	teamID string

	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

// APNsConfig holds the configuration for creating an APNsSender.
type APNsConfig struct {
	// KeyFile is the path to the .p8 private key file from Apple.
	KeyFile string
	// KeyID is the 10-character key identifier from Apple.
	KeyID string
	// TeamID is the 10-character Apple Developer Team ID.
	TeamID string
	// BundleID is the app's bundle identifier, used as the alert topic.
	BundleID string
	// VoIPTopic overrides the VoIP topic, which defaults to BundleID + ".voip".
	VoIPTopic string

	// ProductionURL and SandboxURL override the Apple gateways.
	ProductionURL string
	SandboxURL    string
}

// NewAPNsSender creates an APNsSender from the given configuration.
func NewAPNsSender(cfg APNsConfig) (*APNsSender, error) {
	if cfg.KeyFile == "" {
		return nil, fmt.Errorf("apns: key file path is required")
	}
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("apns: key id is required")
	}
	if cfg.TeamID == "" {
		return nil, fmt.Errorf("apns: team id is required")
	}
	if cfg.BundleID == "" {
		return nil, fmt.Errorf("apns: bundle id is required")
	}

	keyData, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("apns: reading key file: %w", err)
	}

	key, err := parseP8PrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("apns: parsing p8 key: %w", err)
	}

	voipTopic := cfg.VoIPTopic
	if voipTopic == "" {
		voipTopic = cfg.BundleID + ".voip"
	}
	prodURL := cfg.ProductionURL
	if prodURL == "" {
		prodURL = apnsProductionURL
	}
	sandboxURL := cfg.SandboxURL
	if sandboxURL == "" {
		sandboxURL = apnsSandboxURL
	}

	slog.Info("apns sender initialised", "key_id", cfg.KeyID, "team_id", cfg.TeamID,
		"bundle_id", cfg.BundleID, "voip_topic", voipTopic)

	return &APNsSender{
		client:     &http.Client{Timeout: 30 * time.Second},
		prodURL:    prodURL,
		sandboxURL: sandboxURL,
		bundleID:   cfg.BundleID,
		voipTopic:  voipTopic,
		key:        key,
		keyID:      cfg.KeyID,
		teamID:     cfg.TeamID,
	}, nil
}

// Send delivers a VoIP or alert push to one device token. Failures reported
// by Apple are returned as *ProviderError.
func (a *APNsSender) Send(ctx context.Context, target Target, n Notification) error {
	var topic string
	switch target.Kind {
	case KindVoIP:
		topic = a.voipTopic
	case KindAlert:
		topic = a.bundleID
	default:
		return fmt.Errorf("apns sender: unsupported kind %q", target.Kind)
	}

	providerToken, err := a.getProviderToken()
	if err != nil {
		return fmt.Errorf("apns: generating provider token: %w", err)
	}

	body, err := buildAPNsPayload(target.Kind, n)
	if err != nil {
		return fmt.Errorf("apns: building payload: %w", err)
	}

	baseURL := a.prodURL
	if target.Env == models.EnvSandbox {
		baseURL = a.sandboxURL
	}

	url := fmt.Sprintf("%s/3/device/%s", baseURL, target.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("apns: creating request: %w", err)
	}

	req.Header.Set("Authorization", "bearer "+providerToken)
	req.Header.Set("apns-topic", topic)
	req.Header.Set("apns-push-type", string(target.Kind))
	req.Header.Set("apns-priority", "10")
	req.Header.Set("apns-expiration", strconv.FormatInt(time.Now().Add(apnsExpiry).Unix(), 10))
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("apns: sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		slog.Debug("apns notification sent", "apns_id", resp.Header.Get("apns-id"),
			"kind", target.Kind, "token", SummarizeToken(target.Token))
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	reason := fmt.Sprintf("unexpected status: %s", bytes.TrimSpace(respBody))
	var apnsErr apnsErrorResponse
	if err := json.Unmarshal(respBody, &apnsErr); err == nil && apnsErr.Reason != "" {
		reason = apnsErr.Reason
	}
	return &ProviderError{
		Provider: "apns",
		Reason:   reason,
		Status:   resp.StatusCode,
		Invalid:  apnsInvalidReasons[reason],
	}
}

// getProviderToken returns a cached JWT provider token, refreshing it
// when nearing expiry.
func (a *APNsSender) getProviderToken() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cachedToken != "" && time.Now().Before(a.tokenExpiry) {
		return a.cachedToken, nil
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:   a.teamID,
		IssuedAt: jwt.NewNumericDate(now),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = a.keyID

	signed, err := tok.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}

	a.cachedToken = signed
	a.tokenExpiry = now.Add(apnsTokenRefreshInterval)

	return signed, nil
}

// apnsErrorResponse represents the JSON error body returned by APNs.
type apnsErrorResponse struct {
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type apnsAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type apnsAps struct {
	Alert             *apnsAlert `json:"alert,omitempty"`
	Sound             string     `json:"sound,omitempty"`
	Category          string     `json:"category,omitempty"`
	InterruptionLevel string     `json:"interruption-level,omitempty"`
	ContentAvailable  int        `json:"content-available"`
}

// buildAPNsPayload creates the JSON body of a push. Custom payload keys sit
// beside "aps" at the top level. Both kinds set content-available so the app
// wakes in the background.
func buildAPNsPayload(kind Kind, n Notification) ([]byte, error) {
	aps := apnsAps{ContentAvailable: 1}
	if kind == KindAlert {
		if n.Title != "" || n.Body != "" {
			aps.Alert = &apnsAlert{Title: n.Title, Body: n.Body}
		}
		aps.Sound = n.Sound
		if aps.Sound == "" {
			aps.Sound = "default"
		}
		aps.Category = n.Category
		aps.InterruptionLevel = n.InterruptionLevel
	}

	body := make(map[string]any, len(n.Payload)+1)
	for k, v := range n.Payload {
		body[k] = v
	}
	body["aps"] = aps
	return json.Marshal(body)
}

// parseP8PrivateKey parses an Apple .p8 private key file (PKCS#8 PEM-encoded
// ECDSA P-256 key) and returns the *ecdsa.PrivateKey.
func parseP8PrivateKey(pemData []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS8 key: %w", err)
	}

	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not ECDSA")
	}

	return ecKey, nil
}
