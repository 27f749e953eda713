// Package rtc issues LiveKit access tokens and talks to the LiveKit
// RoomService API.
package rtc

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Room roles.
const (
	RoleHost     = "host"
	RoleViewer   = "viewer"
	RoleObserver = "observer"
)

// ValidRole reports whether role is one of the known room roles.
func ValidRole(role string) bool {
	switch role {
	case RoleHost, RoleViewer, RoleObserver:
		return true
	}
	return false
}

// ErrNotConfigured is returned when LiveKit credentials are missing.
var ErrNotConfigured = errors.New("livekit not configured")

// VideoGrant is the LiveKit "video" claim. Publish flags are pointers so an
// explicit false is encoded rather than falling back to the server default.
type VideoGrant struct {
	RoomJoin       bool   `json:"roomJoin,omitempty"`
	RoomList       bool   `json:"roomList,omitempty"`
	RoomAdmin      bool   `json:"roomAdmin,omitempty"`
	Room           string `json:"room,omitempty"`
	CanPublish     *bool  `json:"canPublish,omitempty"`
	CanSubscribe   *bool  `json:"canSubscribe,omitempty"`
	CanPublishData *bool  `json:"canPublishData,omitempty"`
}

// GrantForRole returns the grant a participant with role gets in room.
func GrantForRole(room, role string) VideoGrant {
	publish := role != RoleObserver
	subscribe := true
	return VideoGrant{
		RoomJoin:       true,
		Room:           room,
		CanPublish:     &publish,
		CanSubscribe:   &subscribe,
		CanPublishData: &publish,
		RoomAdmin:      role == RoleHost,
	}
}

// Claims is the JWT payload LiveKit expects.
type Claims struct {
	Name  string      `json:"name,omitempty"`
	Video *VideoGrant `json:"video,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs LiveKit access tokens with the API key pair.
type TokenIssuer struct {
	apiKey    string
	apiSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewTokenIssuer creates an issuer. ttl is the lifetime of every token.
func NewTokenIssuer(apiKey, apiSecret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{
		apiKey:    apiKey,
		apiSecret: []byte(apiSecret),
		ttl:       ttl,
		now:       time.Now,
	}
}

// Configured reports whether the issuer has an API key pair.
func (t *TokenIssuer) Configured() bool {
	return t.apiKey != "" && len(t.apiSecret) > 0
}

// Issue signs a token for identity with the given grant.
func (t *TokenIssuer) Issue(identity, name string, grant VideoGrant) (string, time.Time, error) {
	if !t.Configured() {
		return "", time.Time{}, ErrNotConfigured
	}

	now := t.now()
	expiresAt := now.Add(t.ttl)
	claims := Claims{
		Name:  name,
		Video: &grant,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.apiKey,
			Subject:   identity,
			ID:        identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.apiSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
