package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

const (
	apiAuthKey   contextKey = "api_auth"
	adminAuthKey contextKey = "admin_auth"
)

// AdminIssuer is the issuer of admin tokens. API tokens never carry it.
const AdminIssuer = "damso-admin"

// adminTokenTTL is the lifetime of an admin dashboard token.
const adminTokenTTL = 12 * time.Hour

// APIClaims holds the claims of an app API token. UserID falls back to the
// subject for tokens issued without it.
type APIClaims struct {
	Identity    string `json:"identity"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	jwt.RegisteredClaims
}

// AdminClaims holds the claims of an admin dashboard token.
type AdminClaims struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateAPIToken creates a signed API token for identity.
func GenerateAPIToken(secret []byte, ttl time.Duration, userID, identity, displayName string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := APIClaims{
		Identity:    identity,
		UserID:      userID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Subject:   userID,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// GenerateAdminToken creates a signed admin token.
func GenerateAdminToken(secret []byte, adminID, email, name, role string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(adminTokenTTL)

	claims := AdminClaims{
		Email: email,
		Name:  name,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    AdminIssuer,
			Subject:   adminID,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

var errNoBearer = errors.New("missing bearer token")

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errNoBearer
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", errors.New("invalid authorization header")
	}
	return parts[1], nil
}

func hmacKey(secret []byte) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	}
}

// ParseAPIToken validates an API token and returns its claims.
func ParseAPIToken(secret []byte, tokenString string) (*APIClaims, error) {
	claims := &APIClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, hmacKey(secret))
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Identity == "" || claims.Issuer == AdminIssuer {
		return nil, errors.New("invalid token claims")
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	return claims, nil
}

// APIAuth returns middleware that parses API bearer tokens. When required
// is false a missing or invalid token is let through without claims, so
// handlers fall back to identities in the request body.
func APIAuth(secret []byte, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err != nil {
				if required {
					writeJSONError(w, http.StatusUnauthorized, "authentication required")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			claims, err := ParseAPIToken(secret, tokenString)
			if err != nil {
				slog.Debug("api auth: invalid jwt", "error", err)
				if required {
					writeJSONError(w, http.StatusUnauthorized, "invalid or expired token")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), apiAuthKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// APIClaimsFromContext returns the API claims set by APIAuth, or nil.
func APIClaimsFromContext(ctx context.Context) *APIClaims {
	c, _ := ctx.Value(apiAuthKey).(*APIClaims)
	return c
}

// RequireAdminAuth returns middleware that only admits valid admin tokens.
// An API token signed with the same secret is refused with 403.
func RequireAdminAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				writeJSONError(w, http.StatusServiceUnavailable, "admin auth not configured")
				return
			}
			tokenString, err := bearerToken(r)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			claims := &AdminClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, hmacKey(secret))
			if err != nil || !token.Valid {
				slog.Debug("admin auth: invalid jwt", "error", err)
				writeJSONError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			if claims.Issuer != AdminIssuer || claims.Role == "" {
				writeJSONError(w, http.StatusForbidden, "admin token required")
				return
			}

			ctx := context.WithValue(r.Context(), adminAuthKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminClaimsFromContext returns the admin claims set by RequireAdminAuth,
// or nil.
func AdminClaimsFromContext(ctx context.Context) *AdminClaims {
	c, _ := ctx.Value(adminAuthKey).(*AdminClaims)
	return c
}

// errorEnvelope matches the api package's envelope format for error responses.
type errorEnvelope struct {
	Error string `json:"error,omitempty"`
}

// writeJSONError writes a JSON error matching the API envelope format.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: msg}) //nolint:errcheck
}
