package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	apiSecret   = []byte("api-secret")
	adminSecret = []byte("admin-secret")
)

// captureClaims records the claims the middleware stored in the context.
type captureClaims struct {
	api   *APIClaims
	admin *AdminClaims
	hit   bool
}

func (c *captureClaims) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.hit = true
		c.api = APIClaimsFromContext(r.Context())
		c.admin = AdminClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func serveWithBearer(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/calls/invite", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func errorMessage(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to parse error body %q: %v", rr.Body.String(), err)
	}
	return env.Error
}

func TestGenerateAPIToken_RoundTrip(t *testing.T) {
	token, exp, err := GenerateAPIToken(apiSecret, time.Hour, "user-1", "ward-kim", "김순자")
	if err != nil {
		t.Fatalf("GenerateAPIToken: %v", err)
	}
	if time.Until(exp) <= 59*time.Minute {
		t.Errorf("unexpected expiry %v", exp)
	}

	claims, err := ParseAPIToken(apiSecret, token)
	if err != nil {
		t.Fatalf("ParseAPIToken: %v", err)
	}
	if claims.Identity != "ward-kim" || claims.UserID != "user-1" || claims.Subject != "user-1" || claims.DisplayName != "김순자" {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestParseAPIToken_UserIDFallsBackToSubject(t *testing.T) {
	claims := jwt.MapClaims{
		"sub":      "user-9",
		"identity": "guardian-lee",
		"exp":      time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(apiSecret)
	if err != nil {
		t.Fatal(err)
	}

	got, err := ParseAPIToken(apiSecret, token)
	if err != nil {
		t.Fatalf("ParseAPIToken: %v", err)
	}
	if got.UserID != "user-9" {
		t.Errorf("UserID = %q, want user-9", got.UserID)
	}
}

func TestParseAPIToken_Rejects(t *testing.T) {
	expired, _, _ := GenerateAPIToken(apiSecret, -time.Minute, "u", "id", "")
	otherKey, _, _ := GenerateAPIToken([]byte("other"), time.Hour, "u", "id", "")
	noIdentity, _, _ := GenerateAPIToken(apiSecret, time.Hour, "u", "", "")
	admin, _, _ := GenerateAdminToken(apiSecret, "a1", "ops@damso.kr", "Ops", "admin")

	for name, token := range map[string]string{
		"expired":     expired,
		"wrong key":   otherKey,
		"no identity": noIdentity,
		"admin token": admin,
		"garbage":     "not-a-jwt",
	} {
		if _, err := ParseAPIToken(apiSecret, token); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestAPIAuth_Required(t *testing.T) {
	valid, _, _ := GenerateAPIToken(apiSecret, time.Hour, "user-1", "ward-kim", "")

	tests := []struct {
		name       string
		token      string
		wantStatus int
		wantMsg    string
	}{
		{"missing", "", http.StatusUnauthorized, "authentication required"},
		{"invalid", "garbage", http.StatusUnauthorized, "invalid or expired token"},
		{"valid", valid, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c captureClaims
			rr := serveWithBearer(APIAuth(apiSecret, true)(c.handler()), tt.token)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantMsg != "" {
				if got := errorMessage(t, rr); got != tt.wantMsg {
					t.Errorf("error = %q, want %q", got, tt.wantMsg)
				}
				return
			}
			if c.api == nil || c.api.Identity != "ward-kim" {
				t.Errorf("expected claims in context, got %+v", c.api)
			}
		})
	}
}

func TestAPIAuth_OptionalLetsAnonymousThrough(t *testing.T) {
	for _, token := range []string{"", "garbage"} {
		var c captureClaims
		rr := serveWithBearer(APIAuth(apiSecret, false)(c.handler()), token)
		if rr.Code != http.StatusOK || !c.hit {
			t.Fatalf("token %q: expected pass-through, got %d", token, rr.Code)
		}
		if c.api != nil {
			t.Errorf("token %q: expected no claims, got %+v", token, c.api)
		}
	}

	valid, _, _ := GenerateAPIToken(apiSecret, time.Hour, "user-1", "ward-kim", "")
	var c captureClaims
	serveWithBearer(APIAuth(apiSecret, false)(c.handler()), valid)
	if c.api == nil {
		t.Fatal("expected optional auth to still parse a valid token")
	}
}

func TestRequireAdminAuth(t *testing.T) {
	admin, _, _ := GenerateAdminToken(adminSecret, "a1", "ops@damso.kr", "Ops", "admin")
	apiWithAdminKey, _, _ := GenerateAPIToken(adminSecret, time.Hour, "u", "ward", "")
	apiToken, _, _ := GenerateAPIToken(apiSecret, time.Hour, "u", "ward", "")

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"api token with other secret", apiToken, http.StatusUnauthorized},
		{"api token with admin secret", apiWithAdminKey, http.StatusForbidden},
		{"admin", admin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c captureClaims
			rr := serveWithBearer(RequireAdminAuth(adminSecret)(c.handler()), tt.token)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				if c.admin == nil || c.admin.Email != "ops@damso.kr" || c.admin.Subject != "a1" {
					t.Errorf("unexpected admin claims %+v", c.admin)
				}
			}
		})
	}
}

func TestRequireAdminAuth_Unconfigured(t *testing.T) {
	var c captureClaims
	rr := serveWithBearer(RequireAdminAuth(nil)(c.handler()), "anything")
	if rr.Code != http.StatusServiceUnavailable || c.hit {
		t.Fatalf("expected 503 without reaching the handler, got %d", rr.Code)
	}
}

func TestRequireInternalAuth(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		header     string
		wantStatus int
	}{
		{"match", "s3cret", "s3cret", http.StatusOK},
		{"mismatch", "s3cret", "guess", http.StatusUnauthorized},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"unconfigured", "", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c captureClaims
			h := RequireInternalAuth(tt.secret)(c.handler())
			req := httptest.NewRequest(http.MethodGet, "/internal/users/1", nil)
			if tt.header != "" {
				req.Header.Set(InternalAuthHeader, tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}
