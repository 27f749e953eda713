package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/damso/damso/internal/analysis"
	"github.com/damso/damso/internal/calls"
	"github.com/damso/damso/internal/emergency"
	"github.com/damso/damso/internal/rtc"
	"github.com/damso/damso/internal/worker"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]string{"callId": "c1"})

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected content-type application/json, got %q", ct)
	}

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if env.Error != "" {
		t.Errorf("expected empty error, got %q", env.Error)
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected data to be map, got %T", env.Data)
	}
	if data["callId"] != "c1" {
		t.Errorf("expected callId=c1, got %v", data["callId"])
	}
}

func TestWriteJSON_CustomStatus(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusCreated, map[string]int{"sent": 1})

	if w.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), `"error"`) {
		t.Errorf("expected error field to be omitted, got %s", w.Body.String())
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusBadRequest, "callId is required")

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if env.Error != "callId is required" {
		t.Errorf("expected error 'callId is required', got %q", env.Error)
	}
	if env.Data != nil {
		t.Errorf("expected nil data, got %v", env.Data)
	}
}

func TestReadJSON_Success(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"callId":"abc","extra":1}`))

	var dst callIDRequest
	if errMsg := readJSON(r, &dst); errMsg != "" {
		t.Fatalf("expected no error, got %q", errMsg)
	}
	if dst.CallID != "abc" {
		t.Errorf("expected callId=abc, got %q", dst.CallID)
	}
}

func TestReadJSON_EmptyBodyIsAllowed(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))

	dst := authTokenRequest{Identity: "kept"}
	if errMsg := readJSON(r, &dst); errMsg != "" {
		t.Fatalf("expected no error, got %q", errMsg)
	}
	if dst.Identity != "kept" {
		t.Errorf("expected dst untouched, got %+v", dst)
	}
}

func TestReadJSON_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", "{bad", "invalid request body"},
		{"wrong type", `{"callId":42}`, "invalid request body"},
		{"multiple objects", `{"callId":"a"}{"callId":"b"}`, "request body must contain a single json object"},
		{"too large", `{"callId":"` + strings.Repeat("x", maxRequestBodySize) + `"}`, "request body too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst callIDRequest
			if got := readJSON(r, &dst); got != tt.want {
				t.Errorf("readJSON = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteServiceError_Mapping(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantMsg    string
	}{
		{calls.ErrCallNotFound, http.StatusNotFound, "call not found"},
		{fmt.Errorf("loading: %w", analysis.ErrCallNotFound), http.StatusNotFound, "call not found"},
		{calls.ErrInvalidTransition, http.StatusConflict, calls.ErrInvalidTransition.Error()},
		{emergency.ErrNotFound, http.StatusNotFound, "emergency not found"},
		{emergency.ErrWardNotFound, http.StatusNotFound, "ward not found"},
		{emergency.ErrAlreadyResolved, http.StatusConflict, emergency.ErrAlreadyResolved.Error()},
		{emergency.ErrInvalidStatus, http.StatusBadRequest, "invalid status"},
		{worker.ErrNotFound, http.StatusNotFound, "dead letter not found"},
		{worker.ErrQueueFull, http.StatusServiceUnavailable, "task queue full"},
		{rtc.ErrNotConfigured, http.StatusServiceUnavailable, "livekit not configured"},
		{errors.New("connection reset"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/v1/calls/x", nil)
			writeServiceError(w, r, "test", tt.err)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var env envelope
			if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if env.Error != tt.wantMsg {
				t.Errorf("error = %q, want %q", env.Error, tt.wantMsg)
			}
		})
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{"", 50, false},
		{"10", 10, false},
		{"1000", 200, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"ten", 0, true},
	}
	for _, tt := range tests {
		got, msg := parseLimit(tt.raw, 50, 200)
		if (msg != "") != tt.wantErr {
			t.Errorf("parseLimit(%q) msg = %q, wantErr %v", tt.raw, msg, tt.wantErr)
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestValidateLatLon(t *testing.T) {
	if msg := validateLatLon(37.5665, 126.978); msg != "" {
		t.Errorf("unexpected error for Seoul: %q", msg)
	}
	if msg := validateLatLon(91, 0); msg == "" {
		t.Error("expected latitude error")
	}
	if msg := validateLatLon(0, -181); msg == "" {
		t.Error("expected longitude error")
	}
}

func TestNormalizeLiveKitURL(t *testing.T) {
	tests := []struct {
		raw    string
		want   string
		wantOK bool
	}{
		{"wss://lk.damso.kr/", "wss://lk.damso.kr", true},
		{"ws://localhost:7880", "ws://localhost:7880", true},
		{"https://lk.damso.kr", "", false},
		{"lk.damso.kr", "", false},
	}
	for _, tt := range tests {
		got, ok := normalizeLiveKitURL(tt.raw)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("normalizeLiveKitURL(%q) = %q, %v; want %q, %v", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}
}
