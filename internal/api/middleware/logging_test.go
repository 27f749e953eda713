package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func captureLogs(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func decodeLogEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestStructuredLogger_DefaultStatus(t *testing.T) {
	buf := captureLogs(t, slog.LevelInfo)

	handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/calls/invite", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := decodeLogEntry(t, buf)
	if entry["msg"] != "http request" || entry["level"] != "INFO" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["method"] != "POST" || entry["path"] != "/v1/calls/invite" {
		t.Fatalf("unexpected method/path in %v", entry)
	}
	// JSON numbers decode as float64.
	if entry["status"] != float64(200) {
		t.Fatalf("expected status 200, got %v", entry["status"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Fatal("expected duration_ms in log output")
	}
}

func TestStructuredLogger_FirstStatusWins(t *testing.T) {
	buf := captureLogs(t, slog.LevelInfo)

	handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/calls/end", nil))

	entry := decodeLogEntry(t, buf)
	if entry["status"] != float64(409) {
		t.Fatalf("expected status 409, got %v", entry["status"])
	}
}

func TestStructuredLogger_ServerErrorIsWarn(t *testing.T) {
	buf := captureLogs(t, slog.LevelInfo)

	handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/calls/abc", nil))

	if entry := decodeLogEntry(t, buf); entry["level"] != "WARN" {
		t.Fatalf("expected WARN, got %v", entry["level"])
	}
}

func TestStructuredLogger_ProbesAreQuiet(t *testing.T) {
	for _, path := range []string{"/health", "/metrics"} {
		buf := captureLogs(t, slog.LevelInfo)
		handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
		if buf.Len() != 0 {
			t.Errorf("%s: expected no info log, got %s", path, buf.String())
		}
	}
}
