package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/telhawk-systems/projector/common/logging"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name              string
		existingRequestID string
		expectNewID       bool
	}{
		{
			name:              "generates new request ID when not present",
			existingRequestID: "",
			expectNewID:       true,
		},
		{
			name:              "propagates existing request ID",
			existingRequestID: "existing-req-123",
			expectNewID:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var capturedRequestID string

			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				capturedRequestID = logging.RequestID(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest("GET", "http://example.com/projections", nil)
			if tt.existingRequestID != "" {
				req.Header.Set(HeaderRequestID, tt.existingRequestID)
			}
			w := httptest.NewRecorder()

			RequestID(handler).ServeHTTP(w, req)

			if capturedRequestID == "" {
				t.Fatal("expected request ID in context")
			}
			if got := w.Header().Get(HeaderRequestID); got != capturedRequestID {
				t.Errorf("response header %q does not match context %q", got, capturedRequestID)
			}
			if tt.expectNewID {
				if _, err := uuid.Parse(capturedRequestID); err != nil {
					t.Errorf("expected generated UUID, got %q", capturedRequestID)
				}
			} else if capturedRequestID != tt.existingRequestID {
				t.Errorf("expected %q, got %q", tt.existingRequestID, capturedRequestID)
			}
		})
	}
}

func TestRequestID_UniquePerRequest(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	seen := make(map[string]bool)
	for range 20 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
		id := w.Header().Get(HeaderRequestID)
		if seen[id] {
			t.Fatalf("duplicate request ID %q", id)
		}
		seen[id] = true
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, slog.LevelDebug, "json")

	handler := RequestID(AccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})))

	req := httptest.NewRequest("GET", "/readyz", nil)
	req.Header.Set(HeaderRequestID, "req-7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, want := range []string{`"msg":"request failed"`, `"status":503`, `"path":"/readyz"`, `"request_id":"req-7"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %s: %s", want, out)
		}
	}
}
