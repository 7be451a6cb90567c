package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	id := GenerateRequestID()
	if len(id) != 22 {
		t.Errorf("length = %d, want 22", len(id))
	}
	if !isValidRequestID(id) {
		t.Errorf("generated ID %q failed validation", id)
	}
	if id == GenerateRequestID() {
		t.Error("two generated IDs collided")
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	if got := GetRequestID(ctx); got != "" {
		t.Errorf("GetRequestID on empty context = %q", got)
	}
	ctx = WithRequestID(ctx, "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID = %q", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
		preserve bool
	}{
		{"no upstream ID", "", false},
		{"valid upstream ID", "upstream-id_42", true},
		{"upstream ID with CRLF", "bad\r\nInjected: header", false},
		{"overlong upstream ID", string(make([]byte, 200)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.upstream != "" {
				req.Header["X-Request-Id"] = []string{tt.upstream}
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if seen == "" {
				t.Fatal("no request ID in handler context")
			}
			if echoed := w.Header().Get(RequestIDHeader); echoed != seen {
				t.Errorf("response header %q != context ID %q", echoed, seen)
			}
			if tt.preserve && seen != tt.upstream {
				t.Errorf("valid upstream ID %q replaced with %q", tt.upstream, seen)
			}
			if !tt.preserve && seen == tt.upstream {
				t.Error("invalid upstream ID preserved")
			}
		})
	}
}
