package passport

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/passportd/passport/internal/testutil"
	"github.com/passportd/passport/storage/memory"
)

func newAuthRequest(t *testing.T, form url.Values) *http.Request {
	t.Helper()
	body := ""
	if form != nil {
		body = form.Encode()
	}
	r, err := http.NewRequest(http.MethodPost, "/token", strings.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestClientAuthenticator(t *testing.T) {
	store := memory.New()
	confidential := testutil.NewConfidentialClient("web-app")
	public := testutil.NewPublicClient("spa")
	if err := store.Clients().Create(context.Background(), confidential); err != nil {
		t.Fatalf("creating confidential client: %v", err)
	}
	if err := store.Clients().Create(context.Background(), public); err != nil {
		t.Fatalf("creating public client: %v", err)
	}
	credentialed := testutil.NewPublicClient("cli")
	credentialed.SecretHash = testutil.TestSecretHash
	if err := store.Clients().Create(context.Background(), credentialed); err != nil {
		t.Fatalf("creating credentialed public client: %v", err)
	}

	auth := NewClientAuthenticator(store.Clients(), nil, nil, nil)

	tests := []struct {
		name     string
		clientID string
		secret   string
		noBasic  bool
		form     url.Values
		wantCode string
		wantID   string
	}{
		{
			name:     "confidential client with correct secret",
			clientID: "web-app",
			secret:   testutil.TestSecret,
			wantID:   "web-app",
		},
		{
			name:     "confidential client with wrong secret",
			clientID: "web-app",
			secret:   "wrong",
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "unknown client",
			clientID: "ghost",
			secret:   testutil.TestSecret,
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "missing basic credentials",
			noBasic:  true,
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "public client without secret",
			clientID: "spa",
			wantID:   "spa",
		},
		{
			name:     "credentialed public client without secret",
			clientID: "cli",
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "credentialed public client with wrong secret",
			clientID: "cli",
			secret:   "wrong",
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "credentialed public client with correct secret",
			clientID: "cli",
			secret:   testutil.TestSecret,
			wantID:   "cli",
		},
		{
			name:     "body client_id mismatch",
			clientID: "web-app",
			secret:   testutil.TestSecret,
			form:     url.Values{"client_id": {"spa"}},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "body client_id match is accepted",
			clientID: "web-app",
			secret:   testutil.TestSecret,
			form:     url.Values{"client_id": {"web-app"}},
			wantID:   "web-app",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newAuthRequest(t, tt.form)
			if !tt.noBasic {
				r.SetBasicAuth(tt.clientID, tt.secret)
			}

			client, err := auth.Authenticate(context.Background(), r)
			if tt.wantCode != "" {
				var tokenErr *TokenError
				if !errors.As(err, &tokenErr) {
					t.Fatalf("Authenticate() error = %v, want *TokenError", err)
				}
				if tokenErr.Code != tt.wantCode {
					t.Errorf("error code = %q, want %q", tokenErr.Code, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if client.ID != tt.wantID {
				t.Errorf("client ID = %q, want %q", client.ID, tt.wantID)
			}
		})
	}
}

func TestClientAuthenticatorInvalidClientChallenge(t *testing.T) {
	store := memory.New()
	auth := NewClientAuthenticator(store.Clients(), nil, nil, nil)

	r := newAuthRequest(t, nil)
	r.SetBasicAuth("ghost", "whatever")

	_, err := auth.Authenticate(context.Background(), r)
	var tokenErr *TokenError
	if !errors.As(err, &tokenErr) {
		t.Fatalf("Authenticate() error = %v, want *TokenError", err)
	}
	if tokenErr.Status != http.StatusUnauthorized {
		t.Errorf("Status = %d, want %d", tokenErr.Status, http.StatusUnauthorized)
	}
	if tokenErr.Headers.Get("Www-Authenticate") == "" {
		t.Error("expected WWW-Authenticate challenge on invalid_client")
	}
}
