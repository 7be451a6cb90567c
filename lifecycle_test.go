package passport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/passportd/passport/internal/testutil"
	"github.com/passportd/passport/storage"
	"github.com/passportd/passport/storage/memory"
)

func testConfig() *Config {
	return &Config{Logger: slog.New(slog.DiscardHandler)}
}

func newTestLifecycle(t *testing.T) (*Lifecycle, *memory.Store) {
	t.Helper()
	store := memory.New()
	return NewLifecycle(store.Repositories(), store, testConfig(), nil), store
}

func mustCreateClient(t *testing.T, store *memory.Store, client *storage.Client) {
	t.Helper()
	if err := store.Clients().Create(context.Background(), client); err != nil {
		t.Fatalf("creating client %q: %v", client.ID, err)
	}
}

func wantTokenErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var tokenErr *TokenError
	if !errors.As(err, &tokenErr) {
		t.Fatalf("error = %v, want *TokenError with code %q", err, code)
	}
	if tokenErr.Code != code {
		t.Fatalf("error code = %q, want %q", tokenErr.Code, code)
	}
}

func TestIssueAndRedeemCode(t *testing.T) {
	lifecycle, store := newTestLifecycle(t)
	client := testutil.NewConfidentialClient("web-app")
	mustCreateClient(t, store, client)
	ctx := context.Background()

	code, err := lifecycle.IssueCode(ctx, client, "alice", []string{"read", "write"}, "203.0.113.7")
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	if code == "" {
		t.Fatal("IssueCode() returned empty code")
	}

	grant, err := lifecycle.RedeemCode(ctx, client, code, "https://example.com/callback", "203.0.113.7")
	if err != nil {
		t.Fatalf("RedeemCode() error = %v", err)
	}
	if grant.AccessToken == "" || grant.RefreshToken == "" {
		t.Error("grant is missing token values")
	}
	if grant.AccessToken == grant.RefreshToken {
		t.Error("access and refresh values must differ")
	}
	if grant.TokenType != "bearer" {
		t.Errorf("TokenType = %q, want %q", grant.TokenType, "bearer")
	}
	if grant.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", grant.ExpiresIn)
	}
	if grant.UserID != "alice" {
		t.Errorf("UserID = %q, want %q", grant.UserID, "alice")
	}
	if grant.Scope() != "read write" {
		t.Errorf("Scope() = %q, want %q", grant.Scope(), "read write")
	}

	token, err := store.Tokens().ReadByValue(ctx, grant.AccessToken, time.Hour)
	if err != nil {
		t.Fatalf("issued access token not resolvable: %v", err)
	}
	if token.ClientID != client.ID {
		t.Errorf("token ClientID = %q, want %q", token.ClientID, client.ID)
	}
}

func TestIssueCodeRequiresCodeGrant(t *testing.T) {
	lifecycle, store := newTestLifecycle(t)
	client := testutil.NewConfidentialClient("web-app")
	client.CodeGrant = false
	mustCreateClient(t, store, client)

	_, err := lifecycle.IssueCode(context.Background(), client, "alice", []string{"read"}, "")
	wantTokenErrorCode(t, err, ErrorCodeUnauthorizedClient)

	_, err = lifecycle.RedeemCode(context.Background(), client, "some-code", "", "")
	wantTokenErrorCode(t, err, ErrorCodeUnauthorizedClient)
}

func TestRedeemCodeReplayDisablesToken(t *testing.T) {
	lifecycle, store := newTestLifecycle(t)
	client := testutil.NewConfidentialClient("web-app")
	mustCreateClient(t, store, client)
	ctx := context.Background()

	code, err := lifecycle.IssueCode(ctx, client, "alice", []string{"read"}, "")
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	grant, err := lifecycle.RedeemCode(ctx, client, code, "", "")
	if err != nil {
		t.Fatalf("first RedeemCode() error = %v", err)
	}

	_, err = lifecycle.RedeemCode(ctx, client, code, "", "")
	wantTokenErrorCode(t, err, ErrorCodeInvalidGrant)

	// Replay kills the tokens minted from the first redemption.
	if _, err := store.Tokens().ReadByValue(ctx, grant.AccessToken, time.Hour); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("ReadByValue after replay = %v, want ErrTokenNotFound", err)
	}
}

func TestRedeemCodeWrongClient(t *testing.T) {
	lifecycle, store := newTestLifecycle(t)
	owner := testutil.NewConfidentialClient("web-app")
	other := testutil.NewConfidentialClient("other-app")
	mustCreateClient(t, store, owner)
	mustCreateClient(t, store, other)
	ctx := context.Background()

	code, err := lifecycle.IssueCode(ctx, owner, "alice", []string{"read"}, "")
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}

	_, err = lifecycle.RedeemCode(ctx, other, code, "", "")
	wantTokenErrorCode(t, err, ErrorCodeInvalidGrant)

	// The losing attempt must not consume the code.
	if _, err := lifecycle.RedeemCode(ctx, owner, code, "", ""); err != nil {
		t.Fatalf("owner redemption after foreign attempt failed: %v", err)
	}
}

func TestRedeemCodeExpired(t *testing.T) {
	store := memory.New()
	clock := testutil.NewMockTime(time.Now())
	store.SetClock(clock.Now)
	lifecycle := NewLifecycle(store.Repositories(), store, testConfig(), nil)
	client := testutil.NewConfidentialClient("web-app")
	mustCreateClient(t, store, client)
	ctx := context.Background()

	code, err := lifecycle.IssueCode(ctx, client, "alice", []string{"read"}, "")
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}

	clock.Advance(61 * time.Second)
	_, err = lifecycle.RedeemCode(ctx, client, code, "", "")
	wantTokenErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestRedeemCodeRedirectURIMismatch(t *testing.T) {
	lifecycle, store := newTestLifecycle(t)
	client := testutil.NewConfidentialClient("web-app")
	mustCreateClient(t, store, client)
	ctx := context.Background()

	code, err := lifecycle.IssueCode(ctx, client, "alice", []string{"read"}, "")
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}

	_, err = lifecycle.RedeemCode(ctx, client, code, "https://evil.example/cb", "")
	wantTokenErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestConcurrentRedemptionSingleWinner(t *testing.T) {
	lifecycle, store := newTestLifecycle(t)
	client := testutil.NewConfidentialClient("web-app")
	mustCreateClient(t, store, client)
	ctx := context.Background()

	code, err := lifecycle.IssueCode(ctx, client, "alice", []string{"read"}, "")
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := lifecycle.RedeemCode(ctx, client, code, "", "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins int
	for err := range results {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("concurrent redemptions: %d winners, want exactly 1", wins)
	}
}

func TestPasswordGrant(t *testing.T) {
	store := memory.New()
	users := UserAuthenticatorFunc(func(_ context.Context, username, password string) (string, error) {
		if username == "alice" && password == "hunter2" {
			return "user-1", nil
		}
		return "", errors.New("bad credentials")
	})
	lifecycle := NewLifecycle(store.Repositories(), store, testConfig(), users)

	client := testutil.NewConfidentialClient("cli-tool")
	client.PasswordGrant = true
	mustCreateClient(t, store, client)
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		grant, err := lifecycle.PasswordGrant(ctx, client, "alice", "hunter2", "read", "")
		if err != nil {
			t.Fatalf("PasswordGrant() error = %v", err)
		}
		if grant.UserID != "user-1" {
			t.Errorf("UserID = %q, want %q", grant.UserID, "user-1")
		}
		if grant.RefreshToken == "" {
			t.Error("password grant must issue a refresh token")
		}
		if grant.Scope() != "read" {
			t.Errorf("Scope() = %q, want %q", grant.Scope(), "read")
		}
	})

	t.Run("bad credentials", func(t *testing.T) {
		_, err := lifecycle.PasswordGrant(ctx, client, "alice", "wrong", "read", "")
		wantTokenErrorCode(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("missing parameters", func(t *testing.T) {
		_, err := lifecycle.PasswordGrant(ctx, client, "alice", "", "read", "")
		wantTokenErrorCode(t, err, ErrorCodeInvalidRequest)
	})

	t.Run("grant not allowed for client", func(t *testing.T) {
		denied := testutil.NewConfidentialClient("no-password")
		mustCreateClient(t, store, denied)
		_, err := lifecycle.PasswordGrant(ctx, denied, "alice", "hunter2", "read", "")
		wantTokenErrorCode(t, err, ErrorCodeUnauthorizedClient)
	})

	t.Run("scope excess denied", func(t *testing.T) {
		_, err := lifecycle.PasswordGrant(ctx, client, "alice", "hunter2", "read admin", "")
		wantTokenErrorCode(t, err, ErrorCodeInvalidScope)
	})

	t.Run("empty scope binds client defaults", func(t *testing.T) {
		defaulting := testutil.NewConfidentialClient("defaulting-cli")
		defaulting.PasswordGrant = true
		defaulting.UseDefaultScopesOnEmpty = true
		mustCreateClient(t, store, defaulting)
		grant, err := lifecycle.PasswordGrant(ctx, defaulting, "alice", "hunter2", "", "")
		if err != nil {
			t.Fatalf("PasswordGrant() error = %v", err)
		}
		if grant.Scope() != "read write" {
			t.Errorf("Scope() = %q, want %q", grant.Scope(), "read write")
		}
		token, err := store.Tokens().ReadByValue(ctx, grant.AccessToken, time.Hour)
		if err != nil {
			t.Fatalf("ReadByValue() error = %v", err)
		}
		ids, err := store.Tokens().ReadScopeIDs(ctx, token.ID)
		if err != nil {
			t.Fatalf("ReadScopeIDs() error = %v", err)
		}
		if len(ids) != 2 {
			t.Errorf("bound scope IDs = %v, want [read write]", ids)
		}
	})

	t.Run("no authenticator configured", func(t *testing.T) {
		bare := NewLifecycle(store.Repositories(), store, testConfig(), nil)
		_, err := bare.PasswordGrant(ctx, client, "alice", "hunter2", "read", "")
		wantTokenErrorCode(t, err, ErrorCodeUnsupportedGrantType)
	})
}

func TestClientCredentialsGrant(t *testing.T) {
	lifecycle, store := newTestLifecycle(t)
	client := testutil.NewConfidentialClient("batch-job")
	client.ClientCredentialsGrant = true
	mustCreateClient(t, store, client)
	ctx := context.Background()

	t.Run("success without user or refresh", func(t *testing.T) {
		grant, err := lifecycle.ClientCredentialsGrant(ctx, client, "read", "")
		if err != nil {
			t.Fatalf("ClientCredentialsGrant() error = %v", err)
		}
		if grant.UserID != "" {
			t.Errorf("UserID = %q, want empty", grant.UserID)
		}
		if grant.RefreshToken != "" {
			t.Error("client credentials grant must not issue a refresh token")
		}
		if grant.AccessToken == "" {
			t.Error("missing access token")
		}
	})

	t.Run("grant not allowed for client", func(t *testing.T) {
		denied := testutil.NewConfidentialClient("web-app")
		mustCreateClient(t, store, denied)
		_, err := lifecycle.ClientCredentialsGrant(ctx, denied, "read", "")
		wantTokenErrorCode(t, err, ErrorCodeUnauthorizedClient)
	})

	t.Run("public client denied", func(t *testing.T) {
		public := testutil.NewPublicClient("spa")
		public.ClientCredentialsGrant = true
		mustCreateClient(t, store, public)
		_, err := lifecycle.ClientCredentialsGrant(ctx, public, "read", "")
		wantTokenErrorCode(t, err, ErrorCodeUnauthorizedClient)
	})

	t.Run("excess scope denied even when the client allows excess", func(t *testing.T) {
		lenient := testutil.NewConfidentialClient("lenient-job")
		lenient.ClientCredentialsGrant = true
		lenient.ScopeIDs = []string{"read"}
		lenient.AllowScopeExcess = true
		mustCreateClient(t, store, lenient)
		_, err := lifecycle.ClientCredentialsGrant(ctx, lenient, "read admin", "")
		wantTokenErrorCode(t, err, ErrorCodeInvalidScope)
	})
}

func TestRefreshRotation(t *testing.T) {
	lifecycle, store := newTestLifecycle(t)
	client := testutil.NewConfidentialClient("web-app")
	mustCreateClient(t, store, client)
	ctx := context.Background()

	code, err := lifecycle.IssueCode(ctx, client, "alice", []string{"read", "write"}, "")
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	first, err := lifecycle.RedeemCode(ctx, client, code, "", "")
	if err != nil {
		t.Fatalf("RedeemCode() error = %v", err)
	}

	second, err := lifecycle.Refresh(ctx, client, first.RefreshToken, "", "")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if second.AccessToken == first.AccessToken {
		t.Error("refresh did not rotate the access token")
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("refresh did not rotate the refresh token")
	}
	if second.Scope() != "read write" {
		t.Errorf("Scope() = %q, want %q", second.Scope(), "read write")
	}

	// The rotated-away access value is dead.
	if _, err := store.Tokens().ReadByValue(ctx, first.AccessToken, time.Hour); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("old access value still resolvable: %v", err)
	}
}

func TestRefreshReuse(t *testing.T) {
	lifecycle, store := newTestLifecycle(t)
	client := testutil.NewConfidentialClient("web-app")
	mustCreateClient(t, store, client)
	ctx := context.Background()

	code, err := lifecycle.IssueCode(ctx, client, "alice", []string{"read"}, "")
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	first, err := lifecycle.RedeemCode(ctx, client, code, "", "")
	if err != nil {
		t.Fatalf("RedeemCode() error = %v", err)
	}
	second, err := lifecycle.Refresh(ctx, client, first.RefreshToken, "", "")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	// The superseded refresh value is indistinguishable from an unknown one.
	_, err = lifecycle.Refresh(ctx, client, first.RefreshToken, "", "")
	wantTokenErrorCode(t, err, ErrorCodeInvalidGrant)

	// The current family is untouched.
	if _, err := store.Tokens().ReadByValue(ctx, second.AccessToken, time.Hour); err != nil {
		t.Errorf("current access value not resolvable: %v", err)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	lifecycle, store := newTestLifecycle(t)
	client := testutil.NewConfidentialClient("web-app")
	mustCreateClient(t, store, client)
	ctx := context.Background()

	code, err := lifecycle.IssueCode(ctx, client, "alice", []string{"read"}, "")
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	grant, err := lifecycle.RedeemCode(ctx, client, code, "", "")
	if err != nil {
		t.Fatalf("RedeemCode() error = %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := lifecycle.Refresh(ctx, client, grant.RefreshToken, "", "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins int
	for err := range results {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("concurrent rotations: %d winners, want exactly 1", wins)
	}
}

func TestRefreshNarrowsScopes(t *testing.T) {
	lifecycle, store := newTestLifecycle(t)
	client := testutil.NewConfidentialClient("web-app")
	mustCreateClient(t, store, client)
	ctx := context.Background()

	code, err := lifecycle.IssueCode(ctx, client, "alice", []string{"read", "write"}, "")
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	first, err := lifecycle.RedeemCode(ctx, client, code, "", "")
	if err != nil {
		t.Fatalf("RedeemCode() error = %v", err)
	}

	narrowed, err := lifecycle.Refresh(ctx, client, first.RefreshToken, "read", "")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if narrowed.Scope() != "read" {
		t.Errorf("Scope() = %q, want %q", narrowed.Scope(), "read")
	}

	// Widening back is denied even though the client could request it fresh.
	_, err = lifecycle.Refresh(ctx, client, narrowed.RefreshToken, "read write", "")
	wantTokenErrorCode(t, err, ErrorCodeInvalidScope)
}

func TestRefreshWrongClient(t *testing.T) {
	lifecycle, store := newTestLifecycle(t)
	owner := testutil.NewConfidentialClient("web-app")
	other := testutil.NewConfidentialClient("other-app")
	mustCreateClient(t, store, owner)
	mustCreateClient(t, store, other)
	ctx := context.Background()

	code, err := lifecycle.IssueCode(ctx, owner, "alice", []string{"read"}, "")
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	grant, err := lifecycle.RedeemCode(ctx, owner, code, "", "")
	if err != nil {
		t.Fatalf("RedeemCode() error = %v", err)
	}

	_, err = lifecycle.Refresh(ctx, other, grant.RefreshToken, "", "")
	wantTokenErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestRevoke(t *testing.T) {
	lifecycle, store := newTestLifecycle(t)
	client := testutil.NewConfidentialClient("web-app")
	mustCreateClient(t, store, client)
	ctx := context.Background()

	code, err := lifecycle.IssueCode(ctx, client, "alice", []string{"read"}, "")
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	grant, err := lifecycle.RedeemCode(ctx, client, code, "", "")
	if err != nil {
		t.Fatalf("RedeemCode() error = %v", err)
	}

	t.Run("by access value", func(t *testing.T) {
		if err := lifecycle.Revoke(ctx, client, grant.AccessToken, ""); err != nil {
			t.Fatalf("Revoke() error = %v", err)
		}
		if _, err := store.Tokens().ReadByValue(ctx, grant.AccessToken, time.Hour); !errors.Is(err, storage.ErrTokenNotFound) {
			t.Errorf("revoked value still resolvable: %v", err)
		}
	})

	t.Run("unknown value succeeds silently", func(t *testing.T) {
		if err := lifecycle.Revoke(ctx, client, "no-such-token", ""); err != nil {
			t.Errorf("Revoke() error = %v, want nil", err)
		}
	})

	t.Run("foreign token is left alone", func(t *testing.T) {
		other := testutil.NewConfidentialClient("other-app")
		other.ClientCredentialsGrant = true
		mustCreateClient(t, store, other)
		foreign, err := lifecycle.ClientCredentialsGrant(ctx, other, "read", "")
		if err != nil {
			t.Fatalf("ClientCredentialsGrant() error = %v", err)
		}

		if err := lifecycle.Revoke(ctx, client, foreign.AccessToken, ""); err != nil {
			t.Errorf("Revoke() error = %v, want nil", err)
		}
		if _, err := store.Tokens().ReadByValue(ctx, foreign.AccessToken, time.Hour); err != nil {
			t.Errorf("foreign token was revoked: %v", err)
		}
	})
}
