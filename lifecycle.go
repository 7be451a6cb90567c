package passport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/oauth2"

	"github.com/passportd/passport/instrumentation"
	"github.com/passportd/passport/security"
	"github.com/passportd/passport/storage"
)

// UserAuthenticator verifies resource-owner credentials for the password
// grant. Implementations return the user's identifier on success and an error
// otherwise; the error is never surfaced to the client beyond invalid_grant.
type UserAuthenticator interface {
	AuthenticateUser(ctx context.Context, username, password string) (string, error)
}

// UserAuthenticatorFunc adapts a function to the UserAuthenticator interface.
type UserAuthenticatorFunc func(ctx context.Context, username, password string) (string, error)

func (f UserAuthenticatorFunc) AuthenticateUser(ctx context.Context, username, password string) (string, error) {
	return f(ctx, username, password)
}

// Lifecycle issues, exchanges, rotates, and revokes tokens. All mutations
// that touch more than one row run inside the store's Transactor.
type Lifecycle struct {
	repos   storage.Repositories
	tx      storage.Transactor
	config  *Config
	users   UserAuthenticator
	auditor *security.Auditor
	metrics *instrumentation.Metrics
	logger  *slog.Logger

	newValue func() string
}

// NewLifecycle wires a token lifecycle over the given repositories and
// transactor. users may be nil when the password grant is not offered.
func NewLifecycle(repos storage.Repositories, tx storage.Transactor, config *Config, users UserAuthenticator) *Lifecycle {
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()
	return &Lifecycle{
		repos:    repos,
		tx:       tx,
		config:   config,
		users:    users,
		logger:   config.Logger,
		newValue: oauth2.GenerateVerifier,
	}
}

// SetAuditor attaches a security auditor. A nil auditor disables audit
// logging.
func (l *Lifecycle) SetAuditor(a *security.Auditor) { l.auditor = a }

// SetMetrics attaches grant and revocation metrics.
func (l *Lifecycle) SetMetrics(m *instrumentation.Metrics) { l.metrics = m }

// IssueCode creates a pending authorization code bound to the given client,
// resource owner, and approved scopes. The returned code is single-use and
// expires after Config.AuthorizationCodeTTL.
func (l *Lifecycle) IssueCode(ctx context.Context, client *storage.Client, userID string, scopeIDs []string, ip string) (string, error) {
	if !client.CodeGrant {
		return "", NewTokenError(ErrorCodeUnauthorizedClient, "Client is not allowed the authorization code flow")
	}
	code := l.newValue()
	err := l.tx.InTransaction(ctx, func(r storage.Repositories) error {
		id, err := r.Tokens.CreateCode(ctx, client.ID, userID, code)
		if err != nil {
			return err
		}
		return r.Tokens.BindScopeIDs(ctx, id, scopeIDs)
	})
	if err != nil {
		return "", fmt.Errorf("creating authorization code: %w", err)
	}

	if l.auditor != nil {
		l.auditor.LogCodeIssued(userID, client.ID, ip, joinScope(scopeIDs))
	}
	if l.metrics != nil {
		l.metrics.RecordCodeIssued(ctx, client.ID)
	}
	l.logger.Info("Authorization code issued", "client_id", client.ID)
	return code, nil
}

// RedeemCode exchanges an authorization code for an access token and refresh
// token. The exchange is atomic: of any set of concurrent redemptions of the
// same code, exactly one receives a grant. A replayed code disables the row
// it already produced, cutting off tokens minted from the stolen code.
func (l *Lifecycle) RedeemCode(ctx context.Context, client *storage.Client, code, redirectURI, ip string) (*Grant, error) {
	if !client.CodeGrant {
		l.recordGrant(ctx, GrantTypeAuthorizationCode, "denied")
		return nil, NewTokenError(ErrorCodeUnauthorizedClient, "Client is not allowed the authorization code flow")
	}
	if code == "" {
		return nil, NewTokenError(ErrorCodeInvalidRequest, "Missing code parameter")
	}
	if redirectURI != "" && !slices.Contains(client.RedirectURIs, redirectURI) {
		l.recordGrant(ctx, GrantTypeAuthorizationCode, "denied")
		return nil, NewTokenError(ErrorCodeInvalidGrant, "Redirect URI does not match a registered URI")
	}

	token, err := l.repos.Tokens.ReadByCode(ctx, code, l.config.CodeTTL())
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			l.recordGrant(ctx, GrantTypeAuthorizationCode, "denied")
			return nil, NewTokenError(ErrorCodeInvalidGrant, "Authorization code is invalid or expired")
		}
		return nil, fmt.Errorf("reading authorization code: %w", err)
	}
	if token.ClientID != client.ID {
		l.recordGrant(ctx, GrantTypeAuthorizationCode, "denied")
		return nil, NewTokenError(ErrorCodeInvalidGrant, "Authorization code was issued to another client")
	}

	value := l.newValue()
	refresh := l.newValue()
	err = l.repos.Tokens.AssignValuesToCode(ctx, code, value, l.config.TokenType, l.config.CodeTTL(), refresh)
	if err != nil {
		if errors.Is(err, storage.ErrCodeAlreadyRedeemed) {
			l.handleCodeReplay(ctx, token, client, ip)
			return nil, NewTokenError(ErrorCodeInvalidGrant, "Authorization code is invalid or expired")
		}
		if errors.Is(err, storage.ErrTokenNotFound) {
			l.recordGrant(ctx, GrantTypeAuthorizationCode, "denied")
			return nil, NewTokenError(ErrorCodeInvalidGrant, "Authorization code is invalid or expired")
		}
		return nil, fmt.Errorf("redeeming authorization code: %w", err)
	}

	scopeIDs, err := l.repos.Tokens.ReadScopeIDs(ctx, token.ID)
	if err != nil {
		return nil, fmt.Errorf("reading token scopes: %w", err)
	}

	if l.auditor != nil {
		l.auditor.LogCodeRedeemed(token.UserID, client.ID, ip)
	}
	if l.metrics != nil {
		l.metrics.RecordCodeRedeemed(ctx, client.ID)
	}
	l.recordGrant(ctx, GrantTypeAuthorizationCode, "issued")
	l.logger.Info("Authorization code redeemed", "client_id", client.ID)

	return l.grant(client.ID, token.UserID, value, refresh, scopeIDs), nil
}

// handleCodeReplay disables the token minted from the replayed code. The
// second presentation of a code is the canonical sign the code leaked.
func (l *Lifecycle) handleCodeReplay(ctx context.Context, token *storage.Token, client *storage.Client, ip string) {
	if err := l.repos.Tokens.Disable(ctx, token.ID); err != nil {
		l.logger.Error("Failed to disable token after code replay", "token_id", token.ID, "error", err)
	}
	if l.auditor != nil {
		l.auditor.LogCodeReplay(client.ID, ip)
	}
	if l.metrics != nil {
		l.metrics.RecordCodeReplayDetected(ctx)
	}
	l.recordGrant(ctx, GrantTypeAuthorizationCode, "denied")
	l.logger.Warn("Authorization code replay detected", "client_id", client.ID)
}

// PasswordGrant exchanges resource-owner credentials for an access token and
// refresh token.
func (l *Lifecycle) PasswordGrant(ctx context.Context, client *storage.Client, username, password, scope, ip string) (*Grant, error) {
	if !client.PasswordGrant {
		l.recordGrant(ctx, GrantTypePassword, "denied")
		return nil, NewTokenError(ErrorCodeUnauthorizedClient, "Client is not allowed the password grant")
	}
	if l.users == nil {
		return nil, NewTokenError(ErrorCodeUnsupportedGrantType, "Password grant is not configured")
	}
	if username == "" || password == "" {
		return nil, NewTokenError(ErrorCodeInvalidRequest, "Missing username or password parameter")
	}

	userID, err := l.users.AuthenticateUser(ctx, username, password)
	if err != nil {
		if l.auditor != nil {
			l.auditor.LogAuthFailure(username, client.ID, ip, "password verification failed")
		}
		l.recordGrant(ctx, GrantTypePassword, "denied")
		return nil, NewTokenError(ErrorCodeInvalidGrant, "Resource owner credentials are invalid")
	}

	scopeIDs, err := ResolveScopes(client, splitScope(scope))
	if err != nil {
		l.recordGrant(ctx, GrantTypePassword, "denied")
		return nil, NewTokenError(ErrorCodeInvalidScope, "")
	}

	grant, err := l.mintToken(ctx, client, userID, scopeIDs, true)
	if err != nil {
		return nil, err
	}
	if l.auditor != nil {
		l.auditor.LogTokenIssued(userID, client.ID, ip, GrantTypePassword, joinScope(scopeIDs))
	}
	l.recordGrant(ctx, GrantTypePassword, "issued")
	return grant, nil
}

// ClientCredentialsGrant issues an access token for the client itself. No
// resource owner is involved and no refresh token is issued.
func (l *Lifecycle) ClientCredentialsGrant(ctx context.Context, client *storage.Client, scope, ip string) (*Grant, error) {
	if !client.ClientCredentialsGrant {
		l.recordGrant(ctx, GrantTypeClientCredentials, "denied")
		return nil, NewTokenError(ErrorCodeUnauthorizedClient, "Client is not allowed the client credentials grant")
	}
	if !client.Confidential {
		l.recordGrant(ctx, GrantTypeClientCredentials, "denied")
		return nil, NewTokenError(ErrorCodeUnauthorizedClient, "Client credentials grant requires a confidential client")
	}

	// No resource owner consents here, so the excess-scope escape hatch
	// does not apply: the request must stay inside the client's own list.
	own := *client
	own.AllowScopeExcess = false
	scopeIDs, err := ResolveScopes(&own, splitScope(scope))
	if err != nil {
		l.recordGrant(ctx, GrantTypeClientCredentials, "denied")
		return nil, NewTokenError(ErrorCodeInvalidScope, "")
	}

	grant, err := l.mintToken(ctx, client, "", scopeIDs, false)
	if err != nil {
		return nil, err
	}
	if l.auditor != nil {
		l.auditor.LogTokenIssued("", client.ID, ip, GrantTypeClientCredentials, joinScope(scopeIDs))
	}
	l.recordGrant(ctx, GrantTypeClientCredentials, "issued")
	return grant, nil
}

// Refresh rotates an access token against its refresh token. The rotation is
// optimistic: presenting a refresh value that was already rotated away is
// treated as reuse, disables the row, and fails with invalid_grant. scope, if
// non-empty, may only narrow the original grant.
func (l *Lifecycle) Refresh(ctx context.Context, client *storage.Client, refreshValue, scope, ip string) (*Grant, error) {
	if refreshValue == "" {
		return nil, NewTokenError(ErrorCodeInvalidRequest, "Missing refresh_token parameter")
	}

	token, err := l.repos.Tokens.ReadByRefresh(ctx, refreshValue, l.config.RefreshTTL())
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			l.recordGrant(ctx, GrantTypeRefreshToken, "denied")
			return nil, NewTokenError(ErrorCodeInvalidGrant, "Refresh token is invalid or expired")
		}
		return nil, fmt.Errorf("reading refresh token: %w", err)
	}
	if token.ClientID != client.ID {
		l.recordGrant(ctx, GrantTypeRefreshToken, "denied")
		return nil, NewTokenError(ErrorCodeInvalidGrant, "Refresh token was issued to another client")
	}

	currentScopes, err := l.repos.Tokens.ReadScopeIDs(ctx, token.ID)
	if err != nil {
		return nil, fmt.Errorf("reading token scopes: %w", err)
	}
	scopeIDs, err := narrowScopes(currentScopes, splitScope(scope))
	if err != nil {
		l.recordGrant(ctx, GrantTypeRefreshToken, "denied")
		return nil, NewTokenError(ErrorCodeInvalidScope, "Requested scope exceeds the original grant")
	}

	value := l.newValue()
	refresh := l.newValue()
	narrowed := len(scopeIDs) != len(currentScopes)
	err = l.tx.InTransaction(ctx, func(r storage.Repositories) error {
		if err := r.Tokens.UpdateValues(ctx, token.ID, refreshValue, value, refresh); err != nil {
			return err
		}
		if !narrowed {
			return nil
		}
		if err := r.Tokens.UnbindScopes(ctx, token.ID); err != nil {
			return err
		}
		return r.Tokens.BindScopeIDs(ctx, token.ID, scopeIDs)
	})
	if err != nil {
		if errors.Is(err, storage.ErrStaleRefresh) {
			l.handleRefreshReuse(ctx, token, client, ip)
			return nil, NewTokenError(ErrorCodeInvalidGrant, "Refresh token is invalid or expired")
		}
		return nil, fmt.Errorf("rotating token values: %w", err)
	}

	if l.auditor != nil {
		l.auditor.LogTokenRefreshed(token.UserID, client.ID, ip)
	}
	if l.metrics != nil {
		l.metrics.RecordTokenRefresh(ctx, client.ID)
	}
	l.recordGrant(ctx, GrantTypeRefreshToken, "issued")
	l.logger.Info("Token refreshed", "client_id", client.ID)

	return l.grant(client.ID, token.UserID, value, refresh, scopeIDs), nil
}

// handleRefreshReuse disables the row whose rotation the caller lost. A
// stale refresh value means two parties hold the same token family, so the
// family dies.
func (l *Lifecycle) handleRefreshReuse(ctx context.Context, token *storage.Token, client *storage.Client, ip string) {
	if err := l.repos.Tokens.Disable(ctx, token.ID); err != nil {
		l.logger.Error("Failed to disable token after refresh reuse", "token_id", token.ID, "error", err)
	}
	if l.auditor != nil {
		l.auditor.LogRefreshReuse(client.ID, ip)
	}
	if l.metrics != nil {
		l.metrics.RecordRefreshReuseDetected(ctx)
	}
	l.recordGrant(ctx, GrantTypeRefreshToken, "denied")
	l.logger.Warn("Refresh token reuse detected", "client_id", client.ID)
}

// Revoke disables the token carrying the given access or refresh value on
// behalf of the client that owns it. Unknown values succeed silently so the
// endpoint leaks nothing about token existence.
func (l *Lifecycle) Revoke(ctx context.Context, client *storage.Client, value, ip string) error {
	if value == "" {
		return NewTokenError(ErrorCodeInvalidRequest, "Missing token parameter")
	}

	token, err := l.repos.Tokens.ReadByValue(ctx, value, l.config.AccessTTL())
	if errors.Is(err, storage.ErrTokenNotFound) {
		token, err = l.repos.Tokens.ReadByRefresh(ctx, value, l.config.RefreshTTL())
	}
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil
		}
		return fmt.Errorf("reading token for revocation: %w", err)
	}
	if token.ClientID != client.ID {
		return nil
	}

	if err := l.repos.Tokens.Disable(ctx, token.ID); err != nil {
		return fmt.Errorf("disabling token: %w", err)
	}

	if l.auditor != nil {
		l.auditor.LogTokenRevoked(token.UserID, client.ID, ip)
	}
	if l.metrics != nil {
		l.metrics.RecordTokenRevocation(ctx, client.ID)
	}
	l.logger.Info("Token revoked", "client_id", client.ID)
	return nil
}

// mintToken creates a full token row with its scope bindings in one
// transaction.
func (l *Lifecycle) mintToken(ctx context.Context, client *storage.Client, userID string, scopeIDs []string, withRefresh bool) (*Grant, error) {
	value := l.newValue()
	refresh := ""
	if withRefresh {
		refresh = l.newValue()
	}
	err := l.tx.InTransaction(ctx, func(r storage.Repositories) error {
		id, err := r.Tokens.CreateToken(ctx, client.ID, userID, value, l.config.TokenType, refresh)
		if err != nil {
			return err
		}
		return r.Tokens.BindScopeIDs(ctx, id, scopeIDs)
	})
	if err != nil {
		return nil, fmt.Errorf("creating token: %w", err)
	}
	l.logger.Info("Token issued", "client_id", client.ID, "has_user", userID != "")
	return l.grant(client.ID, userID, value, refresh, scopeIDs), nil
}

func (l *Lifecycle) grant(clientID, userID, value, refresh string, scopeIDs []string) *Grant {
	return &Grant{
		AccessToken:  value,
		TokenType:    l.config.TokenType,
		ExpiresIn:    int64(l.config.AccessTTL() / time.Second),
		RefreshToken: refresh,
		ScopeIDs:     scopeIDs,
		ClientID:     clientID,
		UserID:       userID,
	}
}

func (l *Lifecycle) recordGrant(ctx context.Context, grantType, result string) {
	if l.metrics != nil {
		l.metrics.RecordGrant(ctx, grantType, result)
	}
}

func joinScope(scopeIDs []string) string {
	return (&Grant{ScopeIDs: scopeIDs}).Scope()
}
