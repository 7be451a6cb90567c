package passport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/passportd/passport/security"
	"github.com/passportd/passport/storage"
)

// UserDirectory resolves resource-owner identities for authenticated
// requests. Implementations typically read the host application's user
// table (see storage/sqlite.UserDirectory) and return
// storage.ErrUserNotFound for identifiers with no record.
type UserDirectory interface {
	Lookup(ctx context.Context, userID string) (*storage.UserRecord, error)
}

// Account is the identity behind a valid access token: always a client,
// sometimes a resource owner, plus the granted scopes.
type Account struct {
	clientID  string
	userID    string
	user      *storage.UserRecord
	scopeIDs  []string
	createdAt time.Time
	lifetime  time.Duration
}

// HasClientIdentity reports whether a client stands behind the token. True
// for every token minted through a grant.
func (a *Account) HasClientIdentity() bool { return a.clientID != "" }

// ClientID returns the identifier of the client that holds the token.
func (a *Account) ClientID() string { return a.clientID }

// HasUserIdentity reports whether a resource owner stands behind the token.
// Client-credentials tokens have none.
func (a *Account) HasUserIdentity() bool { return a.userID != "" }

// UserID returns the resource owner's identifier, or empty for
// client-credentials tokens.
func (a *Account) UserID() string { return a.userID }

// UserIdentity returns the resolved user record when a UserDirectory was
// configured; otherwise nil even for user-bound tokens.
func (a *Account) UserIdentity() *storage.UserRecord { return a.user }

// ScopeIDs returns the scopes granted to the token.
func (a *Account) ScopeIDs() []string { return slices.Clone(a.scopeIDs) }

// HasScope reports whether the token was granted the given scope.
func (a *Account) HasScope(scopeID string) bool {
	return slices.Contains(a.scopeIDs, scopeID)
}

// ExpiresIn returns the whole seconds of validity left on the token, clamped
// at zero.
func (a *Account) ExpiresIn() int64 {
	return security.ExpiresIn(a.createdAt, a.lifetime, time.Now())
}

// AccountResolver turns bearer token values into Accounts.
type AccountResolver struct {
	tokens storage.TokenRepository
	users  UserDirectory
	config *Config
}

// NewAccountResolver creates a resolver. users may be nil when the caller
// only needs identifiers, not full user records.
func NewAccountResolver(tokens storage.TokenRepository, users UserDirectory, config *Config) *AccountResolver {
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()
	return &AccountResolver{tokens: tokens, users: users, config: config}
}

// Resolve validates the bearer value and returns the account behind it.
// Expired, disabled, and unknown values all fail identically with
// invalid_token.
func (r *AccountResolver) Resolve(ctx context.Context, value string) (*Account, error) {
	if value == "" {
		return nil, NewTokenError(ErrorCodeInvalidToken, "")
	}

	token, err := r.tokens.ReadByValue(ctx, value, r.config.AccessTTL())
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, NewTokenError(ErrorCodeInvalidToken, "")
		}
		return nil, fmt.Errorf("reading token: %w", err)
	}

	scopeIDs, err := r.tokens.ReadScopeIDs(ctx, token.ID)
	if err != nil {
		return nil, fmt.Errorf("reading token scopes: %w", err)
	}

	account := &Account{
		clientID:  token.ClientID,
		userID:    token.UserID,
		scopeIDs:  scopeIDs,
		createdAt: token.ValueCreatedAt,
		lifetime:  r.config.AccessTTL(),
	}
	if r.users != nil && token.HasUser() {
		user, err := r.users.Lookup(ctx, token.UserID)
		switch {
		case err == nil:
			account.user = user
		case errors.Is(err, storage.ErrUserNotFound):
			// Stale user reference; the token itself stays valid.
		default:
			return nil, fmt.Errorf("looking up user %q: %w", token.UserID, err)
		}
	}
	return account, nil
}
