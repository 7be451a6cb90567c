package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by repository implementations. Callers compare with
// errors.Is; implementations may wrap these with additional context.
var (
	// ErrClientNotFound indicates no client exists with the given identifier.
	ErrClientNotFound = errors.New("client not found")

	// ErrScopeNotFound indicates no scope exists with the given identifier.
	ErrScopeNotFound = errors.New("scope not found")

	// ErrTokenNotFound indicates the token row does not exist, is disabled,
	// or its validity window has elapsed. Implementations MUST NOT
	// distinguish these cases to the caller.
	ErrTokenNotFound = errors.New("token not found")

	// ErrCodeAlreadyRedeemed indicates an authorization code that already has
	// token values assigned. Returned by AssignValuesToCode when a concurrent
	// (or repeated) redemption loses the conditional write.
	ErrCodeAlreadyRedeemed = errors.New("authorization code already redeemed")

	// ErrStaleRefresh indicates UpdateValues lost its optimistic check: the
	// row's refresh value no longer matches the one the caller read, meaning
	// another rotation won the race.
	ErrStaleRefresh = errors.New("refresh value is stale")

	// ErrUserNotFound indicates a user directory lookup matched no record.
	// Directory implementations return it so callers can tell a stale user
	// reference apart from an infrastructure failure.
	ErrUserNotFound = errors.New("user not found")
)

// Client represents a registered OAuth client.
//
// A confidential client holds a verifiable secret (bcrypt hash); public
// clients do not. The four grant flags gate which token-endpoint and
// authorization-endpoint flows the client may use.
type Client struct {
	ID           string
	Name         string
	Confidential bool
	SecretHash   string // bcrypt hash; empty for public clients

	// RedirectURIs are literal, exact-match callback URIs. No wildcards.
	RedirectURIs []string

	// ScopeIDs are the client's allowed (and default) scope identifiers.
	ScopeIDs []string

	// UseDefaultScopesOnEmpty grants the client's full scope list when a
	// request carries no scope parameter.
	UseDefaultScopesOnEmpty bool

	// AllowScopeExcess lets a request carry scopes outside the client's list;
	// the resource owner's approval decides the final grant.
	AllowScopeExcess bool

	CodeGrant              bool
	ImplicitGrant          bool
	PasswordGrant          bool
	ClientCredentialsGrant bool

	CreatedAt time.Time
}

// HasCredentials reports whether the client holds a verifiable secret.
// Confidential clients must.
func (c *Client) HasCredentials() bool {
	return c.SecretHash != ""
}

// Validate checks the client invariants that hold regardless of storage
// backend.
func (c *Client) Validate() error {
	if c.ID == "" {
		return errors.New("client ID is required")
	}
	if c.Confidential && !c.HasCredentials() {
		return errors.New("confidential client must have credentials")
	}
	return nil
}

// Scope is a named permission unit. Everything else references scopes by
// identifier, never by object identity, to keep repositories storage-agnostic.
type Scope struct {
	ID          string
	Description string
}

// RedirectURI is a pre-registered callback for exactly one client.
type RedirectURI struct {
	ClientID string
	URI      string
}

// Token is one row of the token table. A row starts life either as a
// code-only row (authorization-code flow, Value empty) or as a full token row
// (password, client-credentials, implicit, or code exchange). Validity is
// always evaluated at read time against ValueCreatedAt; it is never cached.
type Token struct {
	ID           int64
	ClientID     string
	UserID       string // empty for client-credentials tokens
	Type         string // e.g. "Bearer"
	Value        string // opaque access-token secret; empty while code is pending
	RefreshValue string // optional
	Code         string // optional authorization-code value
	ScopeIDs     []string

	// ValueCreatedAt anchors the validity window: the row is live while
	// now - ValueCreatedAt <= expiration.
	ValueCreatedAt time.Time

	Disabled bool
}

// HasUser reports whether the token belongs to a resource owner.
func (t *Token) HasUser() bool { return t.UserID != "" }

// Pending reports whether the row is a code awaiting redemption.
func (t *Token) Pending() bool { return t.Code != "" && t.Value == "" }

// Repositories bundles the per-entity repositories for transactional units of
// work. Inside InTransaction all repositories operate on the same transaction.
type Repositories struct {
	Clients ClientRepository
	Scopes  ScopeRepository
	Tokens  TokenRepository
}

// Transactor executes a unit of work atomically. Any error returned by fn
// (or panic raised inside it) rolls back every write performed through the
// Repositories handed to fn; a nil return commits them.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(r Repositories) error) error
}

// ClientRepository manages registered OAuth clients and their scope and
// redirect-URI bindings.
type ClientRepository interface {
	// Index lists all clients, ordered by identifier.
	Index(ctx context.Context) ([]*Client, error)

	// Create persists a new client. Scope and redirect bindings travel with
	// the entity.
	Create(ctx context.Context, client *Client) error

	// Read returns the client with the given identifier, hydrated with its
	// scope and redirect-URI bindings, or ErrClientNotFound.
	Read(ctx context.Context, id string) (*Client, error)

	// Update rewrites the client's own columns; bindings are managed through
	// the Bind/Unbind methods.
	Update(ctx context.Context, client *Client) error

	// Delete removes the client and its bindings.
	Delete(ctx context.Context, id string) error

	// BindScopeIDs attaches scope identifiers to the client.
	BindScopeIDs(ctx context.Context, id string, scopeIDs []string) error

	// UnbindScopes detaches all scope bindings from the client.
	UnbindScopes(ctx context.Context, id string) error

	// ReadScopeIDs returns the client's bound scope identifiers.
	ReadScopeIDs(ctx context.Context, id string) ([]string, error)

	// ReadRedirectURIs returns the client's registered redirect URI strings.
	ReadRedirectURIs(ctx context.Context, id string) ([]string, error)
}

// ScopeRepository manages the scope catalog.
type ScopeRepository interface {
	Index(ctx context.Context) ([]*Scope, error)
	Create(ctx context.Context, scope *Scope) error
	Read(ctx context.Context, id string) (*Scope, error)
	Update(ctx context.Context, scope *Scope) error
	Delete(ctx context.Context, id string) error
}

// TokenRepository manages authorization codes and tokens.
//
// Every ReadBy* method evaluates the expiration window inside the store (in
// SQL, as a WHERE clause over the store's clock) so that results are
// consistent under concurrent reads and the server clock is the single source
// of truth. Expired, disabled, and missing rows are all ErrTokenNotFound.
type TokenRepository interface {
	// CreateCode inserts a pending code-only row and returns its identifier.
	CreateCode(ctx context.Context, clientID, userID, code string) (int64, error)

	// AssignValuesToCode attaches token values to a pending code row.
	//
	// The write is an atomic conditional update: it succeeds only if the row
	// still has no token value and its code is within the expiration window.
	// A row that was already redeemed yields ErrCodeAlreadyRedeemed; a
	// missing or expired code yields ErrTokenNotFound. Exactly one of any
	// set of concurrent redeemers of the same code succeeds.
	AssignValuesToCode(ctx context.Context, code, value, tokenType string, expiration time.Duration, refreshValue string) error

	// CreateToken inserts a full token row (no code) and returns its
	// identifier. userID is empty for client-credentials tokens.
	CreateToken(ctx context.Context, clientID, userID, value, tokenType, refreshValue string) (int64, error)

	// BindScopeIDs attaches scope identifiers to the token row.
	BindScopeIDs(ctx context.Context, id int64, scopeIDs []string) error

	// UnbindScopes detaches all scope bindings from the token row.
	UnbindScopes(ctx context.Context, id int64) error

	// ReadScopeIDs returns the token row's bound scope identifiers.
	ReadScopeIDs(ctx context.Context, id int64) ([]string, error)

	// Read returns the row by identifier regardless of validity window, or
	// ErrTokenNotFound. Intended for administrative and audit paths.
	Read(ctx context.Context, id int64) (*Token, error)

	// ReadByCode returns the row holding the given pending or redeemed code,
	// provided the code is within the expiration window.
	ReadByCode(ctx context.Context, code string, expiration time.Duration) (*Token, error)

	// ReadByValue returns the row holding the given access-token value,
	// provided it is enabled and within the expiration window.
	ReadByValue(ctx context.Context, value string, expiration time.Duration) (*Token, error)

	// ReadByRefresh returns the row holding the given refresh value,
	// provided it is enabled and within the expiration window.
	ReadByRefresh(ctx context.Context, refreshValue string, expiration time.Duration) (*Token, error)

	// UpdateValues rotates the row's token and refresh values, resetting the
	// validity window and preserving identifier and scope bindings.
	//
	// prevRefresh is the refresh value the caller read; the write succeeds
	// only while the row still carries it (optimistic check), so exactly one
	// of any set of concurrent rotations wins. The loser gets
	// ErrStaleRefresh, which callers surface the same as a missing token.
	UpdateValues(ctx context.Context, id int64, prevRefresh, newValue, newRefresh string) error

	// Delete hard-removes the row and its scope bindings.
	Delete(ctx context.Context, id int64) error

	// Disable soft-revokes the row, keeping it for the audit trail. Disabled
	// rows are invisible to every ReadBy* method.
	Disable(ctx context.Context, id int64) error
}
