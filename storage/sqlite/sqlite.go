package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/passportd/passport/storage"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS clients (
	id                       TEXT PRIMARY KEY,
	name                     TEXT NOT NULL,
	confidential             INTEGER NOT NULL DEFAULT 0,
	secret_hash              TEXT NOT NULL DEFAULT '',
	use_default_scopes       INTEGER NOT NULL DEFAULT 0,
	allow_scope_excess       INTEGER NOT NULL DEFAULT 0,
	code_grant               INTEGER NOT NULL DEFAULT 0,
	implicit_grant           INTEGER NOT NULL DEFAULT 0,
	password_grant           INTEGER NOT NULL DEFAULT 0,
	client_credentials_grant INTEGER NOT NULL DEFAULT 0,
	created_at               INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS client_scopes (
	client_id TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
	scope_id  TEXT NOT NULL,
	PRIMARY KEY (client_id, scope_id)
);

CREATE TABLE IF NOT EXISTS client_redirect_uris (
	client_id TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
	uri       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scopes (
	id          TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tokens (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	client_id        TEXT NOT NULL,
	user_id          TEXT NOT NULL DEFAULT '',
	token_type       TEXT NOT NULL DEFAULT '',
	token_value      TEXT NOT NULL DEFAULT '',
	refresh_value    TEXT NOT NULL DEFAULT '',
	code             TEXT NOT NULL DEFAULT '',
	value_created_at INTEGER NOT NULL,
	disabled         INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tokens_code ON tokens(code) WHERE code != '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_tokens_value ON tokens(token_value) WHERE token_value != '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_tokens_refresh ON tokens(refresh_value) WHERE refresh_value != '';

CREATE TABLE IF NOT EXISTS token_scopes (
	token_id INTEGER NOT NULL REFERENCES tokens(id) ON DELETE CASCADE,
	scope_id TEXT NOT NULL,
	PRIMARY KEY (token_id, scope_id)
);

CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	email         TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL DEFAULT ''
);
`

// querier is satisfied by both *sqlx.DB and *sqlx.Tx, so the repository views
// run unchanged inside and outside transactions.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Store is a SQLite-backed implementation of all repository contracts.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ storage.Transactor       = (*Store)(nil)
	_ storage.ClientRepository = clientView{}
	_ storage.ScopeRepository  = scopeView{}
	_ storage.TokenRepository  = tokenView{}
)

// Open connects to the SQLite database at dsn, applies the schema, and
// returns a ready Store. Use ":memory:" for an ephemeral database.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to sqlite: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent grants and keeps :memory: databases
	// from silently forking per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, logger: slog.Default(), now: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) { s.logger = logger }

// SetClock replaces the store's time source. Intended for tests that need
// deterministic behavior at the expiration boundary.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Clients returns the store's ClientRepository view.
func (s *Store) Clients() storage.ClientRepository { return clientView{q: s.db, s: s} }

// Scopes returns the store's ScopeRepository view.
func (s *Store) Scopes() storage.ScopeRepository { return scopeView{q: s.db} }

// Tokens returns the store's TokenRepository view.
func (s *Store) Tokens() storage.TokenRepository { return tokenView{q: s.db, s: s} }

// Repositories bundles the three non-transactional views.
func (s *Store) Repositories() storage.Repositories {
	return storage.Repositories{Clients: s.Clients(), Scopes: s.Scopes(), Tokens: s.Tokens()}
}

// InTransaction runs fn inside a single database transaction, committing on
// nil and rolling back otherwise.
func (s *Store) InTransaction(ctx context.Context, fn func(r storage.Repositories) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	repos := storage.Repositories{
		Clients: clientView{q: tx, s: s},
		Scopes:  scopeView{q: tx},
		Tokens:  tokenView{q: tx, s: s},
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(repos); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Transaction rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// cutoff returns the oldest value_created_at (unix seconds) still inside the
// validity window. The comparison is inclusive on the boundary.
func (s *Store) cutoff(expiration time.Duration) int64 {
	return s.now().Add(-expiration).Unix()
}

// ============================================================
// ClientRepository view
// ============================================================

type clientRow struct {
	ID                     string `db:"id"`
	Name                   string `db:"name"`
	Confidential           bool   `db:"confidential"`
	SecretHash             string `db:"secret_hash"`
	UseDefaultScopes       bool   `db:"use_default_scopes"`
	AllowScopeExcess       bool   `db:"allow_scope_excess"`
	CodeGrant              bool   `db:"code_grant"`
	ImplicitGrant          bool   `db:"implicit_grant"`
	PasswordGrant          bool   `db:"password_grant"`
	ClientCredentialsGrant bool   `db:"client_credentials_grant"`
	CreatedAt              int64  `db:"created_at"`
}

func (r clientRow) toClient() *storage.Client {
	return &storage.Client{
		ID:                      r.ID,
		Name:                    r.Name,
		Confidential:            r.Confidential,
		SecretHash:              r.SecretHash,
		UseDefaultScopesOnEmpty: r.UseDefaultScopes,
		AllowScopeExcess:        r.AllowScopeExcess,
		CodeGrant:               r.CodeGrant,
		ImplicitGrant:           r.ImplicitGrant,
		PasswordGrant:           r.PasswordGrant,
		ClientCredentialsGrant:  r.ClientCredentialsGrant,
		CreatedAt:               time.Unix(r.CreatedAt, 0).UTC(),
	}
}

type clientView struct {
	q querier
	s *Store
}

func (v clientView) Index(ctx context.Context) ([]*storage.Client, error) {
	var rows []clientRow
	err := v.q.SelectContext(ctx, &rows, "SELECT * FROM clients ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}

	clients := make([]*storage.Client, 0, len(rows))
	for _, r := range rows {
		c := r.toClient()
		if err := v.fill(ctx, c); err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

func (v clientView) fill(ctx context.Context, c *storage.Client) error {
	if err := v.q.SelectContext(ctx, &c.ScopeIDs,
		"SELECT scope_id FROM client_scopes WHERE client_id = ? ORDER BY scope_id", c.ID); err != nil {
		return fmt.Errorf("reading client scopes: %w", err)
	}
	if err := v.q.SelectContext(ctx, &c.RedirectURIs,
		"SELECT uri FROM client_redirect_uris WHERE client_id = ?", c.ID); err != nil {
		return fmt.Errorf("reading redirect URIs: %w", err)
	}
	return nil
}

func (v clientView) Create(ctx context.Context, client *storage.Client) error {
	if err := client.Validate(); err != nil {
		return err
	}

	createdAt := client.CreatedAt
	if createdAt.IsZero() {
		createdAt = v.s.now()
	}
	_, err := v.q.ExecContext(ctx, `INSERT INTO clients
		(id, name, confidential, secret_hash, use_default_scopes, allow_scope_excess,
		 code_grant, implicit_grant, password_grant, client_credentials_grant, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		client.ID, client.Name, client.Confidential, client.SecretHash,
		client.UseDefaultScopesOnEmpty, client.AllowScopeExcess,
		client.CodeGrant, client.ImplicitGrant, client.PasswordGrant,
		client.ClientCredentialsGrant, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	for _, uri := range client.RedirectURIs {
		if _, err := v.q.ExecContext(ctx,
			"INSERT INTO client_redirect_uris (client_id, uri) VALUES (?, ?)", client.ID, uri); err != nil {
			return fmt.Errorf("creating redirect URI: %w", err)
		}
	}
	if len(client.ScopeIDs) > 0 {
		if err := v.BindScopeIDs(ctx, client.ID, client.ScopeIDs); err != nil {
			return err
		}
	}
	return nil
}

func (v clientView) Read(ctx context.Context, id string) (*storage.Client, error) {
	var row clientRow
	err := v.q.GetContext(ctx, &row, "SELECT * FROM clients WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading client: %w", err)
	}

	c := row.toClient()
	if err := v.fill(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (v clientView) Update(ctx context.Context, client *storage.Client) error {
	if err := client.Validate(); err != nil {
		return err
	}

	res, err := v.q.ExecContext(ctx, `UPDATE clients SET
		name = ?, confidential = ?, secret_hash = ?, use_default_scopes = ?,
		allow_scope_excess = ?, code_grant = ?, implicit_grant = ?,
		password_grant = ?, client_credentials_grant = ?
		WHERE id = ?`,
		client.Name, client.Confidential, client.SecretHash,
		client.UseDefaultScopesOnEmpty, client.AllowScopeExcess,
		client.CodeGrant, client.ImplicitGrant, client.PasswordGrant,
		client.ClientCredentialsGrant, client.ID)
	if err != nil {
		return fmt.Errorf("updating client: %w", err)
	}
	return requireAffected(res, fmt.Errorf("%w: %s", storage.ErrClientNotFound, client.ID))
}

func (v clientView) Delete(ctx context.Context, id string) error {
	res, err := v.q.ExecContext(ctx, "DELETE FROM clients WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting client: %w", err)
	}
	return requireAffected(res, fmt.Errorf("%w: %s", storage.ErrClientNotFound, id))
}

func (v clientView) BindScopeIDs(ctx context.Context, id string, scopeIDs []string) error {
	if err := v.exists(ctx, id); err != nil {
		return err
	}
	for _, scopeID := range scopeIDs {
		if _, err := v.q.ExecContext(ctx,
			"INSERT OR IGNORE INTO client_scopes (client_id, scope_id) VALUES (?, ?)", id, scopeID); err != nil {
			return fmt.Errorf("binding client scope: %w", err)
		}
	}
	return nil
}

func (v clientView) UnbindScopes(ctx context.Context, id string) error {
	if err := v.exists(ctx, id); err != nil {
		return err
	}
	if _, err := v.q.ExecContext(ctx, "DELETE FROM client_scopes WHERE client_id = ?", id); err != nil {
		return fmt.Errorf("unbinding client scopes: %w", err)
	}
	return nil
}

func (v clientView) ReadScopeIDs(ctx context.Context, id string) ([]string, error) {
	if err := v.exists(ctx, id); err != nil {
		return nil, err
	}
	var ids []string
	if err := v.q.SelectContext(ctx, &ids,
		"SELECT scope_id FROM client_scopes WHERE client_id = ? ORDER BY scope_id", id); err != nil {
		return nil, fmt.Errorf("reading client scopes: %w", err)
	}
	return ids, nil
}

func (v clientView) ReadRedirectURIs(ctx context.Context, id string) ([]string, error) {
	if err := v.exists(ctx, id); err != nil {
		return nil, err
	}
	var uris []string
	if err := v.q.SelectContext(ctx, &uris,
		"SELECT uri FROM client_redirect_uris WHERE client_id = ?", id); err != nil {
		return nil, fmt.Errorf("reading redirect URIs: %w", err)
	}
	return uris, nil
}

func (v clientView) exists(ctx context.Context, id string) error {
	var n int
	if err := v.q.GetContext(ctx, &n, "SELECT COUNT(1) FROM clients WHERE id = ?", id); err != nil {
		return fmt.Errorf("checking client: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, id)
	}
	return nil
}

// ============================================================
// ScopeRepository view
// ============================================================

type scopeView struct {
	q querier
}

func (v scopeView) Index(ctx context.Context) ([]*storage.Scope, error) {
	var scopes []*storage.Scope
	err := v.q.SelectContext(ctx, &scopes, "SELECT id, description FROM scopes ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing scopes: %w", err)
	}
	return scopes, nil
}

func (v scopeView) Create(ctx context.Context, scope *storage.Scope) error {
	if scope.ID == "" {
		return fmt.Errorf("scope ID is required")
	}
	_, err := v.q.ExecContext(ctx,
		"INSERT INTO scopes (id, description) VALUES (?, ?)", scope.ID, scope.Description)
	if err != nil {
		return fmt.Errorf("creating scope: %w", err)
	}
	return nil
}

func (v scopeView) Read(ctx context.Context, id string) (*storage.Scope, error) {
	var scope storage.Scope
	err := v.q.GetContext(ctx, &scope, "SELECT id, description FROM scopes WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrScopeNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading scope: %w", err)
	}
	return &scope, nil
}

func (v scopeView) Update(ctx context.Context, scope *storage.Scope) error {
	res, err := v.q.ExecContext(ctx,
		"UPDATE scopes SET description = ? WHERE id = ?", scope.Description, scope.ID)
	if err != nil {
		return fmt.Errorf("updating scope: %w", err)
	}
	return requireAffected(res, fmt.Errorf("%w: %s", storage.ErrScopeNotFound, scope.ID))
}

func (v scopeView) Delete(ctx context.Context, id string) error {
	res, err := v.q.ExecContext(ctx, "DELETE FROM scopes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting scope: %w", err)
	}
	return requireAffected(res, fmt.Errorf("%w: %s", storage.ErrScopeNotFound, id))
}

// ============================================================
// TokenRepository view
// ============================================================

type tokenRow struct {
	ID             int64  `db:"id"`
	ClientID       string `db:"client_id"`
	UserID         string `db:"user_id"`
	Type           string `db:"token_type"`
	Value          string `db:"token_value"`
	RefreshValue   string `db:"refresh_value"`
	Code           string `db:"code"`
	ValueCreatedAt int64  `db:"value_created_at"`
	Disabled       bool   `db:"disabled"`
}

func (r tokenRow) toToken() *storage.Token {
	return &storage.Token{
		ID:             r.ID,
		ClientID:       r.ClientID,
		UserID:         r.UserID,
		Type:           r.Type,
		Value:          r.Value,
		RefreshValue:   r.RefreshValue,
		Code:           r.Code,
		ValueCreatedAt: time.Unix(r.ValueCreatedAt, 0).UTC(),
		Disabled:       r.Disabled,
	}
}

type tokenView struct {
	q querier
	s *Store
}

func (v tokenView) CreateCode(ctx context.Context, clientID, userID, code string) (int64, error) {
	if code == "" {
		return 0, fmt.Errorf("code cannot be empty")
	}
	res, err := v.q.ExecContext(ctx, `INSERT INTO tokens
		(client_id, user_id, code, value_created_at) VALUES (?, ?, ?, ?)`,
		clientID, userID, code, v.s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("creating authorization code: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading inserted ID: %w", err)
	}
	v.s.logger.Debug("Created authorization code row", "token_id", id, "client_id", clientID)
	return id, nil
}

// AssignValuesToCode attaches token values to a pending code row. The
// conditional UPDATE admits exactly one winner; whether the row was already
// redeemed or never existed is distinguished afterwards, outside the write.
func (v tokenView) AssignValuesToCode(ctx context.Context, code, value, tokenType string, expiration time.Duration, refreshValue string) error {
	now := v.s.now().Unix()
	res, err := v.q.ExecContext(ctx, `UPDATE tokens
		SET token_value = ?, token_type = ?, refresh_value = ?, value_created_at = ?
		WHERE code = ? AND token_value = '' AND disabled = 0 AND value_created_at >= ?`,
		value, tokenType, refreshValue, now, code, v.s.cutoff(expiration))
	if err != nil {
		return fmt.Errorf("assigning token values: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var redeemed int
	err = v.q.GetContext(ctx, &redeemed,
		"SELECT COUNT(1) FROM tokens WHERE code = ? AND token_value != ''", code)
	if err != nil {
		return fmt.Errorf("checking code state: %w", err)
	}
	if redeemed > 0 {
		return storage.ErrCodeAlreadyRedeemed
	}
	return fmt.Errorf("%w: unknown or expired code", storage.ErrTokenNotFound)
}

func (v tokenView) CreateToken(ctx context.Context, clientID, userID, value, tokenType, refreshValue string) (int64, error) {
	if value == "" {
		return 0, fmt.Errorf("token value cannot be empty")
	}
	res, err := v.q.ExecContext(ctx, `INSERT INTO tokens
		(client_id, user_id, token_value, token_type, refresh_value, value_created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		clientID, userID, value, tokenType, refreshValue, v.s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("creating token: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading inserted ID: %w", err)
	}
	v.s.logger.Debug("Created token row", "token_id", id, "client_id", clientID)
	return id, nil
}

func (v tokenView) BindScopeIDs(ctx context.Context, id int64, scopeIDs []string) error {
	if err := v.exists(ctx, id); err != nil {
		return err
	}
	for _, scopeID := range scopeIDs {
		if _, err := v.q.ExecContext(ctx,
			"INSERT OR IGNORE INTO token_scopes (token_id, scope_id) VALUES (?, ?)", id, scopeID); err != nil {
			return fmt.Errorf("binding token scope: %w", err)
		}
	}
	return nil
}

func (v tokenView) UnbindScopes(ctx context.Context, id int64) error {
	if err := v.exists(ctx, id); err != nil {
		return err
	}
	if _, err := v.q.ExecContext(ctx, "DELETE FROM token_scopes WHERE token_id = ?", id); err != nil {
		return fmt.Errorf("unbinding token scopes: %w", err)
	}
	return nil
}

func (v tokenView) ReadScopeIDs(ctx context.Context, id int64) ([]string, error) {
	if err := v.exists(ctx, id); err != nil {
		return nil, err
	}
	return v.scopeIDs(ctx, id)
}

func (v tokenView) scopeIDs(ctx context.Context, id int64) ([]string, error) {
	var ids []string
	if err := v.q.SelectContext(ctx, &ids,
		"SELECT scope_id FROM token_scopes WHERE token_id = ? ORDER BY scope_id", id); err != nil {
		return nil, fmt.Errorf("reading token scopes: %w", err)
	}
	return ids, nil
}

func (v tokenView) Read(ctx context.Context, id int64) (*storage.Token, error) {
	var row tokenRow
	err := v.q.GetContext(ctx, &row, "SELECT * FROM tokens WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", storage.ErrTokenNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading token: %w", err)
	}
	return v.withScopes(ctx, row)
}

func (v tokenView) ReadByCode(ctx context.Context, code string, expiration time.Duration) (*storage.Token, error) {
	return v.readLive(ctx, "code", code, expiration)
}

func (v tokenView) ReadByValue(ctx context.Context, value string, expiration time.Duration) (*storage.Token, error) {
	return v.readLive(ctx, "token_value", value, expiration)
}

func (v tokenView) ReadByRefresh(ctx context.Context, refreshValue string, expiration time.Duration) (*storage.Token, error) {
	return v.readLive(ctx, "refresh_value", refreshValue, expiration)
}

// readLive resolves a token by one of its unique string keys, with the
// validity window evaluated inside the query. Absent, disabled, and expired
// rows are indistinguishable to the caller.
func (v tokenView) readLive(ctx context.Context, column, key string, expiration time.Duration) (*storage.Token, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", storage.ErrTokenNotFound)
	}

	query := fmt.Sprintf(
		"SELECT * FROM tokens WHERE %s = ? AND disabled = 0 AND value_created_at >= ?", column)
	var row tokenRow
	err := v.q.GetContext(ctx, &row, query, key, v.s.cutoff(expiration))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no live token for %s", storage.ErrTokenNotFound, column)
	}
	if err != nil {
		return nil, fmt.Errorf("reading token by %s: %w", column, err)
	}
	return v.withScopes(ctx, row)
}

func (v tokenView) withScopes(ctx context.Context, row tokenRow) (*storage.Token, error) {
	t := row.toToken()
	ids, err := v.scopeIDs(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	t.ScopeIDs = ids
	return t, nil
}

// UpdateValues rotates token and refresh values. The prevRefresh predicate in
// the UPDATE makes concurrent rotations single-winner.
func (v tokenView) UpdateValues(ctx context.Context, id int64, prevRefresh, newValue, newRefresh string) error {
	res, err := v.q.ExecContext(ctx, `UPDATE tokens
		SET token_value = ?, refresh_value = ?, value_created_at = ?
		WHERE id = ? AND refresh_value = ?`,
		newValue, newRefresh, v.s.now().Unix(), id, prevRefresh)
	if err != nil {
		return fmt.Errorf("rotating token values: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	if err := v.exists(ctx, id); err != nil {
		return err
	}
	return storage.ErrStaleRefresh
}

func (v tokenView) Delete(ctx context.Context, id int64) error {
	res, err := v.q.ExecContext(ctx, "DELETE FROM tokens WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	return requireAffected(res, fmt.Errorf("%w: id %d", storage.ErrTokenNotFound, id))
}

func (v tokenView) Disable(ctx context.Context, id int64) error {
	res, err := v.q.ExecContext(ctx, "UPDATE tokens SET disabled = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("disabling token: %w", err)
	}
	return requireAffected(res, fmt.Errorf("%w: id %d", storage.ErrTokenNotFound, id))
}

func (v tokenView) exists(ctx context.Context, id int64) error {
	var n int
	if err := v.q.GetContext(ctx, &n, "SELECT COUNT(1) FROM tokens WHERE id = ?", id); err != nil {
		return fmt.Errorf("checking token: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", storage.ErrTokenNotFound, id)
	}
	return nil
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// quoteIdent rejects column and table names that cannot be interpolated into
// a statement safely. Descriptor fields are configuration, not user input,
// but they still pass through here before reaching SQL text.
func quoteIdent(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty identifier")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return "", fmt.Errorf("invalid identifier %q", name)
		}
	}
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`, nil
}
