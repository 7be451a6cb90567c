package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/passportd/passport/storage"
)

// Store is an in-memory implementation of all repository contracts. The
// per-entity repositories are exposed through the Clients, Scopes, and
// Tokens views; Store itself implements storage.Transactor.
//
// All state lives behind one mutex; the conditional writes the contracts
// require (AssignValuesToCode, UpdateValues) hold the write lock across their
// check-and-set, so exactly one concurrent redeemer wins.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client
	scopes  map[string]*storage.Scope

	tokens      map[int64]*storage.Token
	tokenScopes map[int64][]string
	byCode      map[string]int64
	byValue     map[string]int64
	byRefresh   map[string]int64
	nextTokenID int64

	// now is the clock used for validity windows; replaceable for
	// deterministic boundary tests.
	now func() time.Time

	logger *slog.Logger
}

var (
	_ storage.Transactor       = (*Store)(nil)
	_ storage.ClientRepository = clientView{}
	_ storage.ScopeRepository  = scopeView{}
	_ storage.TokenRepository  = tokenView{}
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		clients:     make(map[string]*storage.Client),
		scopes:      make(map[string]*storage.Scope),
		tokens:      make(map[int64]*storage.Token),
		tokenScopes: make(map[int64][]string),
		byCode:      make(map[string]int64),
		byValue:     make(map[string]int64),
		byRefresh:   make(map[string]int64),
		nextTokenID: 1,
		now:         time.Now,
		logger:      slog.Default(),
	}
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock replaces the store's time source. Intended for tests that need
// deterministic behavior at the expiration boundary.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Clients returns the store's ClientRepository view.
func (s *Store) Clients() storage.ClientRepository { return clientView{s: s} }

// Scopes returns the store's ScopeRepository view.
func (s *Store) Scopes() storage.ScopeRepository { return scopeView{s: s} }

// Tokens returns the store's TokenRepository view.
func (s *Store) Tokens() storage.TokenRepository { return tokenView{s: s} }

// Repositories bundles the three unlocked views.
func (s *Store) Repositories() storage.Repositories {
	return storage.Repositories{Clients: s.Clients(), Scopes: s.Scopes(), Tokens: s.Tokens()}
}

// withinWindow reports whether a value created at t is still live. The
// boundary is inclusive: a value is valid while now-t <= expiration.
func (s *Store) withinWindow(t time.Time, expiration time.Duration) bool {
	return s.now().Sub(t) <= expiration
}

// appendMissing appends the ids not already present, mirroring the primary
// key semantics of the SQL binding tables.
func appendMissing(existing, ids []string) []string {
	for _, id := range ids {
		seen := false
		for _, have := range existing {
			if have == id {
				seen = true
				break
			}
		}
		if !seen {
			existing = append(existing, id)
		}
	}
	return existing
}

// ============================================================
// Transactor
// ============================================================

// InTransaction executes fn against the store and rolls every write back if
// fn returns an error or panics. Snapshot-and-restore is sound here because
// the write lock is held for the whole unit of work, which also makes the
// transaction serializable with every other operation.
func (s *Store) InTransaction(_ context.Context, fn func(r storage.Repositories) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshotLocked()
	locked := storage.Repositories{
		Clients: clientView{s: s, locked: true},
		Scopes:  scopeView{s: s, locked: true},
		Tokens:  tokenView{s: s, locked: true},
	}

	defer func() {
		if r := recover(); r != nil {
			s.restoreLocked(snap)
			panic(r)
		}
	}()

	if err := fn(locked); err != nil {
		s.restoreLocked(snap)
		return err
	}
	return nil
}

type snapshot struct {
	clients     map[string]*storage.Client
	scopes      map[string]*storage.Scope
	tokens      map[int64]*storage.Token
	tokenScopes map[int64][]string
	byCode      map[string]int64
	byValue     map[string]int64
	byRefresh   map[string]int64
	nextTokenID int64
}

func (s *Store) snapshotLocked() snapshot {
	snap := snapshot{
		clients:     make(map[string]*storage.Client, len(s.clients)),
		scopes:      make(map[string]*storage.Scope, len(s.scopes)),
		tokens:      make(map[int64]*storage.Token, len(s.tokens)),
		tokenScopes: make(map[int64][]string, len(s.tokenScopes)),
		byCode:      make(map[string]int64, len(s.byCode)),
		byValue:     make(map[string]int64, len(s.byValue)),
		byRefresh:   make(map[string]int64, len(s.byRefresh)),
		nextTokenID: s.nextTokenID,
	}
	for k, v := range s.clients {
		c := *v
		c.ScopeIDs = append([]string(nil), v.ScopeIDs...)
		c.RedirectURIs = append([]string(nil), v.RedirectURIs...)
		snap.clients[k] = &c
	}
	for k, v := range s.scopes {
		sc := *v
		snap.scopes[k] = &sc
	}
	for k, v := range s.tokens {
		t := *v
		snap.tokens[k] = &t
	}
	for k, v := range s.tokenScopes {
		snap.tokenScopes[k] = append([]string(nil), v...)
	}
	for k, v := range s.byCode {
		snap.byCode[k] = v
	}
	for k, v := range s.byValue {
		snap.byValue[k] = v
	}
	for k, v := range s.byRefresh {
		snap.byRefresh[k] = v
	}
	return snap
}

func (s *Store) restoreLocked(snap snapshot) {
	s.clients = snap.clients
	s.scopes = snap.scopes
	s.tokens = snap.tokens
	s.tokenScopes = snap.tokenScopes
	s.byCode = snap.byCode
	s.byValue = snap.byValue
	s.byRefresh = snap.byRefresh
	s.nextTokenID = snap.nextTokenID
}

// ============================================================
// ClientRepository view
// ============================================================

type clientView struct {
	s      *Store
	locked bool // true inside InTransaction, where the write lock is held
}

func (v clientView) lock() {
	if !v.locked {
		v.s.mu.Lock()
	}
}

func (v clientView) unlock() {
	if !v.locked {
		v.s.mu.Unlock()
	}
}

func (v clientView) rlock() {
	if !v.locked {
		v.s.mu.RLock()
	}
}

func (v clientView) runlock() {
	if !v.locked {
		v.s.mu.RUnlock()
	}
}

func (v clientView) Index(_ context.Context) ([]*storage.Client, error) {
	v.rlock()
	defer v.runlock()

	clients := make([]*storage.Client, 0, len(v.s.clients))
	for _, c := range v.s.clients {
		clients = append(clients, copyClient(c))
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients, nil
}

func (v clientView) Create(_ context.Context, client *storage.Client) error {
	if err := client.Validate(); err != nil {
		return err
	}

	v.lock()
	defer v.unlock()

	if _, exists := v.s.clients[client.ID]; exists {
		return fmt.Errorf("client %s already exists", client.ID)
	}
	c := copyClient(client)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = v.s.now()
	}
	v.s.clients[client.ID] = c
	v.s.logger.Debug("Created client", "client_id", client.ID)
	return nil
}

func (v clientView) Read(_ context.Context, id string) (*storage.Client, error) {
	v.rlock()
	defer v.runlock()

	c, ok := v.s.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, id)
	}
	return copyClient(c), nil
}

func (v clientView) Update(_ context.Context, client *storage.Client) error {
	if err := client.Validate(); err != nil {
		return err
	}

	v.lock()
	defer v.unlock()

	existing, ok := v.s.clients[client.ID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, client.ID)
	}
	c := copyClient(client)
	c.ScopeIDs = existing.ScopeIDs
	c.RedirectURIs = existing.RedirectURIs
	c.CreatedAt = existing.CreatedAt
	v.s.clients[client.ID] = c
	return nil
}

func (v clientView) Delete(_ context.Context, id string) error {
	v.lock()
	defer v.unlock()

	if _, ok := v.s.clients[id]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, id)
	}
	delete(v.s.clients, id)
	return nil
}

func (v clientView) BindScopeIDs(_ context.Context, id string, scopeIDs []string) error {
	v.lock()
	defer v.unlock()

	c, ok := v.s.clients[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, id)
	}
	c.ScopeIDs = appendMissing(c.ScopeIDs, scopeIDs)
	return nil
}

func (v clientView) UnbindScopes(_ context.Context, id string) error {
	v.lock()
	defer v.unlock()

	c, ok := v.s.clients[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, id)
	}
	c.ScopeIDs = nil
	return nil
}

func (v clientView) ReadScopeIDs(_ context.Context, id string) ([]string, error) {
	v.rlock()
	defer v.runlock()

	c, ok := v.s.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, id)
	}
	return append([]string(nil), c.ScopeIDs...), nil
}

func (v clientView) ReadRedirectURIs(_ context.Context, id string) ([]string, error) {
	v.rlock()
	defer v.runlock()

	c, ok := v.s.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, id)
	}
	return append([]string(nil), c.RedirectURIs...), nil
}

func copyClient(c *storage.Client) *storage.Client {
	cc := *c
	cc.ScopeIDs = append([]string(nil), c.ScopeIDs...)
	cc.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	return &cc
}

// ============================================================
// ScopeRepository view
// ============================================================

type scopeView struct {
	s      *Store
	locked bool
}

func (v scopeView) lock() {
	if !v.locked {
		v.s.mu.Lock()
	}
}

func (v scopeView) unlock() {
	if !v.locked {
		v.s.mu.Unlock()
	}
}

func (v scopeView) rlock() {
	if !v.locked {
		v.s.mu.RLock()
	}
}

func (v scopeView) runlock() {
	if !v.locked {
		v.s.mu.RUnlock()
	}
}

func (v scopeView) Index(_ context.Context) ([]*storage.Scope, error) {
	v.rlock()
	defer v.runlock()

	scopes := make([]*storage.Scope, 0, len(v.s.scopes))
	for _, sc := range v.s.scopes {
		c := *sc
		scopes = append(scopes, &c)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].ID < scopes[j].ID })
	return scopes, nil
}

func (v scopeView) Create(_ context.Context, scope *storage.Scope) error {
	if scope.ID == "" {
		return fmt.Errorf("scope ID is required")
	}

	v.lock()
	defer v.unlock()

	if _, exists := v.s.scopes[scope.ID]; exists {
		return fmt.Errorf("scope %s already exists", scope.ID)
	}
	sc := *scope
	v.s.scopes[scope.ID] = &sc
	return nil
}

func (v scopeView) Read(_ context.Context, id string) (*storage.Scope, error) {
	v.rlock()
	defer v.runlock()

	sc, ok := v.s.scopes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrScopeNotFound, id)
	}
	c := *sc
	return &c, nil
}

func (v scopeView) Update(_ context.Context, scope *storage.Scope) error {
	v.lock()
	defer v.unlock()

	if _, ok := v.s.scopes[scope.ID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrScopeNotFound, scope.ID)
	}
	sc := *scope
	v.s.scopes[scope.ID] = &sc
	return nil
}

func (v scopeView) Delete(_ context.Context, id string) error {
	v.lock()
	defer v.unlock()

	if _, ok := v.s.scopes[id]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrScopeNotFound, id)
	}
	delete(v.s.scopes, id)
	return nil
}

// ============================================================
// TokenRepository view
// ============================================================

type tokenView struct {
	s      *Store
	locked bool
}

func (v tokenView) lock() {
	if !v.locked {
		v.s.mu.Lock()
	}
}

func (v tokenView) unlock() {
	if !v.locked {
		v.s.mu.Unlock()
	}
}

func (v tokenView) rlock() {
	if !v.locked {
		v.s.mu.RLock()
	}
}

func (v tokenView) runlock() {
	if !v.locked {
		v.s.mu.RUnlock()
	}
}

func (v tokenView) CreateCode(_ context.Context, clientID, userID, code string) (int64, error) {
	if code == "" {
		return 0, fmt.Errorf("code cannot be empty")
	}

	v.lock()
	defer v.unlock()

	if _, exists := v.s.byCode[code]; exists {
		return 0, fmt.Errorf("code collision")
	}
	id := v.s.nextTokenID
	v.s.nextTokenID++
	v.s.tokens[id] = &storage.Token{
		ID:             id,
		ClientID:       clientID,
		UserID:         userID,
		Code:           code,
		ValueCreatedAt: v.s.now(),
	}
	v.s.byCode[code] = id
	v.s.logger.Debug("Created authorization code row", "token_id", id, "client_id", clientID)
	return id, nil
}

// AssignValuesToCode attaches token values to a pending code row. The
// check-and-set runs under the write lock, so concurrent redemptions of the
// same code see exactly one winner.
func (v tokenView) AssignValuesToCode(_ context.Context, code, value, tokenType string, expiration time.Duration, refreshValue string) error {
	v.lock()
	defer v.unlock()

	id, ok := v.s.byCode[code]
	if !ok {
		return fmt.Errorf("%w: unknown code", storage.ErrTokenNotFound)
	}
	t := v.s.tokens[id]
	if t.Disabled || !v.s.withinWindow(t.ValueCreatedAt, expiration) {
		return fmt.Errorf("%w: code expired", storage.ErrTokenNotFound)
	}
	if t.Value != "" {
		return storage.ErrCodeAlreadyRedeemed
	}

	t.Value = value
	t.Type = tokenType
	t.RefreshValue = refreshValue
	t.ValueCreatedAt = v.s.now()
	v.s.byValue[value] = id
	if refreshValue != "" {
		v.s.byRefresh[refreshValue] = id
	}
	v.s.logger.Debug("Assigned values to code row", "token_id", id)
	return nil
}

func (v tokenView) CreateToken(_ context.Context, clientID, userID, value, tokenType, refreshValue string) (int64, error) {
	if value == "" {
		return 0, fmt.Errorf("token value cannot be empty")
	}

	v.lock()
	defer v.unlock()

	if _, exists := v.s.byValue[value]; exists {
		return 0, fmt.Errorf("token value collision")
	}
	id := v.s.nextTokenID
	v.s.nextTokenID++
	v.s.tokens[id] = &storage.Token{
		ID:             id,
		ClientID:       clientID,
		UserID:         userID,
		Type:           tokenType,
		Value:          value,
		RefreshValue:   refreshValue,
		ValueCreatedAt: v.s.now(),
	}
	v.s.byValue[value] = id
	if refreshValue != "" {
		v.s.byRefresh[refreshValue] = id
	}
	v.s.logger.Debug("Created token row", "token_id", id, "client_id", clientID)
	return id, nil
}

func (v tokenView) BindScopeIDs(_ context.Context, id int64, scopeIDs []string) error {
	v.lock()
	defer v.unlock()

	t, ok := v.s.tokens[id]
	if !ok {
		return fmt.Errorf("%w: id %d", storage.ErrTokenNotFound, id)
	}
	v.s.tokenScopes[id] = appendMissing(v.s.tokenScopes[id], scopeIDs)
	t.ScopeIDs = append([]string(nil), v.s.tokenScopes[id]...)
	return nil
}

func (v tokenView) UnbindScopes(_ context.Context, id int64) error {
	v.lock()
	defer v.unlock()

	t, ok := v.s.tokens[id]
	if !ok {
		return fmt.Errorf("%w: id %d", storage.ErrTokenNotFound, id)
	}
	delete(v.s.tokenScopes, id)
	t.ScopeIDs = nil
	return nil
}

func (v tokenView) ReadScopeIDs(_ context.Context, id int64) ([]string, error) {
	v.rlock()
	defer v.runlock()

	if _, ok := v.s.tokens[id]; !ok {
		return nil, fmt.Errorf("%w: id %d", storage.ErrTokenNotFound, id)
	}
	return append([]string(nil), v.s.tokenScopes[id]...), nil
}

func (v tokenView) Read(_ context.Context, id int64) (*storage.Token, error) {
	v.rlock()
	defer v.runlock()

	t, ok := v.s.tokens[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", storage.ErrTokenNotFound, id)
	}
	return v.s.copyTokenLocked(t), nil
}

func (v tokenView) ReadByCode(_ context.Context, code string, expiration time.Duration) (*storage.Token, error) {
	v.rlock()
	defer v.runlock()

	id, ok := v.s.byCode[code]
	if !ok {
		return nil, fmt.Errorf("%w: unknown code", storage.ErrTokenNotFound)
	}
	t := v.s.tokens[id]
	if t.Disabled || !v.s.withinWindow(t.ValueCreatedAt, expiration) {
		return nil, fmt.Errorf("%w: code expired", storage.ErrTokenNotFound)
	}
	return v.s.copyTokenLocked(t), nil
}

func (v tokenView) ReadByValue(_ context.Context, value string, expiration time.Duration) (*storage.Token, error) {
	v.rlock()
	defer v.runlock()

	id, ok := v.s.byValue[value]
	if !ok {
		return nil, fmt.Errorf("%w: unknown value", storage.ErrTokenNotFound)
	}
	t := v.s.tokens[id]
	if t.Disabled || !v.s.withinWindow(t.ValueCreatedAt, expiration) {
		return nil, fmt.Errorf("%w: value expired", storage.ErrTokenNotFound)
	}
	return v.s.copyTokenLocked(t), nil
}

func (v tokenView) ReadByRefresh(_ context.Context, refreshValue string, expiration time.Duration) (*storage.Token, error) {
	v.rlock()
	defer v.runlock()

	id, ok := v.s.byRefresh[refreshValue]
	if !ok {
		return nil, fmt.Errorf("%w: unknown refresh value", storage.ErrTokenNotFound)
	}
	t := v.s.tokens[id]
	if t.Disabled || !v.s.withinWindow(t.ValueCreatedAt, expiration) {
		return nil, fmt.Errorf("%w: refresh value expired", storage.ErrTokenNotFound)
	}
	return v.s.copyTokenLocked(t), nil
}

// UpdateValues rotates token and refresh values under the write lock; the
// optimistic prevRefresh check makes concurrent rotations single-winner.
func (v tokenView) UpdateValues(_ context.Context, id int64, prevRefresh, newValue, newRefresh string) error {
	v.lock()
	defer v.unlock()

	t, ok := v.s.tokens[id]
	if !ok {
		return fmt.Errorf("%w: id %d", storage.ErrTokenNotFound, id)
	}
	if t.RefreshValue != prevRefresh {
		return storage.ErrStaleRefresh
	}

	delete(v.s.byValue, t.Value)
	if t.RefreshValue != "" {
		delete(v.s.byRefresh, t.RefreshValue)
	}
	t.Value = newValue
	t.RefreshValue = newRefresh
	t.ValueCreatedAt = v.s.now()
	v.s.byValue[newValue] = id
	if newRefresh != "" {
		v.s.byRefresh[newRefresh] = id
	}
	v.s.logger.Debug("Rotated token values", "token_id", id)
	return nil
}

func (v tokenView) Delete(_ context.Context, id int64) error {
	v.lock()
	defer v.unlock()

	t, ok := v.s.tokens[id]
	if !ok {
		return fmt.Errorf("%w: id %d", storage.ErrTokenNotFound, id)
	}
	delete(v.s.byCode, t.Code)
	delete(v.s.byValue, t.Value)
	delete(v.s.byRefresh, t.RefreshValue)
	delete(v.s.tokenScopes, id)
	delete(v.s.tokens, id)
	return nil
}

func (v tokenView) Disable(_ context.Context, id int64) error {
	v.lock()
	defer v.unlock()

	t, ok := v.s.tokens[id]
	if !ok {
		return fmt.Errorf("%w: id %d", storage.ErrTokenNotFound, id)
	}
	t.Disabled = true
	v.s.logger.Debug("Disabled token row", "token_id", id)
	return nil
}

func (s *Store) copyTokenLocked(t *storage.Token) *storage.Token {
	c := *t
	c.ScopeIDs = append([]string(nil), s.tokenScopes[t.ID]...)
	return &c
}
