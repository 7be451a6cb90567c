package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/passportd/passport/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testClient(id string) *storage.Client {
	return &storage.Client{
		ID:           id,
		Name:         "Test Client " + id,
		Confidential: true,
		SecretHash:   "$2a$10$fakehashfakehashfakehashfakehashfakehashfakehash",
		RedirectURIs: []string{"https://app.example/callback"},
		ScopeIDs:     []string{"read"},
		CodeGrant:    true,
	}
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	clients := store.Clients()

	if err := clients.Create(ctx, testClient("c1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := clients.Create(ctx, testClient("c1")); err == nil {
		t.Error("expected error creating duplicate client")
	}

	got, err := clients.Read(ctx, "c1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !got.Confidential || !got.CodeGrant {
		t.Errorf("flags lost on round trip: %+v", got)
	}
	if len(got.RedirectURIs) != 1 || got.RedirectURIs[0] != "https://app.example/callback" {
		t.Errorf("RedirectURIs = %v", got.RedirectURIs)
	}
	if len(got.ScopeIDs) != 1 || got.ScopeIDs[0] != "read" {
		t.Errorf("ScopeIDs = %v", got.ScopeIDs)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not persisted")
	}

	got.Name = "Renamed"
	got.ImplicitGrant = true
	if err := clients.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	again, _ := clients.Read(ctx, "c1")
	if again.Name != "Renamed" || !again.ImplicitGrant {
		t.Errorf("update not persisted: %+v", again)
	}

	uris, err := clients.ReadRedirectURIs(ctx, "c1")
	if err != nil || len(uris) != 1 {
		t.Errorf("ReadRedirectURIs = %v, %v", uris, err)
	}

	if err := clients.Delete(ctx, "c1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := clients.Read(ctx, "c1"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("Read after delete = %v, want ErrClientNotFound", err)
	}
	if _, err := clients.Read(ctx, "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("Read missing = %v, want ErrClientNotFound", err)
	}
}

func TestClientScopeBinding(t *testing.T) {
	ctx := context.Background()
	clients := openTestStore(t).Clients()

	c := testClient("c1")
	c.ScopeIDs = nil
	if err := clients.Create(ctx, c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := clients.BindScopeIDs(ctx, "c1", []string{"write", "read"}); err != nil {
		t.Fatalf("BindScopeIDs failed: %v", err)
	}
	ids, err := clients.ReadScopeIDs(ctx, "c1")
	if err != nil {
		t.Fatalf("ReadScopeIDs failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "read" || ids[1] != "write" {
		t.Errorf("scope IDs = %v, want [read write]", ids)
	}

	// Rebinding an existing scope ID is a no-op, not an error.
	if err := clients.BindScopeIDs(ctx, "c1", []string{"read"}); err != nil {
		t.Fatalf("rebinding failed: %v", err)
	}
	ids, _ = clients.ReadScopeIDs(ctx, "c1")
	if len(ids) != 2 {
		t.Errorf("scope IDs after rebind = %v", ids)
	}

	if err := clients.UnbindScopes(ctx, "c1"); err != nil {
		t.Fatalf("UnbindScopes failed: %v", err)
	}
	ids, _ = clients.ReadScopeIDs(ctx, "c1")
	if len(ids) != 0 {
		t.Errorf("scope IDs after unbind = %v", ids)
	}

	if err := clients.BindScopeIDs(ctx, "missing", []string{"read"}); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("BindScopeIDs on missing client = %v", err)
	}
}

func TestScopeRoundTrip(t *testing.T) {
	ctx := context.Background()
	scopes := openTestStore(t).Scopes()

	if err := scopes.Create(ctx, &storage.Scope{ID: "read", Description: "Read access"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := scopes.Create(ctx, &storage.Scope{ID: "read"}); err == nil {
		t.Error("expected error creating duplicate scope")
	}

	sc, err := scopes.Read(ctx, "read")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	sc.Description = "Read-only"
	if err := scopes.Update(ctx, sc); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	all, err := scopes.Index(ctx)
	if err != nil || len(all) != 1 || all[0].Description != "Read-only" {
		t.Errorf("Index = %v, %v", all, err)
	}

	if err := scopes.Delete(ctx, "read"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := scopes.Read(ctx, "read"); !errors.Is(err, storage.ErrScopeNotFound) {
		t.Errorf("Read after delete = %v", err)
	}
}

func TestCodeRedemptionSingleWinner(t *testing.T) {
	ctx := context.Background()
	tokens := openTestStore(t).Tokens()

	if _, err := tokens.CreateCode(ctx, "c1", "u1", "code-1"); err != nil {
		t.Fatalf("CreateCode failed: %v", err)
	}

	if err := tokens.AssignValuesToCode(ctx, "code-1", "val-1", "bearer", time.Minute, "ref-1"); err != nil {
		t.Fatalf("first AssignValuesToCode failed: %v", err)
	}
	err := tokens.AssignValuesToCode(ctx, "code-1", "val-2", "bearer", time.Minute, "ref-2")
	if !errors.Is(err, storage.ErrCodeAlreadyRedeemed) {
		t.Errorf("second AssignValuesToCode = %v, want ErrCodeAlreadyRedeemed", err)
	}

	err = tokens.AssignValuesToCode(ctx, "no-such-code", "val-3", "bearer", time.Minute, "")
	if !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("AssignValuesToCode on unknown code = %v, want ErrTokenNotFound", err)
	}

	tok, err := tokens.ReadByValue(ctx, "val-1", time.Minute)
	if err != nil {
		t.Fatalf("ReadByValue failed: %v", err)
	}
	if tok.RefreshValue != "ref-1" || tok.UserID != "u1" {
		t.Errorf("token = %+v", tok)
	}
}

func TestExpirationInQuery(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	tokens := store.Tokens()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	store.SetClock(func() time.Time { return current })

	if _, err := tokens.CreateToken(ctx, "c1", "u1", "val", "bearer", "ref"); err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	tests := []struct {
		name    string
		elapsed time.Duration
		valid   bool
	}{
		{"fresh", 0, true},
		{"exactly at boundary", 60 * time.Second, true},
		{"one second past boundary", 61 * time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current = base.Add(tt.elapsed)
			_, err := tokens.ReadByValue(ctx, "val", time.Minute)
			if tt.valid && err != nil {
				t.Errorf("ReadByValue = %v, want success", err)
			}
			if !tt.valid && !errors.Is(err, storage.ErrTokenNotFound) {
				t.Errorf("ReadByValue = %v, want ErrTokenNotFound", err)
			}
		})
	}

	// An expired code cannot be redeemed either.
	current = base
	if _, err := tokens.CreateCode(ctx, "c1", "u1", "old-code"); err != nil {
		t.Fatalf("CreateCode failed: %v", err)
	}
	current = base.Add(2 * time.Minute)
	err := tokens.AssignValuesToCode(ctx, "old-code", "v", "bearer", time.Minute, "")
	if !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("redeeming expired code = %v, want ErrTokenNotFound", err)
	}
}

func TestUpdateValuesOptimistic(t *testing.T) {
	ctx := context.Background()
	tokens := openTestStore(t).Tokens()

	id, err := tokens.CreateToken(ctx, "c1", "u1", "old-val", "bearer", "old-ref")
	if err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	if err := tokens.UpdateValues(ctx, id, "old-ref", "new-val", "new-ref"); err != nil {
		t.Fatalf("UpdateValues failed: %v", err)
	}

	err = tokens.UpdateValues(ctx, id, "old-ref", "other-val", "other-ref")
	if !errors.Is(err, storage.ErrStaleRefresh) {
		t.Errorf("stale rotation = %v, want ErrStaleRefresh", err)
	}
	err = tokens.UpdateValues(ctx, 9999, "x", "y", "z")
	if !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("rotation on missing token = %v, want ErrTokenNotFound", err)
	}

	if _, err := tokens.ReadByValue(ctx, "old-val", time.Minute); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("old value still resolvable: %v", err)
	}
	if _, err := tokens.ReadByRefresh(ctx, "new-ref", time.Hour); err != nil {
		t.Errorf("new refresh not resolvable: %v", err)
	}
}

func TestDisableHidesToken(t *testing.T) {
	ctx := context.Background()
	tokens := openTestStore(t).Tokens()

	id, err := tokens.CreateToken(ctx, "c1", "u1", "val", "bearer", "ref")
	if err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}
	if err := tokens.Disable(ctx, id); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if _, err := tokens.ReadByValue(ctx, "val", time.Minute); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("ReadByValue on disabled token = %v, want ErrTokenNotFound", err)
	}
	// The row itself is still present for audit access by ID.
	if _, err := tokens.Read(ctx, id); err != nil {
		t.Errorf("Read by ID on disabled token = %v", err)
	}
}

func TestTokenScopes(t *testing.T) {
	ctx := context.Background()
	tokens := openTestStore(t).Tokens()

	id, err := tokens.CreateToken(ctx, "c1", "u1", "val", "bearer", "")
	if err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}
	if err := tokens.BindScopeIDs(ctx, id, []string{"write", "read"}); err != nil {
		t.Fatalf("BindScopeIDs failed: %v", err)
	}

	tok, err := tokens.ReadByValue(ctx, "val", time.Minute)
	if err != nil {
		t.Fatalf("ReadByValue failed: %v", err)
	}
	if len(tok.ScopeIDs) != 2 || tok.ScopeIDs[0] != "read" {
		t.Errorf("ScopeIDs = %v, want [read write]", tok.ScopeIDs)
	}

	if err := tokens.UnbindScopes(ctx, id); err != nil {
		t.Fatalf("UnbindScopes failed: %v", err)
	}
	ids, _ := tokens.ReadScopeIDs(ctx, id)
	if len(ids) != 0 {
		t.Errorf("ScopeIDs after unbind = %v", ids)
	}
}

func TestInTransactionRollback(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	boom := errors.New("boom")
	err := store.InTransaction(ctx, func(r storage.Repositories) error {
		if err := r.Clients.Create(ctx, testClient("discard")); err != nil {
			return err
		}
		if _, err := r.Tokens.CreateToken(ctx, "discard", "u", "v", "bearer", ""); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTransaction = %v, want boom", err)
	}

	if _, err := store.Clients().Read(ctx, "discard"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("rolled-back client still present: %v", err)
	}
	if _, err := store.Tokens().ReadByValue(ctx, "v", time.Minute); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("rolled-back token still present: %v", err)
	}
}

func TestInTransactionCommit(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	err := store.InTransaction(ctx, func(r storage.Repositories) error {
		if err := r.Clients.Create(ctx, testClient("c1")); err != nil {
			return err
		}
		id, err := r.Tokens.CreateCode(ctx, "c1", "u1", "code-1")
		if err != nil {
			return err
		}
		return r.Tokens.BindScopeIDs(ctx, id, []string{"read"})
	})
	if err != nil {
		t.Fatalf("InTransaction failed: %v", err)
	}

	tok, err := store.Tokens().ReadByCode(ctx, "code-1", time.Minute)
	if err != nil {
		t.Fatalf("committed code missing: %v", err)
	}
	if len(tok.ScopeIDs) != 1 || !tok.Pending() {
		t.Errorf("token = %+v", tok)
	}
}

func TestUserDirectory(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	dir, err := NewUserDirectory(store, storage.DefaultSchema())
	if err != nil {
		t.Fatalf("NewUserDirectory failed: %v", err)
	}

	rec := &storage.UserRecord{ID: "u1", Name: "Ada", Email: "ada@example.com"}
	if err := dir.CreateUser(ctx, rec); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	got, err := dir.Lookup(ctx, "u1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got.Name != "Ada" || got.Email != "ada@example.com" {
		t.Errorf("record = %+v", got)
	}

	if _, err := dir.Lookup(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Lookup missing = %v, want ErrUserNotFound", err)
	}
}

func TestUserDirectoryCredentials(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	dir, err := NewUserDirectory(store, storage.DefaultSchema())
	if err != nil {
		t.Fatalf("NewUserDirectory failed: %v", err)
	}
	if err := dir.CreateUser(ctx, &storage.UserRecord{ID: "u1", Name: "Ada"}); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if _, err := store.db.ExecContext(ctx,
		"UPDATE users SET password_hash = ? WHERE id = ?", "some-hash", "u1"); err != nil {
		t.Fatalf("setting password hash: %v", err)
	}

	id, hash, err := dir.Credentials(ctx, "u1")
	if err != nil {
		t.Fatalf("Credentials failed: %v", err)
	}
	if id != "u1" || hash != "some-hash" {
		t.Errorf("Credentials = (%q, %q)", id, hash)
	}

	if _, _, err := dir.Credentials(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Credentials missing = %v, want ErrUserNotFound", err)
	}

	schema := storage.DefaultSchema()
	schema.UserPasswordColumn = ""
	noCreds, err := NewUserDirectory(store, schema)
	if err != nil {
		t.Fatalf("NewUserDirectory failed: %v", err)
	}
	if _, _, err := noCreds.Credentials(ctx, "u1"); err == nil {
		t.Error("expected error when the schema has no password column")
	}
}

func TestUserDirectoryRejectsBadIdentifiers(t *testing.T) {
	store := openTestStore(t)

	schema := storage.DefaultSchema()
	schema.UserTable = "users; DROP TABLE tokens"
	if _, err := NewUserDirectory(store, schema); err == nil {
		t.Error("expected error for hostile table name")
	}
}
