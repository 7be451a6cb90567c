package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/passportd/passport/storage"
)

// ErrUserNotFound is returned when a directory lookup matches no row.
var ErrUserNotFound = storage.ErrUserNotFound

// UserDirectory resolves resource-owner attributes from the user table named
// by a schema descriptor. Deployments pointing at a legacy table supply their
// own descriptor; everything else uses storage.DefaultSchema.
type UserDirectory struct {
	store  *Store
	schema storage.SchemaDescriptor

	query      string
	credsQuery string
}

// NewUserDirectory builds a directory over the store's database using the
// given descriptor. The descriptor's identifiers are validated once, here,
// rather than on every lookup.
func NewUserDirectory(store *Store, schema storage.SchemaDescriptor) (*UserDirectory, error) {
	table, err := quoteIdent(schema.UserTable)
	if err != nil {
		return nil, fmt.Errorf("user table: %w", err)
	}
	idCol, err := quoteIdent(schema.UserIDColumn)
	if err != nil {
		return nil, fmt.Errorf("user ID column: %w", err)
	}
	nameCol, err := quoteIdent(schema.UserNameColumn)
	if err != nil {
		return nil, fmt.Errorf("user name column: %w", err)
	}
	emailCol, err := quoteIdent(schema.UserEmailColumn)
	if err != nil {
		return nil, fmt.Errorf("user email column: %w", err)
	}

	query := fmt.Sprintf("SELECT %s, %s, %s FROM %s WHERE %s = ?",
		idCol, nameCol, emailCol, table, idCol)

	credsQuery := ""
	if schema.UserPasswordColumn != "" {
		passwordCol, err := quoteIdent(schema.UserPasswordColumn)
		if err != nil {
			return nil, fmt.Errorf("user password column: %w", err)
		}
		credsQuery = fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = ?",
			idCol, passwordCol, table, idCol)
	}
	return &UserDirectory{store: store, schema: schema, query: query, credsQuery: credsQuery}, nil
}

// Lookup returns the record for the given user ID.
func (d *UserDirectory) Lookup(ctx context.Context, userID string) (*storage.UserRecord, error) {
	var rec storage.UserRecord
	row := d.store.db.QueryRowxContext(ctx, d.query, userID)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	return &rec, nil
}

// Credentials returns the user's identifier and stored password hash for
// password-grant verification. Unknown users yield ErrUserNotFound.
func (d *UserDirectory) Credentials(ctx context.Context, userID string) (id, passwordHash string, err error) {
	if d.credsQuery == "" {
		return "", "", errors.New("schema has no password column")
	}
	row := d.store.db.QueryRowxContext(ctx, d.credsQuery, userID)
	if err := row.Scan(&id, &passwordHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return "", "", fmt.Errorf("reading user credentials: %w", err)
	}
	return id, passwordHash, nil
}

// CreateUser inserts a row into the descriptor's user table. Mainly useful
// for provisioning and tests; production deployments usually own this table.
func (d *UserDirectory) CreateUser(ctx context.Context, rec *storage.UserRecord) error {
	table, _ := quoteIdent(d.schema.UserTable)
	idCol, _ := quoteIdent(d.schema.UserIDColumn)
	nameCol, _ := quoteIdent(d.schema.UserNameColumn)
	emailCol, _ := quoteIdent(d.schema.UserEmailColumn)

	query := fmt.Sprintf("INSERT INTO %s (%s, %s, %s) VALUES (?, ?, ?)",
		table, idCol, nameCol, emailCol)
	if _, err := d.store.db.ExecContext(ctx, query, rec.ID, rec.Name, rec.Email); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}
