package storage

// SchemaDescriptor names the columns the account view is keyed by. The
// resolver and the SQL store consult it instead of hard-coding column names,
// so deployments with legacy user tables can map their own schema in.
type SchemaDescriptor struct {
	// UserTable is the table holding resource-owner attributes.
	UserTable string

	// UserIDColumn is the user table's primary identifier column.
	UserIDColumn string

	// UserNameColumn is the column carrying the owner's display name.
	UserNameColumn string

	// UserEmailColumn is the column carrying the owner's email, if any.
	UserEmailColumn string

	// UserPasswordColumn is the column carrying the owner's bcrypt
	// password hash. Only consulted by credential lookups; deployments
	// that authenticate owners elsewhere can leave it pointing at the
	// default.
	UserPasswordColumn string
}

// UserRecord is the attribute set a directory lookup yields for a resource
// owner.
type UserRecord struct {
	ID    string
	Name  string
	Email string
}

// DefaultSchema returns the descriptor matching the reference DDL shipped
// with storage/sqlite.
func DefaultSchema() SchemaDescriptor {
	return SchemaDescriptor{
		UserTable:          "users",
		UserIDColumn:       "id",
		UserNameColumn:     "name",
		UserEmailColumn:    "email",
		UserPasswordColumn: "password_hash",
	}
}
