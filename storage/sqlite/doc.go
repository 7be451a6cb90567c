// Package sqlite provides a SQLite-backed implementation of the repository
// contracts, built on jmoiron/sqlx and mattn/go-sqlite3.
//
// Validity windows are evaluated inside the queries themselves, and the
// single-winner guarantees are enforced with conditional UPDATE statements
// checked through RowsAffected.
package sqlite
