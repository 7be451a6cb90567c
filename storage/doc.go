// Package storage defines the repository contracts for persisting OAuth
// clients, scopes, redirect URIs, and tokens.
//
// The storage package defines the core repository interfaces used throughout
// the passport library:
//   - ClientRepository: registered OAuth clients and their scope/redirect bindings
//   - ScopeRepository: the scope catalog
//   - TokenRepository: authorization codes, access tokens, and refresh tokens
//
// Repositories are the storage boundary of the core: expiration windows are
// evaluated inside the store (never load-then-filter), and code redemption and
// refresh rotation are atomic conditional writes so that exactly one of any
// set of concurrent redeemers wins.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/sqlite: sqlx/SQLite-backed storage for single-node deployments
package storage
