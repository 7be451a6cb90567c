// Package passport implements the core of an OAuth 2.0 authorization server:
// the authorization and token endpoints, the four token-issuing grants
// (authorization code, implicit, resource owner password, client
// credentials) plus refresh-token rotation, scope resolution, client
// authentication, and bearer-token resolution into an account view.
//
// Tokens are opaque random values; validity is a pure function of the
// storage clock, evaluated inside the storage queries. Authorization codes
// are single-use: redemption is an atomic conditional write, so of any
// number of concurrent redemptions exactly one wins and the rest receive
// invalid_grant.
//
// The package is transport-thin by design. Handler adapts the core to
// net/http; Server carries the composition and is usable without HTTP for
// embedding.
package passport
