package passport

import (
	"strings"

	"github.com/passportd/passport/storage"
)

// Grant is the outcome of a successful token-issuing operation, serialized
// by the token endpoint and usable directly when the server is embedded.
type Grant struct {
	// AccessToken is the opaque token value.
	AccessToken string

	// TokenType names the token's usage scheme, normally "bearer".
	TokenType string

	// ExpiresIn is the full validity window in seconds. Tokens always
	// report the configured lifetime at issuance.
	ExpiresIn int64

	// RefreshToken is empty for grants that issue none (implicit, client
	// credentials).
	RefreshToken string

	// ScopeIDs are the scopes bound to the token, in grant order.
	ScopeIDs []string

	// ClientID and UserID identify whom the token was issued to. UserID
	// is empty for client-credentials tokens.
	ClientID string
	UserID   string
}

// Scope renders the grant's scopes as a space-delimited string.
func (g *Grant) Scope() string {
	return strings.Join(g.ScopeIDs, " ")
}

// tokenResponse is the token endpoint's success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// errorResponse is the JSON error body for both endpoints.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}

// Response types accepted on the authorization endpoint.
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
)

// Grant types accepted on the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypePassword          = "password"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
)

// ConsentData is what a GET /authorize validation yields: everything a
// consent page needs to render, plus the validated parameters the decision
// POST must echo. Nothing has been written yet when this is produced.
type ConsentData struct {
	// Client is the requesting client.
	Client *storage.Client

	// ScopeIDs are the resolved scopes the owner is asked to approve.
	ScopeIDs []string

	// RedirectURI is the validated redirect target.
	RedirectURI string

	// ResponseType is "code" or "token".
	ResponseType string

	// State is the client's opaque state value, echoed on completion.
	State string
}

// AuthorizationDecision carries the resource owner's verdict back into the
// authorization endpoint.
type AuthorizationDecision struct {
	// Consent is the validated request being decided.
	Consent *ConsentData

	// Approved is false when the owner declined.
	Approved bool

	// UserID identifies the authenticated resource owner. How the owner
	// authenticated is outside this package.
	UserID string
}
