package passport

import (
	"fmt"
	"net/http"
	"net/url"
)

// OAuth error codes. The token endpoint and the authorization redirect
// channel use overlapping but distinct subsets of these.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeServerError             = "server_error"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"

	// ErrorCodeInvalidToken is used on the bearer middleware, per RFC 6750.
	ErrorCodeInvalidToken = "invalid_token"

	// ErrorCodeRateLimitExceeded is an extension code emitted with HTTP 429
	// when a rate limit trips. Not part of either RFC 6749 family.
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
)

// defaultDescriptions supplies the human-readable text attached to an error
// when the raiser does not override it.
var defaultDescriptions = map[string]string{
	ErrorCodeInvalidRequest:          "The request is missing a required parameter or is otherwise malformed",
	ErrorCodeInvalidClient:           "Client authentication failed",
	ErrorCodeInvalidGrant:            "The provided authorization grant is invalid, expired, or revoked",
	ErrorCodeUnauthorizedClient:      "The client is not authorized to use this grant type",
	ErrorCodeUnsupportedGrantType:    "The authorization grant type is not supported",
	ErrorCodeInvalidScope:            "The requested scope is invalid, unknown, or exceeds what the client may request",
	ErrorCodeAccessDenied:            "The resource owner denied the request",
	ErrorCodeUnsupportedResponseType: "The response type is not supported by this client",
	ErrorCodeServerError:             "The authorization server encountered an unexpected condition",
	ErrorCodeTemporarilyUnavailable:  "The authorization server is temporarily unable to handle the request",
	ErrorCodeInvalidToken:            "The access token is invalid or expired",
	ErrorCodeRateLimitExceeded:       "Too many requests",
}

// DefaultDescription returns the default description for an error code, or
// "" for an unknown code.
func DefaultDescription(code string) string {
	return defaultDescriptions[code]
}

// TokenError is an OAuth error delivered as a JSON body, used by the token
// endpoint and by authorization requests that cannot be answered with a
// redirect (unknown client, unusable redirect URI).
type TokenError struct {
	Code        string
	Description string
	ErrorURI    string
	Status      int
	Headers     http.Header
}

// NewTokenError creates a TokenError for code. An empty description picks
// the default for the code. invalid_client maps to HTTP 401 with a
// WWW-Authenticate challenge, everything else to 400.
func NewTokenError(code, description string) *TokenError {
	if description == "" {
		description = defaultDescriptions[code]
	}
	e := &TokenError{
		Code:        code,
		Description: description,
		Status:      http.StatusBadRequest,
	}
	if code == ErrorCodeInvalidClient {
		e.Status = http.StatusUnauthorized
		e.Headers = http.Header{"Www-Authenticate": []string{`Basic realm="token"`}}
	}
	return e
}

// Error implements the error interface.
func (e *TokenError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// RedirectError is an OAuth error delivered by redirecting the user agent
// back to the client with error parameters. The target URI has been
// validated against the client's registration before an instance is built.
type RedirectError struct {
	Code        string
	Description string
	ErrorURI    string

	// RedirectURI is the validated base the user agent is sent to.
	RedirectURI string

	// State echoes the client's state parameter when one was given.
	State string

	// UseFragment delivers the parameters in the URI fragment instead of
	// the query, as the implicit flow requires.
	UseFragment bool
}

// NewRedirectError creates a RedirectError. An empty description picks the
// default for the code.
func NewRedirectError(code, description, redirectURI, state string) *RedirectError {
	if description == "" {
		description = defaultDescriptions[code]
	}
	return &RedirectError{
		Code:        code,
		Description: description,
		RedirectURI: redirectURI,
		State:       state,
	}
}

// Error implements the error interface.
func (e *RedirectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Location builds the URI the user agent is redirected to.
func (e *RedirectError) Location() string {
	params := url.Values{}
	params.Set("error", e.Code)
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.ErrorURI != "" {
		params.Set("error_uri", e.ErrorURI)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return buildRedirect(e.RedirectURI, params, e.UseFragment)
}

// buildRedirect appends params to base in the query or the fragment. The
// base is a registered redirect URI and may already carry a query string.
func buildRedirect(base string, params url.Values, fragment bool) string {
	if fragment {
		return base + "#" + params.Encode()
	}
	sep := "?"
	if u, err := url.Parse(base); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return base + sep + params.Encode()
}
