package security

// Event type constants for audit logging. Using constants keeps event names
// consistent across the codebase.
const (
	// EventCodeIssued is logged when an authorization code is issued.
	EventCodeIssued = "authorization_code_issued"

	// EventCodeRedeemed is logged when an authorization code is exchanged
	// for tokens.
	EventCodeRedeemed = "authorization_code_redeemed"

	// EventCodeReplayDetected is logged when a redemption attempt hits an
	// already-redeemed code.
	EventCodeReplayDetected = "authorization_code_replay_detected"

	// EventTokenIssued is logged when an access token is issued.
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a token is rotated via a refresh
	// token.
	EventTokenRefreshed = "token_refreshed"

	// EventRefreshReuseDetected is logged when a superseded refresh token
	// is presented again.
	EventRefreshReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // event type name, not a credential

	// EventTokenRevoked is logged when a token is revoked or disabled.
	EventTokenRevoked = "token_revoked"

	// EventAuthFailure is logged when client or owner authentication fails.
	EventAuthFailure = "auth_failure"

	// EventAccessDenied is logged when the resource owner declines an
	// authorization request.
	EventAccessDenied = "access_denied"

	// EventInvalidRedirect is logged when a request names a redirect URI
	// the client has not registered.
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeDenied is logged when a scope request exceeds what the
	// client may hold.
	EventScopeDenied = "scope_denied"

	// EventRateLimitExceeded is logged when a rate limit trips.
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventClientRegistered is logged when a client is created.
	EventClientRegistered = "client_registered"
)
