package passport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/passportd/passport/instrumentation"
	"github.com/passportd/passport/internal/util"
	"github.com/passportd/passport/security"
)

// ResourceOwnerFunc extracts the authenticated resource owner from an
// authorization-endpoint request. How the owner authenticated (session
// cookie, reverse-proxy header) is the host application's business.
type ResourceOwnerFunc func(r *http.Request) (string, error)

// ConsentPromptFunc renders the consent page for a validated authorization
// request. The form must POST back to the authorization endpoint carrying
// the original parameters plus an "action" of "approve" or "deny".
type ConsentPromptFunc func(w http.ResponseWriter, r *http.Request, consent *ConsentData)

type contextKey string

const accountContextKey contextKey = "passport.account"

// AccountFromContext returns the account the bearer middleware attached, or
// nil outside an authenticated request.
func AccountFromContext(ctx context.Context) *Account {
	account, _ := ctx.Value(accountContextKey).(*Account)
	return account
}

// Handler exposes the authorization and token endpoints over HTTP.
type Handler struct {
	auth       *ClientAuthenticator
	lifecycle  *Lifecycle
	authorizer *Authorizer
	resolver   *AccountResolver
	config     *Config

	owner   ResourceOwnerFunc
	consent ConsentPromptFunc

	limiter *security.RateLimiter
	auditor *security.Auditor
	inst    *instrumentation.Instrumentation
	logger  *slog.Logger
}

// NewHandler assembles the HTTP layer. owner is required for the
// authorization endpoint to accept approvals; consent defaults to a minimal
// built-in page.
func NewHandler(auth *ClientAuthenticator, lifecycle *Lifecycle, authorizer *Authorizer, resolver *AccountResolver, config *Config, owner ResourceOwnerFunc) *Handler {
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()
	h := &Handler{
		auth:       auth,
		lifecycle:  lifecycle,
		authorizer: authorizer,
		resolver:   resolver,
		config:     config,
		owner:      owner,
		logger:     config.Logger,
	}
	h.consent = h.defaultConsentPrompt
	return h
}

// SetConsentPrompt replaces the built-in consent page.
func (h *Handler) SetConsentPrompt(fn ConsentPromptFunc) {
	if fn != nil {
		h.consent = fn
	}
}

// SetRateLimiter enables per-IP rate limiting on all endpoints.
func (h *Handler) SetRateLimiter(rl *security.RateLimiter) { h.limiter = rl }

// SetAuditor attaches a security auditor.
func (h *Handler) SetAuditor(a *security.Auditor) { h.auditor = a }

// SetInstrumentation attaches HTTP metrics and tracing.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) { h.inst = inst }

// Routes returns the endpoint mux. Every route carries the request-ID and
// rate-limit middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /authorize", h.instrumented("/authorize", h.handleAuthorizeGet))
	mux.HandleFunc("POST /authorize", h.instrumented("/authorize", h.handleAuthorizePost))
	mux.HandleFunc("POST /token", h.instrumented("/token", h.handleToken))
	mux.HandleFunc("POST /revoke", h.instrumented("/revoke", h.handleRevoke))
	return security.RequestIDMiddleware(mux)
}

// Authenticate is middleware for resource endpoints: it validates the bearer
// token and attaches the resolved Account to the request context.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value := bearerValue(r)
		account, err := h.resolver.Resolve(r.Context(), value)
		if err != nil {
			w.Header().Set("Www-Authenticate", `Bearer realm="passport", error="invalid_token"`)
			tokenErr := NewTokenError(ErrorCodeInvalidToken, "")
			tokenErr.Status = http.StatusUnauthorized
			h.writeTokenError(w, r, tokenErr)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountContextKey, account)))
	})
}

// RequireScope is middleware that rejects authenticated requests lacking the
// given scope. It must run inside Authenticate.
func (h *Handler) RequireScope(scopeID string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account := AccountFromContext(r.Context())
		if account == nil || !account.HasScope(scopeID) {
			w.Header().Set("Www-Authenticate", `Bearer realm="passport", error="insufficient_scope"`)
			tokenErr := NewTokenError(ErrorCodeAccessDenied, "Token lacks the required scope")
			tokenErr.Status = http.StatusForbidden
			h.writeTokenError(w, r, tokenErr)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	// Token responses must never be cached, errors included.
	security.SetNoStoreHeaders(w)

	if !h.allow(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeTokenError(w, r, NewTokenError(ErrorCodeInvalidRequest, "Malformed request body"))
		return
	}

	client, err := h.auth.Authenticate(r.Context(), r)
	if err != nil {
		h.writeTokenError(w, r, err)
		return
	}

	ip := h.clientIP(r)
	grantType := r.PostFormValue("grant_type")
	ctx := r.Context()

	var span trace.Span
	if h.inst != nil {
		ctx, span = h.inst.Tracer("http").Start(ctx, "token."+grantType)
		defer span.End()
		instrumentation.AddGrantAttributes(span, grantType, client.ID, "", r.PostFormValue("scope"))
		if h.inst.ShouldLogClientIPs() {
			instrumentation.AddSecurityAttributes(span, ip)
		}
	}

	var grant *Grant
	switch grantType {
	case GrantTypeAuthorizationCode:
		grant, err = h.lifecycle.RedeemCode(ctx, client, r.PostFormValue("code"), r.PostFormValue("redirect_uri"), ip)
	case GrantTypePassword:
		grant, err = h.lifecycle.PasswordGrant(ctx, client, r.PostFormValue("username"), r.PostFormValue("password"), r.PostFormValue("scope"), ip)
	case GrantTypeClientCredentials:
		grant, err = h.lifecycle.ClientCredentialsGrant(ctx, client, r.PostFormValue("scope"), ip)
	case GrantTypeRefreshToken:
		grant, err = h.lifecycle.Refresh(ctx, client, r.PostFormValue("refresh_token"), r.PostFormValue("scope"), ip)
	case "":
		err = NewTokenError(ErrorCodeInvalidRequest, "Missing grant_type parameter")
	default:
		err = NewTokenError(ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("Grant type %q is not supported", util.SafeTruncate(grantType, 64)))
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeTokenError(w, r, err)
		return
	}
	instrumentation.SetSpanSuccess(span)
	h.writeGrant(w, grant)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	security.SetNoStoreHeaders(w)

	if !h.allow(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeTokenError(w, r, NewTokenError(ErrorCodeInvalidRequest, "Malformed request body"))
		return
	}

	client, err := h.auth.Authenticate(r.Context(), r)
	if err != nil {
		h.writeTokenError(w, r, err)
		return
	}

	if err := h.lifecycle.Revoke(r.Context(), client, r.PostFormValue("token"), h.clientIP(r)); err != nil {
		h.writeTokenError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleAuthorizeGet(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.config.Issuer)
	if !h.allow(w, r) {
		return
	}

	consent, err := h.authorizer.ValidateAuthorization(r.Context(), authorizationRequestFromValues(r.URL.Query()))
	if err != nil {
		h.writeAuthorizeError(w, r, err)
		return
	}
	h.consent(w, r, consent)
}

func (h *Handler) handleAuthorizePost(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.config.Issuer)
	if !h.allow(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeTokenError(w, r, NewTokenError(ErrorCodeInvalidRequest, "Malformed request body"))
		return
	}

	// Never trust parameters echoed through the consent form; re-validate
	// the full request before acting on the decision.
	consent, err := h.authorizer.ValidateAuthorization(r.Context(), authorizationRequestFromValues(r.PostForm))
	if err != nil {
		h.writeAuthorizeError(w, r, err)
		return
	}

	decision := AuthorizationDecision{
		Consent:  consent,
		Approved: r.PostFormValue("action") == "approve",
	}
	if decision.Approved {
		if h.owner == nil {
			h.writeAuthorizeError(w, r, NewTokenError(ErrorCodeServerError, "Resource owner authentication is not configured"))
			return
		}
		userID, err := h.owner(r)
		if err != nil || userID == "" {
			h.writeAuthorizeError(w, r, NewTokenError(ErrorCodeAccessDenied, "Resource owner is not authenticated"))
			return
		}
		decision.UserID = userID
	}

	location, err := h.authorizer.Decide(r.Context(), decision)
	if err != nil {
		h.writeAuthorizeError(w, r, err)
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

func (h *Handler) defaultConsentPrompt(w http.ResponseWriter, r *http.Request, consent *ConsentData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><body><h1>Authorize ")
	b.WriteString(html.EscapeString(consent.Client.Name))
	b.WriteString("</h1><p>Requested scopes:</p><ul>")
	for _, scopeID := range consent.ScopeIDs {
		b.WriteString("<li>")
		b.WriteString(html.EscapeString(scopeID))
		b.WriteString("</li>")
	}
	b.WriteString(`</ul><form method="post" action="">`)
	writeHiddenField(&b, "client_id", consent.Client.ID)
	writeHiddenField(&b, "response_type", consent.ResponseType)
	writeHiddenField(&b, "redirect_uri", consent.RedirectURI)
	writeHiddenField(&b, "scope", joinScope(consent.ScopeIDs))
	writeHiddenField(&b, "state", consent.State)
	b.WriteString(`<button name="action" value="approve">Approve</button> `)
	b.WriteString(`<button name="action" value="deny">Deny</button>`)
	b.WriteString("</form></body></html>")

	if _, err := w.Write([]byte(b.String())); err != nil {
		h.logger.Error("Failed to write consent page", "error", err)
	}
}

func writeHiddenField(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	b.WriteString(`<input type="hidden" name="`)
	b.WriteString(html.EscapeString(name))
	b.WriteString(`" value="`)
	b.WriteString(html.EscapeString(value))
	b.WriteString(`">`)
}

func (h *Handler) writeGrant(w http.ResponseWriter, grant *Grant) {
	security.SetNoStoreHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(tokenResponse{
		AccessToken:  grant.AccessToken,
		TokenType:    grant.TokenType,
		ExpiresIn:    grant.ExpiresIn,
		RefreshToken: grant.RefreshToken,
		Scope:        grant.Scope(),
	}); err != nil {
		h.logger.Error("Failed to write token response", "error", err)
	}
}

// writeTokenError renders any error as a JSON body. Non-protocol errors are
// logged with the request ID and masked as server_error.
func (h *Handler) writeTokenError(w http.ResponseWriter, r *http.Request, err error) {
	security.SetNoStoreHeaders(w)

	var tokenErr *TokenError
	if !errors.As(err, &tokenErr) {
		h.logger.Error("Internal error on endpoint",
			"path", r.URL.Path,
			"request_id", security.GetRequestID(r.Context()),
			"error", err,
		)
		tokenErr = NewTokenError(ErrorCodeServerError, "")
	}

	for name, values := range tokenErr.Headers {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(tokenErr.Status)
	if encodeErr := json.NewEncoder(w).Encode(errorResponse{
		Error:            tokenErr.Code,
		ErrorDescription: tokenErr.Description,
		ErrorURI:         tokenErr.ErrorURI,
	}); encodeErr != nil {
		h.logger.Error("Failed to write error response", "error", encodeErr)
	}
}

// writeAuthorizeError routes an authorization-endpoint error to the right
// channel: redirect errors go back to the client's callback, everything else
// renders directly to the user agent.
func (h *Handler) writeAuthorizeError(w http.ResponseWriter, r *http.Request, err error) {
	var redirect *RedirectError
	if errors.As(err, &redirect) {
		http.Redirect(w, r, redirect.Location(), http.StatusFound)
		return
	}
	h.writeTokenError(w, r, err)
}

func (h *Handler) allow(w http.ResponseWriter, r *http.Request) bool {
	if h.limiter == nil {
		return true
	}
	ip := h.clientIP(r)
	if h.limiter.Allow(ip) {
		return true
	}
	if h.auditor != nil {
		h.auditor.LogRateLimitExceeded(ip, "")
	}
	if h.inst != nil {
		h.inst.Metrics().RecordRateLimitExceeded(r.Context(), "per_ip")
	}
	tokenErr := NewTokenError(ErrorCodeRateLimitExceeded, "")
	tokenErr.Status = http.StatusTooManyRequests
	h.writeTokenError(w, r, tokenErr)
	return false
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
}

// instrumented wraps an endpoint with request metrics.
func (h *Handler) instrumented(endpoint string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.inst == nil {
			fn(w, r)
			return
		}
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(recorder, r)
		h.inst.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, recorder.status, float64(time.Since(start).Milliseconds()))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func bearerValue(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

func authorizationRequestFromValues(values map[string][]string) AuthorizationRequest {
	get := func(key string) string {
		if v, ok := values[key]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}
	return AuthorizationRequest{
		ClientID:     get("client_id"),
		ResponseType: get("response_type"),
		RedirectURI:  get("redirect_uri"),
		Scope:        get("scope"),
		State:        get("state"),
	}
}
