package passport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/passportd/passport/security"
	"github.com/passportd/passport/storage"
)

// AuthorizationRequest holds the raw query parameters of a GET /authorize
// request.
type AuthorizationRequest struct {
	ClientID     string
	ResponseType string
	RedirectURI  string
	Scope        string
	State        string
}

// Authorizer validates authorization requests and turns resource-owner
// decisions into codes or implicit tokens.
//
// Error delivery follows the two-channel rule: until the client identity and
// redirect URI are both established the caller gets a *TokenError to render
// directly, never a redirect. From that point on, errors travel to the
// client as a *RedirectError.
type Authorizer struct {
	clients   storage.ClientRepository
	lifecycle *Lifecycle
	config    *Config
	auditor   *security.Auditor
	logger    *slog.Logger
}

// NewAuthorizer creates an authorizer over the given client repository and
// token lifecycle.
func NewAuthorizer(clients storage.ClientRepository, lifecycle *Lifecycle, config *Config) *Authorizer {
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()
	return &Authorizer{
		clients:   clients,
		lifecycle: lifecycle,
		config:    config,
		logger:    config.Logger,
	}
}

// SetAuditor attaches a security auditor.
func (a *Authorizer) SetAuditor(aud *security.Auditor) { a.auditor = aud }

// ValidateAuthorization checks an authorization request and produces the
// consent data a UI needs. It performs no writes.
//
// An unknown client or an unusable redirect URI fails with a *TokenError; the
// user agent must never be forwarded to an unvalidated location. Everything
// after that point fails with a *RedirectError carrying the client's state.
func (a *Authorizer) ValidateAuthorization(ctx context.Context, req AuthorizationRequest) (*ConsentData, error) {
	if req.ClientID == "" {
		return nil, NewTokenError(ErrorCodeInvalidRequest, "Missing client_id parameter")
	}

	client, err := a.clients.Read(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, NewTokenError(ErrorCodeInvalidRequest, "Unknown client")
		}
		return nil, fmt.Errorf("reading client: %w", err)
	}

	redirectURI, err := a.resolveRedirectURI(client, req.RedirectURI)
	if err != nil {
		if a.auditor != nil {
			a.auditor.LogEvent(security.Event{
				Type:     security.EventInvalidRedirect,
				ClientID: client.ID,
				Details:  map[string]any{"redirect_uri": req.RedirectURI},
			})
		}
		return nil, err
	}

	// The redirect URI is validated; protocol errors from here on are
	// deliverable.
	fragment := req.ResponseType == ResponseTypeToken

	switch req.ResponseType {
	case ResponseTypeCode:
		if !client.CodeGrant {
			return nil, a.redirectError(ErrorCodeUnauthorizedClient, "Client is not allowed the authorization code flow", redirectURI, req.State, fragment)
		}
	case ResponseTypeToken:
		if !client.ImplicitGrant {
			return nil, a.redirectError(ErrorCodeUnauthorizedClient, "Client is not allowed the implicit flow", redirectURI, req.State, fragment)
		}
	case "":
		return nil, a.redirectError(ErrorCodeInvalidRequest, "Missing response_type parameter", redirectURI, req.State, false)
	default:
		return nil, a.redirectError(ErrorCodeUnsupportedResponseType, "", redirectURI, req.State, false)
	}

	scopeIDs, err := ResolveScopes(client, splitScope(req.Scope))
	if err != nil {
		if a.auditor != nil {
			a.auditor.LogEvent(security.Event{
				Type:     security.EventScopeDenied,
				ClientID: client.ID,
				Details:  map[string]any{"scope": req.Scope},
			})
		}
		return nil, a.redirectError(ErrorCodeInvalidScope, "", redirectURI, req.State, fragment)
	}

	return &ConsentData{
		Client:       client,
		ScopeIDs:     scopeIDs,
		RedirectURI:  redirectURI,
		ResponseType: req.ResponseType,
		State:        req.State,
	}, nil
}

// Decide completes an authorization request with the resource owner's
// verdict and returns the absolute URI to send the user agent to.
func (a *Authorizer) Decide(ctx context.Context, decision AuthorizationDecision) (string, error) {
	consent := decision.Consent
	if consent == nil || consent.Client == nil || consent.RedirectURI == "" {
		return "", NewTokenError(ErrorCodeInvalidRequest, "Incomplete authorization decision")
	}
	fragment := consent.ResponseType == ResponseTypeToken

	if !decision.Approved {
		if a.auditor != nil {
			a.auditor.LogEvent(security.Event{
				Type:     security.EventAccessDenied,
				UserID:   decision.UserID,
				ClientID: consent.Client.ID,
			})
		}
		a.logger.Info("Authorization denied by resource owner", "client_id", consent.Client.ID)
		redirect := NewRedirectError(ErrorCodeAccessDenied, "", consent.RedirectURI, consent.State)
		redirect.UseFragment = fragment
		return redirect.Location(), nil
	}
	if decision.UserID == "" {
		return "", NewTokenError(ErrorCodeInvalidRequest, "Approval requires an authenticated resource owner")
	}

	switch consent.ResponseType {
	case ResponseTypeCode:
		return a.completeCode(ctx, consent, decision.UserID)
	case ResponseTypeToken:
		return a.completeImplicit(ctx, consent, decision.UserID)
	default:
		return "", NewTokenError(ErrorCodeInvalidRequest, "Unknown response type in decision")
	}
}

func (a *Authorizer) completeCode(ctx context.Context, consent *ConsentData, userID string) (string, error) {
	code, err := a.lifecycle.IssueCode(ctx, consent.Client, userID, consent.ScopeIDs, "")
	if err != nil {
		var tokenErr *TokenError
		if errors.As(err, &tokenErr) {
			return "", a.redirectError(tokenErr.Code, tokenErr.Description, consent.RedirectURI, consent.State, false)
		}
		a.logger.Error("Failed to issue authorization code", "client_id", consent.Client.ID, "error", err)
		return "", a.redirectError(ErrorCodeServerError, "", consent.RedirectURI, consent.State, false)
	}

	params := url.Values{}
	params.Set("code", code)
	if consent.State != "" {
		params.Set("state", consent.State)
	}
	return buildRedirect(consent.RedirectURI, params, false), nil
}

// completeImplicit delivers the token in the fragment so it never reaches
// the redirect target's server logs. No refresh token is issued.
func (a *Authorizer) completeImplicit(ctx context.Context, consent *ConsentData, userID string) (string, error) {
	client := consent.Client
	if !client.ImplicitGrant {
		return "", a.redirectError(ErrorCodeUnauthorizedClient, "", consent.RedirectURI, consent.State, true)
	}

	value := a.lifecycle.newValue()
	err := a.lifecycle.tx.InTransaction(ctx, func(r storage.Repositories) error {
		id, err := r.Tokens.CreateToken(ctx, client.ID, userID, value, a.config.TokenType, "")
		if err != nil {
			return err
		}
		return r.Tokens.BindScopeIDs(ctx, id, consent.ScopeIDs)
	})
	if err != nil {
		a.logger.Error("Failed to issue implicit token", "client_id", client.ID, "error", err)
		return "", a.redirectError(ErrorCodeServerError, "", consent.RedirectURI, consent.State, true)
	}

	if a.auditor != nil {
		a.auditor.LogTokenIssued(userID, client.ID, "", "implicit", joinScope(consent.ScopeIDs))
	}
	a.lifecycle.recordGrant(ctx, "implicit", "issued")
	a.logger.Info("Implicit token issued", "client_id", client.ID)

	params := url.Values{}
	params.Set("access_token", value)
	params.Set("token_type", a.config.TokenType)
	params.Set("expires_in", strconv.FormatInt(int64(a.config.AccessTTL()/time.Second), 10))
	params.Set("scope", joinScope(consent.ScopeIDs))
	if consent.State != "" {
		params.Set("state", consent.State)
	}
	return buildRedirect(consent.RedirectURI, params, true), nil
}

// resolveRedirectURI validates the requested redirect URI against the
// client's registered list by exact string comparison. When the request
// omits the parameter and the client has exactly one registered URI, that
// one is used.
func (a *Authorizer) resolveRedirectURI(client *storage.Client, requested string) (string, error) {
	if requested == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], nil
		}
		return "", NewTokenError(ErrorCodeInvalidRequest, "Missing redirect_uri parameter")
	}
	if !slices.Contains(client.RedirectURIs, requested) {
		return "", NewTokenError(ErrorCodeInvalidRequest, "Redirect URI does not match a registered URI")
	}
	return requested, nil
}

func (a *Authorizer) redirectError(code, description, redirectURI, state string, fragment bool) *RedirectError {
	redirect := NewRedirectError(code, description, redirectURI, state)
	redirect.UseFragment = fragment
	return redirect
}
