package passport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/passportd/passport/instrumentation"
	"github.com/passportd/passport/security"
	"github.com/passportd/passport/storage"
)

// Server bundles the authorization server: storage, token lifecycle,
// authorization endpoint, client authentication, and the HTTP layer.
type Server struct {
	repos storage.Repositories
	tx    storage.Transactor

	config     *Config
	lifecycle  *Lifecycle
	authorizer *Authorizer
	auth       *ClientAuthenticator
	resolver   *AccountResolver
	handler    *Handler

	auditor *security.Auditor
	limiter *security.RateLimiter
	inst    *instrumentation.Instrumentation
}

// ServerOptions configures NewServer. Repositories and Transactor are
// required; everything else has working defaults.
type ServerOptions struct {
	Repositories storage.Repositories
	Transactor   storage.Transactor
	Config       *Config

	// Users verifies resource-owner credentials for the password grant.
	// Optional; without it the grant fails with unsupported_grant_type.
	Users UserAuthenticator

	// ResourceOwner extracts the authenticated owner on the authorization
	// endpoint. Optional; without it approvals are rejected.
	ResourceOwner ResourceOwnerFunc

	// UserDirectory hydrates user records on resolved accounts. Optional.
	UserDirectory UserDirectory

	// SecretVerifier checks client secrets. Defaults to bcrypt.
	SecretVerifier security.SecretVerifier

	// Instrumentation enables metrics and tracing. Optional.
	Instrumentation *instrumentation.Instrumentation
}

// NewServer validates options and assembles a Server.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Repositories.Clients == nil || opts.Repositories.Scopes == nil || opts.Repositories.Tokens == nil {
		return nil, errors.New("all repositories are required")
	}
	if opts.Transactor == nil {
		return nil, errors.New("transactor is required")
	}

	config := opts.Config
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()

	s := &Server{
		repos:  opts.Repositories,
		tx:     opts.Transactor,
		config: config,
		inst:   opts.Instrumentation,
	}

	if config.AuditEnabled {
		s.auditor = security.NewAuditor(config.Logger, true)
	}
	if config.RateLimitPerSecond > 0 {
		s.limiter = security.NewRateLimiter(config.RateLimitPerSecond, config.RateLimitBurst, config.Logger)
	}

	s.auth = NewClientAuthenticator(opts.Repositories.Clients, opts.SecretVerifier, s.auditor, config.Logger)
	s.lifecycle = NewLifecycle(opts.Repositories, opts.Transactor, config, opts.Users)
	s.lifecycle.SetAuditor(s.auditor)
	s.authorizer = NewAuthorizer(opts.Repositories.Clients, s.lifecycle, config)
	s.authorizer.SetAuditor(s.auditor)
	s.resolver = NewAccountResolver(opts.Repositories.Tokens, opts.UserDirectory, config)
	s.handler = NewHandler(s.auth, s.lifecycle, s.authorizer, s.resolver, config, opts.ResourceOwner)
	s.handler.SetAuditor(s.auditor)
	s.handler.SetRateLimiter(s.limiter)

	if s.inst != nil {
		s.lifecycle.SetMetrics(s.inst.Metrics())
		s.handler.SetInstrumentation(s.inst)
		if err := s.registerStoreGauges(); err != nil {
			return nil, fmt.Errorf("registering store gauges: %w", err)
		}
	}
	return s, nil
}

// Handler returns the HTTP routes for the authorization and token endpoints.
func (s *Server) Handler() http.Handler {
	return s.handler.Routes()
}

// Lifecycle exposes the token lifecycle for programmatic issuance.
func (s *Server) Lifecycle() *Lifecycle { return s.lifecycle }

// Authorizer exposes authorization-request validation for custom consent
// flows.
func (s *Server) Authorizer() *Authorizer { return s.authorizer }

// Resolver exposes bearer-token resolution for resource servers running in
// the same process.
func (s *Server) Resolver() *AccountResolver { return s.resolver }

// Authenticate is the bearer middleware for resource endpoints.
func (s *Server) Authenticate(next http.Handler) http.Handler {
	return s.handler.Authenticate(next)
}

// SetConsentPrompt replaces the built-in consent page.
func (s *Server) SetConsentPrompt(fn ConsentPromptFunc) { s.handler.SetConsentPrompt(fn) }

// Close releases background resources.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

// RegisterClient validates and persists a client with its scope bindings.
func (s *Server) RegisterClient(ctx context.Context, client *storage.Client) error {
	if err := client.Validate(); err != nil {
		return fmt.Errorf("validating client: %w", err)
	}
	for _, scopeID := range client.ScopeIDs {
		if _, err := s.repos.Scopes.Read(ctx, scopeID); err != nil {
			return fmt.Errorf("resolving scope %q: %w", scopeID, err)
		}
	}
	if err := s.repos.Clients.Create(ctx, client); err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	if s.auditor != nil {
		s.auditor.LogEvent(security.Event{
			Type:     security.EventClientRegistered,
			ClientID: client.ID,
		})
	}
	s.config.Logger.Info("Client registered", "client_id", client.ID, "confidential", client.Confidential)
	return nil
}

// RegisterScope persists a scope definition.
func (s *Server) RegisterScope(ctx context.Context, scope *storage.Scope) error {
	if scope.ID == "" {
		return errors.New("scope ID is required")
	}
	return s.repos.Scopes.Create(ctx, scope)
}

// RevokeToken disables the token row with the given identifier. Unlike the
// revocation endpoint this is an administrative action and skips client
// ownership checks.
func (s *Server) RevokeToken(ctx context.Context, id int64) error {
	if err := s.repos.Tokens.Disable(ctx, id); err != nil {
		return fmt.Errorf("disabling token: %w", err)
	}
	if s.auditor != nil {
		s.auditor.LogTokenRevoked("", "", "")
	}
	return nil
}

// registerStoreGauges wires observable store-size gauges over the Index
// methods. Acceptable for the store sizes this server targets; large
// deployments should override with store-native counters.
func (s *Server) registerStoreGauges() error {
	count := func(list func(context.Context) (int, error)) instrumentation.StoreSizeCallback {
		return func() int64 {
			n, err := list(context.Background())
			if err != nil {
				return -1
			}
			return int64(n)
		}
	}
	return s.inst.RegisterStoreSizeCallbacks(
		nil, // token rows are unbounded; no cheap count exists on the repository
		count(func(ctx context.Context) (int, error) {
			clients, err := s.repos.Clients.Index(ctx)
			return len(clients), err
		}),
		count(func(ctx context.Context) (int, error) {
			scopes, err := s.repos.Scopes.Index(ctx)
			return len(scopes), err
		}),
	)
}
