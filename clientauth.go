package passport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/passportd/passport/internal/util"
	"github.com/passportd/passport/security"
	"github.com/passportd/passport/storage"
)

// ClientAuthenticator establishes the identity of the client behind a token
// request. Only HTTP Basic credentials are accepted; credentials in the
// request body do not authenticate a client, though a body client_id is
// cross-checked against the Basic login when present.
type ClientAuthenticator struct {
	clients  storage.ClientRepository
	verifier security.SecretVerifier
	auditor  *security.Auditor
	logger   *slog.Logger
}

// NewClientAuthenticator creates a client authenticator. A nil verifier
// defaults to bcrypt.
func NewClientAuthenticator(clients storage.ClientRepository, verifier security.SecretVerifier, auditor *security.Auditor, logger *slog.Logger) *ClientAuthenticator {
	if verifier == nil {
		verifier = security.BcryptVerifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientAuthenticator{
		clients:  clients,
		verifier: verifier,
		auditor:  auditor,
		logger:   logger,
	}
}

// Authenticate resolves and verifies the client on r.
//
// Failures are deliberately coarse: an unknown client and a wrong secret
// both yield invalid_client, and the secret comparison runs even for unknown
// clients so response timing does not reveal which case occurred.
func (a *ClientAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*storage.Client, error) {
	clientID, secret, ok := r.BasicAuth()
	if !ok || clientID == "" {
		return nil, NewTokenError(ErrorCodeInvalidRequest, "Client authentication required via HTTP Basic")
	}

	if bodyID := r.PostFormValue("client_id"); bodyID != "" && bodyID != clientID {
		a.audit(clientID, r, "client_id mismatch between header and body")
		return nil, NewTokenError(ErrorCodeInvalidClient, "")
	}

	client, err := a.clients.Read(ctx, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrClientNotFound) {
			return nil, err
		}
		// Burn a comparison so unknown clients cost the same as bad
		// secrets.
		a.verifier.Verify("", secret)
		a.audit(clientID, r, "unknown client")
		return nil, NewTokenError(ErrorCodeInvalidClient, "")
	}

	// Enforcement keys on registered credentials, not the confidential
	// flag: any client holding a secret must present and verify it, and a
	// missing password fails the same way as a wrong one. Confidential
	// clients always carry credentials (Validate requires it).
	if client.Confidential || client.HasCredentials() {
		if !a.verifier.Verify(client.SecretHash, secret) {
			a.audit(clientID, r, "secret verification failed")
			return nil, NewTokenError(ErrorCodeInvalidClient, "")
		}
		return client, nil
	}

	// Credential-less public clients authenticate by identifier alone.
	return client, nil
}

func (a *ClientAuthenticator) audit(clientID string, r *http.Request, reason string) {
	// clientID is attacker-controlled input; keep log lines bounded.
	clientID = util.SafeTruncate(clientID, 64)
	a.logger.Warn("Client authentication failed", "client_id", clientID, "reason", reason)
	if a.auditor != nil {
		a.auditor.LogAuthFailure("", clientID, security.GetClientIP(r, false, 0), reason)
	}
}
