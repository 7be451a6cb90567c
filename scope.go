package passport

import (
	"errors"
	"strings"

	"github.com/passportd/passport/storage"
)

// ErrScopeDenied is returned by ResolveScopes when the request cannot be
// granted. Callers translate it into invalid_scope on their own delivery
// channel.
var ErrScopeDenied = errors.New("requested scope cannot be granted")

// ResolveScopes decides the effective scope set for a request.
//
// An empty request falls back to the client's full scope list, even an
// empty one, when the client opted into defaults; otherwise it is denied.
// A request that is a subset of the client's list is granted as requested,
// order preserved. A request naming any scope outside the client's list is
// granted in full only when the client allows excess, otherwise denied.
func ResolveScopes(client *storage.Client, requested []string) ([]string, error) {
	if len(requested) == 0 {
		if client.UseDefaultScopesOnEmpty {
			return append([]string(nil), client.ScopeIDs...), nil
		}
		return nil, ErrScopeDenied
	}

	allowed := make(map[string]struct{}, len(client.ScopeIDs))
	for _, id := range client.ScopeIDs {
		allowed[id] = struct{}{}
	}

	for _, id := range requested {
		if _, ok := allowed[id]; !ok {
			if client.AllowScopeExcess {
				return append([]string(nil), requested...), nil
			}
			return nil, ErrScopeDenied
		}
	}
	return append([]string(nil), requested...), nil
}

// narrowScopes validates a refresh-grant scope request against the scopes
// already bound to the token. Scopes can only be kept or narrowed, never
// widened. An empty request keeps the current set.
func narrowScopes(current, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return append([]string(nil), current...), nil
	}

	held := make(map[string]struct{}, len(current))
	for _, id := range current {
		held[id] = struct{}{}
	}
	for _, id := range requested {
		if _, ok := held[id]; !ok {
			return nil, ErrScopeDenied
		}
	}
	return append([]string(nil), requested...), nil
}

// splitScope parses a space-delimited scope parameter into IDs, dropping
// empty segments.
func splitScope(scope string) []string {
	return strings.Fields(scope)
}
