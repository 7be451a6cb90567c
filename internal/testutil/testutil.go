// Package testutil provides fixtures and helpers shared by the test suites.
package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/passportd/passport/storage"
)

// MockTime is a controllable time source for deterministic tests.
type MockTime struct {
	now time.Time
}

// NewMockTime creates a mock time provider starting at t.
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time.
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by d.
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// Set sets the mock time to t.
func (m *MockTime) Set(t time.Time) {
	m.now = t
}

// GenerateRandomString returns a random base64url string of the given length.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// TestSecret is the plaintext secret every confidential fixture uses.
const TestSecret = "secret"

// TestSecretHash is a bcrypt hash of TestSecret at MinCost, computed once so
// fixtures don't pay the bcrypt cost on every test.
var TestSecretHash = func() string {
	hash, err := bcrypt.GenerateFromPassword([]byte(TestSecret), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("failed to hash test secret: %v", err))
	}
	return string(hash)
}()

// NewConfidentialClient returns a confidential client fixture with the code
// and refresh grants enabled and "secret" as its secret.
func NewConfidentialClient(id string) *storage.Client {
	return &storage.Client{
		ID:           id,
		Name:         "Test Client " + id,
		Confidential: true,
		SecretHash:   TestSecretHash,
		RedirectURIs: []string{"https://example.com/callback"},
		ScopeIDs:     []string{"read", "write"},
		CodeGrant:    true,
		CreatedAt:    time.Now(),
	}
}

// NewPublicClient returns a public client fixture with the implicit grant
// enabled and no credentials.
func NewPublicClient(id string) *storage.Client {
	return &storage.Client{
		ID:            id,
		Name:          "Public Client " + id,
		RedirectURIs:  []string{"https://example.com/callback"},
		ScopeIDs:      []string{"read"},
		ImplicitGrant: true,
		CreatedAt:     time.Now(),
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want.
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertStringContains fails the test if s does not contain substr.
func AssertStringContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("string %q does not contain %q", s, substr)
	}
}

// AssertTimeEqual asserts two times are equal within a tolerance.
func AssertTimeEqual(t *testing.T, got, want time.Time, tolerance time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("time mismatch: got %v, want %v (tolerance %v)", got, want, tolerance)
	}
}

// HTTPRequest builds test HTTP requests against a handler.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// NewHTTPRequest creates an HTTP request helper.
func NewHTTPRequest(method, target string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     target,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header.
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithBasicAuth adds an Authorization header with HTTP Basic credentials.
func (r *HTTPRequest) WithBasicAuth(username, password string) *HTTPRequest {
	creds := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return r.WithHeader("Authorization", "Basic "+creds)
}

// WithForm sets a URL-encoded form body and the matching content type.
func (r *HTTPRequest) WithForm(form url.Values) *HTTPRequest {
	r.Body = form.Encode()
	return r.WithHeader("Content-Type", "application/x-www-form-urlencoded")
}

// Do executes the request against handler and returns the recorder.
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	var req *http.Request
	if r.Body != "" {
		req = httptest.NewRequest(r.Method, r.URL, strings.NewReader(r.Body))
	} else {
		req = httptest.NewRequest(r.Method, r.URL, nil)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
