// Package identity resolves the user behind a new relay connection from the
// metadata of its upgrade request.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// CookieName is the cookie carrying the signed session token.
const CookieName = "token"

// ErrUnauthenticated is returned when the upgrade request carries no usable
// credential. The caller must terminate the connection.
var ErrUnauthenticated = errors.New("identity: unauthenticated")

// Identity is the resolved user attached to a connection. It is immutable once
// attached.
type Identity struct {
	UserID   string
	Username string
}

// Verifier is the Auth Service contract: it turns an opaque credential into an
// Identity or fails.
type Verifier interface {
	Verify(credential string) (Identity, error)
}

// Resolver extracts the credential from the upgrade request and delegates its
// verification.
type Resolver struct {
	verifier Verifier
}

// NewResolver creates a Resolver backed by the given verifier.
func NewResolver(verifier Verifier) *Resolver {
	return &Resolver{verifier: verifier}
}

// Resolve returns the identity of the caller. Every failure, including a
// verifier error, wraps ErrUnauthenticated.
func (r *Resolver) Resolve(req *http.Request) (Identity, error) {
	credential := Credential(req)
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: no credential", ErrUnauthenticated)
	}

	id, err := r.verifier.Verify(credential)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("%w: credential has no user id", ErrUnauthenticated)
	}
	return id, nil
}

// Credential returns the raw credential of a request. Lookup order: the token
// cookie, an Authorization bearer header, then a token query parameter.
func Credential(req *http.Request) string {
	if c, err := req.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := req.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return req.URL.Query().Get(CookieName)
}
