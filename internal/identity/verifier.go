// Package identity defines the token verifier port of the gateway and
// its concrete adapters. The gateway treats verification as an opaque
// async boundary: rejection, error, and nil identity all fail the
// handshake the same way.
package identity

import (
	"context"
	"errors"
)

// ErrTokenRejected is returned by verifiers for tokens that are well-formed
// but not acceptable (expired, unknown, revoked).
var ErrTokenRejected = errors.New("token rejected")

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID   string
	TenantID string
}

// Verifier resolves a bearer token to an identity. Implementations may
// call out to an external session or identity store.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (*Identity, error)
}

// VerifierFunc adapts a plain function to the Verifier interface.
type VerifierFunc func(ctx context.Context, token string) (*Identity, error)

func (f VerifierFunc) VerifyToken(ctx context.Context, token string) (*Identity, error) {
	return f(ctx, token)
}
