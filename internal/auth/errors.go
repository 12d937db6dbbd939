package auth

import "errors"

// Sentinel errors for credential checks. Callers classify failures
// with errors.Is instead of matching message text.
var (
	// ErrUnauthorized means the request carried no usable bearer
	// credential.
	ErrUnauthorized = errors.New("auth: unauthorized")

	// ErrInvalidToken means a token was presented but failed
	// signature, expiry, or claim validation.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrForbidden means the identity is valid but its role is below
	// what the route requires.
	ErrForbidden = errors.New("auth: forbidden")
)
