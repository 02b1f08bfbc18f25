package auth

import "errors"

var (
	// ErrUnauthorized is the only error the verifier exposes; sub-reasons
	// stay in the logs.
	ErrUnauthorized = errors.New("auth: unauthorized")

	// ErrForbidden marks a valid identity lacking the required role.
	ErrForbidden = errors.New("auth: forbidden")
)
