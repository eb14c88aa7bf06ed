package cred

import "errors"

var (
	// ErrSecretUnavailable is returned when the long-lived secret backing an
	// identity cannot be resolved (missing file, bad reference). The identity
	// is unusable until its configuration is fixed.
	ErrSecretUnavailable = errors.New("secret unavailable")

	// ErrAuthDenied is returned when the external authorization service
	// rejects a token exchange (invalid secret, revoked identity,
	// insufficient grant).
	ErrAuthDenied = errors.New("authorization denied")

	// ErrIdentityNotFound is returned when an identity is not found in the registry
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrIdentityAlreadyRegistered is returned when attempting to register a duplicate identity
	ErrIdentityAlreadyRegistered = errors.New("identity already registered")
)
