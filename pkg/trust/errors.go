package trust

import "errors"

var (
	// ErrNotFound is returned when no certificate exists for a server identity.
	ErrNotFound = errors.New("certificate not found")
	// ErrUnknownAuthority is returned by Verify when the authority fingerprint is not registered.
	ErrUnknownAuthority = errors.New("unknown certificate authority")
	// ErrAuthorityExists is returned when an authority with the same fingerprint is already registered.
	ErrAuthorityExists = errors.New("certificate authority already registered")
	// ErrInvalidServerID is returned for identities that are empty after normalization.
	ErrInvalidServerID = errors.New("invalid server identity")
)
