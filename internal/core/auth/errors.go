package auth

import "errors"

// The interceptor maps these to gRPC codes: revoked keys get
// PERMISSION_DENIED, store failures UNAVAILABLE, everything else
// UNAUTHENTICATED so a caller cannot probe which keys exist.
var (
	ErrMissingKey       = errors.New("x-api-key metadata is required")
	ErrInvalidKeyFormat = errors.New("API key is not of the form db-v1-<secret id>-<key>")
	ErrUnknownKey       = errors.New("API key signed by an unknown secret")
	ErrInvalidKey       = errors.New("API key not recognized")
	ErrKeyRevoked       = errors.New("API key revoked")
	ErrUnavailable      = errors.New("API key store unavailable")
)
