package domain

import "errors"

// Verification failures. These surface to callers unmodified; there is no
// silent fallback for crypto errors.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpiredToken     = errors.New("token expired")
	ErrUnknownKid       = errors.New("unknown kid")
	ErrMalformedToken   = errors.New("malformed token")
)

// Issuance and lifecycle failures.
var (
	ErrServiceAccountValidation = errors.New("service account validation failed")
	ErrServiceAccountNotFound   = errors.New("service account token not found")
	ErrDuplicateActiveToken     = errors.New("duplicate active token")
	ErrTokenReuseDetected       = errors.New("token reuse detected")
)

// ErrReplayDetected is returned when a request nonce has already been consumed.
var ErrReplayDetected = errors.New("replay detected")

// ErrKeyStore wraps keyset load/save failures. Fatal at startup: falling back
// to an ephemeral key would break verification of previously issued tokens.
var ErrKeyStore = errors.New("keystore failure")
