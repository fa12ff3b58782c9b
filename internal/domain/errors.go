package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────

var (
	// Enrollment errors
	ErrMalformedToken = errors.New("malformed join token, expected id:secret")
	ErrTokenNotFound  = errors.New("join token not found")
	ErrTokenConsumed  = errors.New("join token already consumed")
	ErrHashMismatch   = errors.New("join request hash mismatch")

	// Graph errors
	ErrUnknownSection = errors.New("unknown section name")

	// Channel errors
	ErrChannelClosed = errors.New("channel closed")
	ErrSectionExists = errors.New("section with this id already registered")
	ErrNoSuchSection = errors.New("no section with this id")

	// Control plane client errors
	ErrTLSURLNotSet       = errors.New("control plane tls url is not set")
	ErrCertifiedKeyNotSet = errors.New("certified key is not set")
)
