package errors

import "errors"

// Credential errors.
var (
	ErrMalformedToken      = errors.New("malformed access token")
	ErrNoCredentials       = errors.New("no stored credentials")
	ErrPartialCredentials  = errors.New("incomplete credential pair")
	ErrMissingRefreshToken = errors.New("refresh token not present")
)

// Refresh/transport errors.
var (
	ErrRefreshRequest  = errors.New("refresh request failed")
	ErrRefreshRejected = errors.New("refresh rejected")
	ErrRefreshResponse = errors.New("unexpected refresh response")
)

// ErrSessionExpired is reported when the countdown runs out.
var ErrSessionExpired = errors.New("session expired")

// ErrStateLocked is returned when another process holds the state
// database.
var ErrStateLocked = errors.New("state database is locked")
