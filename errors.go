package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrDecryption is returned by the Cipher when a value cannot be
	// decrypted: bad encoding, truncated input, wrong key, or a failed
	// authentication tag check.
	ErrDecryption = errors.New("decryption failed")

	// ErrInvalidSession is returned when a session cookie cannot be
	// decrypted or parsed, or decrypts to a record missing required fields.
	ErrInvalidSession = errors.New("invalid session")

	// ErrStateNotFound is returned when no state record exists for the
	// given state value, including when one existed but was already taken.
	ErrStateNotFound = errors.New("oauth state not found")

	// ErrStateExpired is returned when a state record exists but its
	// createdAt is older than the handshake TTL.
	ErrStateExpired = errors.New("oauth state expired")

	// ErrUnauthenticated is returned by CurrentSession when no session was
	// attached to the request.
	ErrUnauthenticated = errors.New("no authenticated session")
)

// DiscoveryError indicates the issuer's SMART configuration document was
// unreachable or missing a required endpoint. Terminal for the attempt; the
// user may retry.
type DiscoveryError struct {
	Issuer string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("smart configuration discovery failed for %s: %v", e.Issuer, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// AuthError is a terminal token-endpoint failure: the code, refresh token,
// or client credentials were rejected. The caller must invalidate whatever
// session state it holds.
type AuthError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *AuthError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token endpoint rejected request (status %d): %s: %s", e.StatusCode, e.Code, e.Description)
	}

	return fmt.Sprintf("token endpoint rejected request (status %d)", e.StatusCode)
}

// NetworkError is a transient token-endpoint failure: a timeout, a transport
// error, or a 5xx. The caller should preserve its existing state and allow a
// later retry rather than logging the user out.
type NetworkError struct {
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token endpoint unreachable: %v", e.Err)
	}

	return fmt.Sprintf("token endpoint returned status %d", e.StatusCode)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IdPError carries an OAuth error reported by the authorization server on
// the callback redirect. It must be surfaced to the user verbatim.
type IdPError struct {
	Code        string
	Description string
	URI         string
}

func (e *IdPError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization server returned error %q: %s", e.Code, e.Description)
	}

	return fmt.Sprintf("authorization server returned error %q", e.Code)
}

func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
