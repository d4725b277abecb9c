/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package heimdall

import "errors"

// Error categories. Every error the engine returns wraps exactly one of
// these sentinels, so callers branch with errors.Is instead of string
// matching.
var (
	// ErrInvalidState rejects an operation the current signaling or
	// connection state forbids. No state is mutated.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidParameter rejects malformed or out-of-range caller input.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrSecurity reports an authentication failure such as a DTLS
	// fingerprint mismatch; it fails the connection.
	ErrSecurity = errors.New("security failure")
	// ErrNetwork reports a transport-level failure.
	ErrNetwork = errors.New("network failure")
	// ErrProtocolParse reports unparseable protocol input from the caller
	// side; wire-side parse failures are counted and dropped instead.
	ErrProtocolParse = errors.New("protocol parse failure")
	// ErrResourceExhausted reports an internal buffer or timer overflow.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrNotSupported rejects features outside the engine's scope.
	ErrNotSupported = errors.New("not supported")
	// ErrInternal reports a bug-class failure.
	ErrInternal = errors.New("internal error")
)
