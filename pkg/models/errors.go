package models

import "errors"

var (
	// ErrInvalidEntry is returned for token list edits rejected synchronously.
	ErrInvalidEntry = errors.New("invalid token entry")
	// ErrDerivationUnsupported is returned when the secure element cannot
	// derive child keys for a curve.
	ErrDerivationUnsupported = errors.New("key derivation unsupported")
	// ErrInvalidIdentitySeed is returned when a wallet identity cannot be
	// derived; the wallet is not created.
	ErrInvalidIdentitySeed = errors.New("invalid wallet identity seed")
	ErrBalanceFetchFailed  = errors.New("balance fetch failed")
	ErrTimeout             = errors.New("timeout")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrUnsupportedChain    = errors.New("unsupported chain")
	ErrNoKeyForCurve       = errors.New("no key for curve")
	// ErrSyncFailed is surfaced after upload retries are exhausted.
	ErrSyncFailed = errors.New("token list sync failed")
	// ErrConflict is returned by the remote store when it refuses an upload.
	ErrConflict = errors.New("remote conflict")
	// ErrLocalChangesPending is returned when a remote pull is deferred
	// because local edits have not been uploaded yet.
	ErrLocalChangesPending = errors.New("local changes pending")
	// ErrStalePull is returned when a fetched remote list is applied after
	// the local list already moved on without local edits.
	ErrStalePull = errors.New("stale pull")
	ErrNotFound  = errors.New("not found")
)
