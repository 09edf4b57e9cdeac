package errors

import "errors"

// Sync loop errors.
var (
	ErrTransientNetwork  = errors.New("transient network error")
	ErrAuthExpired       = errors.New("authentication expired")
	ErrMalformedResponse = errors.New("malformed sync response")
	ErrParseFailure      = errors.New("sync response parse failure")
)

// Reconciliation and persistence errors.
var (
	ErrUnresolvedReference = errors.New("unresolved event reference")
	ErrStoreWrite          = errors.New("store write failed")
)

// Outbound task errors.
var (
	ErrOutboundJob  = errors.New("outbound job failed")
	ErrJobCancelled = errors.New("outbound job cancelled")
	ErrQueueClosed  = errors.New("outbound queue closed")
)

// Session lifecycle errors.
var (
	ErrSessionNotOpen     = errors.New("session is not open")
	ErrSessionAlreadyOpen = errors.New("session is already open")
	ErrNoSession          = errors.New("no stored session")
)
