package errors

import "errors"

// Configuration and credential errors.
var (
	ErrMissingCredentials = errors.New("missing OAuth client credentials")
	ErrNoToken            = errors.New("no stored token, run 'drive-sync auth' first")
	ErrTokenExchange      = errors.New("authorization code exchange failed")
)

// Remote-root validation errors. Each maps to a distinct user-facing
// message and aborts the run before any mutation starts.
var (
	ErrRemoteNotFound  = errors.New("remote object not found")
	ErrRemoteForbidden = errors.New("access to remote object denied")
	ErrNotAFolder      = errors.New("configured sync root is not a folder")
)

// Run lifecycle errors.
var (
	ErrRunInProgress = errors.New("a reconciliation run is already in progress")
)
