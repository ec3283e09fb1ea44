package domain

import "errors"

var (
	// ErrInvalidReference indicates that no usable magnet URI or torrent URL could be derived.
	ErrInvalidReference = errors.New("invalid reference")
	// ErrProtocolIncompatible indicates a backend cannot interpret an otherwise valid reference.
	ErrProtocolIncompatible = errors.New("protocol incompatible")
	// ErrBackendUnavailable indicates the remote daemon is unreachable or misconfigured.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrAuthenticationFailed indicates the remote daemon rejected the configured credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrTransferFailed indicates a backend reported a runtime error during a transfer.
	ErrTransferFailed = errors.New("transfer failed")
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")
)
