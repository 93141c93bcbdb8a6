package service

import "errors"

var (
	// ErrBridgeUnavailable means the adb binary could not be reached at all.
	ErrBridgeUnavailable = errors.New("device bridge unavailable")

	// ErrOperationFailed is a transient device failure; the caller may retry.
	ErrOperationFailed = errors.New("bridge operation failed")

	// ErrPortConflict means the local port is already bound to a connection.
	// Retrying with the same port will not help.
	ErrPortConflict = errors.New("local port already in use")

	// ErrRotationAborted means airplane mode could not be switched on, so the
	// device was never touched.
	ErrRotationAborted = errors.New("rotation aborted before airplane mode was enabled")

	// ErrIndeterminateRadioState means airplane mode was switched on and the
	// sequence did not complete. The device may stay offline until recovered
	// by hand.
	ErrIndeterminateRadioState = errors.New("indeterminate device radio state")

	// ErrOrphanedForward is returned by Delete when the row was removed but
	// the forward could not be stopped.
	ErrOrphanedForward = errors.New("connection deleted but forward could not be removed")

	ErrConnectionNotFound = errors.New("connection not found")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrInvalidPort        = errors.New("port must be between 1 and 65535")
)
