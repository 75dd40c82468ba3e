package domain

import "errors"

var (
	// ErrTransferCanceled reports a transfer stopped on request. It is not a failure.
	ErrTransferCanceled = errors.New("transfer canceled")

	// ErrDestination reports that a finished artifact could not be placed. Never retried.
	ErrDestination = errors.New("destination error")

	ErrItemNotFound      = errors.New("download not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPluginNotFound    = errors.New("plugin not found")
)
