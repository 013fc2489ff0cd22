package subscriber

import "errors"

var (
	// ErrInvalidPartitions means the requested partition set is empty or
	// names a partition the topic does not have.
	ErrInvalidPartitions = errors.New("invalid partition selection")

	// ErrHandlerInit wraps the error returned by Handler.Init.
	ErrHandlerInit = errors.New("handler init failed")

	// ErrHandlerContract means Handler.Handle returned neither Accept nor Ack.
	ErrHandlerContract = errors.New("handler contract violation")

	// ErrStopped is returned by calls made after the subscriber terminated.
	ErrStopped = errors.New("subscriber stopped")
)
