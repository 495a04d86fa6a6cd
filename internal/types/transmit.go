package types

import (
	"errors"
	"fmt"
)

// TransmitClass partitions transmitter failures by how the delivery job must
// react. It replaces vendor-specific exception hierarchies with a tagged
// variant the fan-out can switch on.
type TransmitClass string

const (
	// TransmitIgnorable: the channel is disabled for the recipient or the
	// recipient has no address/token. Logged at debug, never fails the job.
	TransmitIgnorable TransmitClass = "ignorable"

	// TransmitRetryableLater: the vendor service is temporarily unavailable.
	// Not retried within the current job; a later delivery may succeed.
	TransmitRetryableLater TransmitClass = "retryable_later"

	// TransmitInvalidTarget: the recipient's device token is permanently
	// invalid. Triggers the cascade that purges the subject's pending
	// deliveries and clears the stored token.
	TransmitInvalidTarget TransmitClass = "invalid_target"

	// TransmitFatal: any other transmission failure. Surfaces as a failed
	// delivery outcome and fails the job.
	TransmitFatal TransmitClass = "fatal"
)

// TransmitError is the error type returned by every transmitter. The Class
// tag decides whether the failure is swallowed, escalated, or triggers the
// invalid-target cascade.
type TransmitError struct {
	Class       TransmitClass
	Transmitter string // e.g. "fcm", "email"
	Reason      string
	Err         error
}

// Error implements the error interface.
func (e *TransmitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s transmit %s: %s: %v", e.Transmitter, e.Class, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s transmit %s: %s", e.Transmitter, e.Class, e.Reason)
}

// Unwrap returns the underlying cause.
func (e *TransmitError) Unwrap() error { return e.Err }

// FailsJob reports whether this failure must flip the overall job result.
// Only invalid-target and fatal failures do; ignorable and retryable-later
// failures are logged and left for a later natural delivery.
func (e *TransmitError) FailsJob() bool {
	return e.Class == TransmitInvalidTarget || e.Class == TransmitFatal
}

// NewTransmitError builds a TransmitError with the given tag.
func NewTransmitError(class TransmitClass, transmitter, reason string, err error) *TransmitError {
	return &TransmitError{
		Class:       class,
		Transmitter: transmitter,
		Reason:      reason,
		Err:         err,
	}
}

// AsTransmitError extracts a *TransmitError from an error chain. Errors that
// are not TransmitErrors are wrapped as fatal with an unknown transmitter,
// so a misbehaving transmitter can never silently pass a raw error through
// the fan-out.
func AsTransmitError(transmitter string, err error) *TransmitError {
	var te *TransmitError
	if errors.As(err, &te) {
		return te
	}
	return NewTransmitError(TransmitFatal, transmitter, "unclassified transmitter error", err)
}
