package common

import "fmt"

// SubscriptionError transport level failure while opening or maintaining a channel.
//
// These are surfaced to attached listeners through their error callbacks, and are
// never thrown across the async boundary into consumer code.
type SubscriptionError struct {
	// Resource the resource key of the affected subscription
	Resource string
	// Op the operation which failed
	Op string
	// Err the underlying transport error
	Err error
}

// Error implements the error interface
func (e SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s failed on %s: %s", e.Resource, e.Op, e.Err)
}

// Unwrap expose the underlying transport error
func (e SubscriptionError) Unwrap() error {
	return e.Err
}

// NewSubscriptionError define a new SubscriptionError
func NewSubscriptionError(resource, op string, err error) SubscriptionError {
	return SubscriptionError{Resource: resource, Op: op, Err: err}
}
