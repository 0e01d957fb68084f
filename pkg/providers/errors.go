package providers

import (
	"errors"
	"fmt"
)

// ErrEmptyCompletion is returned when the provider answered successfully but
// the reply carried no text.
var ErrEmptyCompletion = errors.New("provider returned an empty completion")

// GatewayError is a non-success HTTP response from the provider.
type GatewayError struct {
	Provider string
	Status   int
	Body     string
}

func (e *GatewayError) Error() string {
	msg := augmentProviderError(e.Provider, extractAPIError([]byte(e.Body)))
	return fmt.Sprintf("%s API request failed: status=%d error=%s", e.Provider, e.Status, msg)
}

// TransportError is a network-level failure talking to the provider.
type TransportError struct {
	Provider string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
