package ws

import (
	"errors"
	"fmt"
)

var ErrNoIdentity = errors.New("ws: connect requires a user id")

// TransportError is reported when the connection cannot be kept alive.
type TransportError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("ws %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("ws %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is an inbound frame that could not be decoded.
type ProtocolError struct {
	Raw []byte
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ws protocol: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
