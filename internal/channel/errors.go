package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectTimeout is returned when the renderer did not accept the
	// connection within the configured timeout.
	ErrConnectTimeout = errors.New("renderer connect timeout")
	// ErrConnect marks transport-level failures while connecting.
	ErrConnect = errors.New("renderer connect failed")
	// ErrChannelClosed is returned by Send when the connection is not open.
	ErrChannelClosed = errors.New("control channel closed")

	errClosedBeforeOpen = errors.New("channel closed before open")
)

// ConnectError carries the endpoint and the transport error that prevented
// the connection from opening. errors.Is(err, ErrConnect) matches it.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to renderer %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnect, e.Err}
}

// ClosedBeforeOpen reports whether a connect failure was the peer hanging up
// before the channel opened, as opposed to an explicit transport error.
func ClosedBeforeOpen(err error) bool {
	return errors.Is(err, errClosedBeforeOpen)
}
