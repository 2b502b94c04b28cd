package device

import (
	"context"
	"errors"
	"fmt"
	"net"
)

const (
	SOURCE_GPSD string = "gpsd"
	SOURCE_NMEA string = "nmea"
)

// ClassTPV is the report class carrying a position fix.
const ClassTPV string = "TPV"

// ErrSessionClosed is returned by Session.Next once the underlying stream has
// ended. A session is not restartable, a new one must be obtained from Connect.
var ErrSessionClosed = errors.New("device: session closed")

// Source connects to a position producer.
type Source interface {
	Connect(ctx context.Context) (Session, error)
}

// Session yields reports until it is closed. Next blocks until a report is
// available. A *ReadError or *DecodeError leaves the session usable.
type Session interface {
	Next(ctx context.Context) (Report, error)
	Close() error
}

// Report is a single message from the device, normalized to one shape no
// matter how the device encoded it. Values are left uncoerced: they may be
// float64, json.Number, string or nil.
type Report struct {
	Class string
	Lat   interface{}
	Lon   interface{}
	Mode  interface{}
	Time  interface{}
}

type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("device: connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ReadError is a transient failure reading from a live session.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("device: read: %v", e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// DecodeError means a single message could not be decoded.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("device: decode %q: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
