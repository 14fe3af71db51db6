package protocol

import (
	"errors"
	"net"
)

// IsTimeout reports whether err is a network timeout, as produced by the
// read deadlines set during RecvTimeout.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
