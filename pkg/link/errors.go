package link

import (
	"errors"
	"fmt"
)

var (

	// ErrNotConnected denotes an exchange attempted while no connection is established
	ErrNotConnected = errors.New("balance not connected")

	// ErrDisabled denotes an exchange attempted on a link without configured balance
	ErrDisabled = fmt.Errorf("%w: no balance configured", ErrNotConnected)

	// ErrConnectionLost denotes an I/O failure during an exchange. The link is
	// disconnected afterwards.
	ErrConnectionLost = errors.New("connection to balance lost")

	// ErrTimeout denotes a response not received within the read timeout. It
	// is treated as a lost connection.
	ErrTimeout = fmt.Errorf("%w: read timeout", ErrConnectionLost)
)

// IsConnectionError returns if an error returned by ReadOnce is caused by a
// missing or lost connection rather than by the exchanged data
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrConnectionLost)
}
