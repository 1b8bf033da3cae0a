package link

import (
	"time"

	"github.com/fako1024/labscale/pkg/scale"
)

// WithLogger sets the logger
func WithLogger(logger scale.Logger) func(*Link) {
	return func(l *Link) {
		l.logger = logger
	}
}

// WithDialer sets the dialer used to (re-)connect the balance, replacing the
// default TCP dialer (e.g. by a serial dialer)
func WithDialer(dialer Dialer) func(*Link) {
	return func(l *Link) {
		l.dialer = dialer
	}
}

// WithBackoff sets the initial and maximum delay between reconnect attempts
func WithBackoff(initial, max time.Duration) func(*Link) {
	return func(l *Link) {
		l.backoffInitial = initial
		l.backoffMax = max
	}
}
