package scale

import "context"

// Reader denotes anything that can obtain a single weight reading
type Reader interface {

	// ReadOnce requests and returns one reading from the balance
	ReadOnce(ctx context.Context) (Reading, error)
}

// Balance denotes a connected laboratory balance
type Balance interface {
	Reader

	// Status returns the current connection status of the balance. It never blocks.
	Status() ConnectionStatus
}

// Lifecycle denotes a balance connection bound to the process lifecycle
type Lifecycle interface {
	Balance

	// Start establishes the connection and starts supervising it
	Start() error

	// Stop terminates supervision and closes the connection
	Stop() error
}
