// Package stream turns single balance readings into a continuous,
// stability-annotated event stream for a single consumer.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/fako1024/labscale/pkg/link"
	"github.com/fako1024/labscale/pkg/scale"
	"github.com/fako1024/labscale/pkg/sics"
	"github.com/google/uuid"
)

const (

	// DefaultInterval is the pause between two consecutive polls (~4 polls / s)
	DefaultInterval = 250 * time.Millisecond

	defaultBufferSize = 8
)

// Session denotes a single consumer's weight stream. It polls the balance
// until closed (or until its context is cancelled).
type Session struct {
	id     uuid.UUID
	reader scale.Reader

	interval   time.Duration
	windowSize int
	tolerance  float64
	bufferSize int
	window     *Window

	events chan Event
	cancel context.CancelFunc
	done   chan struct{}

	logger scale.Logger
}

// WithInterval sets the pause between the end of an exchange and the next poll
func WithInterval(interval time.Duration) func(*Session) {
	return func(s *Session) {
		s.interval = interval
	}
}

// WithWindow sets the size and tolerance of the stability window
func WithWindow(size int, tolerance float64) func(*Session) {
	return func(s *Session) {
		s.windowSize = size
		s.tolerance = tolerance
	}
}

// WithBuffer sets the number of events buffered for a slow consumer (the
// channel holds one more to always accommodate the Stopped event)
func WithBuffer(n int) func(*Session) {
	return func(s *Session) {
		s.bufferSize = n
	}
}

// WithLogger sets the logger
func WithLogger(logger scale.Logger) func(*Session) {
	return func(s *Session) {
		s.logger = logger
	}
}

// Open starts a new session polling the reader
func Open(ctx context.Context, reader scale.Reader, options ...func(*Session)) *Session {

	s := &Session{
		id:         uuid.New(),
		reader:     reader,
		interval:   DefaultInterval,
		windowSize: DefaultWindowSize,
		tolerance:  DefaultTolerance,
		bufferSize: defaultBufferSize,
		done:       make(chan struct{}),
		logger:     &scale.NullLogger{},
	}

	// Execute functional options (if any)
	for _, option := range options {
		option(s)
	}
	if s.bufferSize < 0 {
		s.bufferSize = 0
	}

	s.window = NewWindow(s.windowSize, s.tolerance)
	s.events = make(chan Event, s.bufferSize+1)

	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)

	return s
}

// ID returns the unique identifier of the session
func (s *Session) ID() string {
	return s.id.String()
}

// Events returns the event channel. It is closed after the Stopped event.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed once the session has terminated
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stop requests termination of the session without waiting for it
func (s *Session) Stop() {
	s.cancel()
}

// Close requests termination of the session and waits for it
func (s *Session) Close() {
	s.Stop()
	<-s.done
}

////////////////////////////////////////////////////////////////////////////////

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	defer s.stop()

	s.logger.Debugf("weight stream %s started", s.id)

	s.window.Reset()
	for {
		if ctx.Err() != nil {
			return
		}

		reading, err := s.reader.ReadOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		select {
		case s.events <- s.process(reading, err):
		case <-ctx.Done():
			return
		}

		if !sleep(ctx, s.interval) {
			return
		}
	}
}

func (s *Session) process(reading scale.Reading, err error) Event {
	if err == nil {
		s.window.Push(reading.Weight)
		return Event{
			Type:             EventReading,
			Value:            reading.Weight,
			Unit:             reading.Unit,
			Stable:           s.window.Stable(),
			InstrumentStable: reading.Stable,
		}
	}

	if link.IsConnectionError(err) {
		s.window.Reset()
		return Event{
			Type: EventError,
			Error: &PollError{
				Kind:    ErrorDisconnected,
				Message: err.Error(),
			},
		}
	}

	s.logger.Debugf("weight stream %s: poll failed: %s", s.id, err)
	ev := Event{
		Type: EventError,
		Error: &PollError{
			Kind:    ErrorTransient,
			Message: err.Error(),
		},
	}

	var faultErr *sics.FaultError
	if errors.As(err, &faultErr) {
		ev.Error.Fault = string([]byte{byte(faultErr.Code)})
	}

	return ev
}

// stop emits the final Stopped event without blocking. The event channel has
// one slot more than the configured buffer and run() is its only sender, so if
// the channel is full, discarding the oldest pending event makes room.
func (s *Session) stop() {
	stopped := Event{Type: EventStopped}

	select {
	case s.events <- stopped:
	default:
		select {
		case ev := <-s.events:
			s.logger.Debugf("weight stream %s: consumer not receiving, discarding pending %s event", s.id, ev.Type)
		default:
		}
		s.events <- stopped
	}

	s.logger.Debugf("weight stream %s stopped", s.id)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
