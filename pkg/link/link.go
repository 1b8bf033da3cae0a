// Package link maintains the single connection to a laboratory balance and
// serializes all command / response exchanges across it.
package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fako1024/labscale/pkg/scale"
	"github.com/fako1024/labscale/pkg/sics"
	"github.com/fatih/stopwatch"
)

const (

	// DefaultPort is the TCP port used if none is configured
	DefaultPort = 8001

	// DefaultConnectTimeout bounds a single connection attempt
	DefaultConnectTimeout = 5 * time.Second

	// DefaultReadTimeout bounds the wait for a response line
	DefaultReadTimeout = 3 * time.Second

	// DefaultBaudRate is used for a serial device if none is configured
	DefaultBaudRate = 9600
)

// Config denotes the connection configuration of a Link. Without Host and
// Device the link is disabled.
type Config struct {
	Host           string
	Port           int
	Device         string
	BaudRate       int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	KeepAlive      time.Duration

	// IdleProbe requests a reading if no exchange took place for the given
	// duration, detecting connections silently dropped by the balance (0: off)
	IdleProbe time.Duration
}

// Enabled returns if a balance is configured at all
func (c Config) Enabled() bool {
	return c.Host != "" || c.Device != ""
}

// Serial returns if the balance is attached to a serial device
func (c Config) Serial() bool {
	return c.Device != ""
}

// Link denotes the connection to a single balance
type Link struct {
	cfg    Config
	dialer Dialer

	backoffInitial time.Duration
	backoffMax     time.Duration

	state     atomic.Int32
	lastErr   atomic.Pointer[statusError]
	roundTrip atomic.Int64
	lastUsed  atomic.Int64

	// exchange admits a single command / response exchange at a time
	exchange chan struct{}

	connMu sync.Mutex
	conn   *connection
	lost   chan struct{}

	lifeMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateChangeHandler func(status scale.ConnectionStatus)
	stateChangeChan    chan scale.ConnectionStatus

	logger scale.Logger
}

type statusError struct {
	err error
}

type connection struct {
	Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// New instantiates a new Link, executing functional options, if any
func New(cfg Config, options ...func(*Link)) *Link {

	if cfg.Serial() {
		cfg.Host, cfg.Port = "", 0
		if cfg.BaudRate <= 0 {
			cfg.BaudRate = DefaultBaudRate
		}
	} else if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	l := &Link{
		cfg:            cfg,
		backoffInitial: DefaultBackoffInitial,
		backoffMax:     DefaultBackoffMax,
		exchange:       make(chan struct{}, 1),
		lost:           make(chan struct{}, 1),
		logger:         &scale.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(l)
	}

	if !cfg.Enabled() {
		l.state.Store(int32(scale.StateDisabled))
		return l
	}

	if l.dialer == nil {
		if cfg.Serial() {
			l.dialer = NewSerialDialer(cfg.Device, cfg.BaudRate)
		} else {
			l.dialer = NewTCPDialer(cfg.Host, cfg.Port, cfg.KeepAlive)
		}
	}
	l.state.Store(int32(scale.StateDisconnected))

	return l
}

// State returns the current connection state
func (l *Link) State() scale.State {
	return scale.State(l.state.Load())
}

// Status returns the current status of the balance connection
func (l *Link) Status() scale.ConnectionStatus {
	status := scale.ConnectionStatus{
		State: l.State(),
	}
	if status.State == scale.StateDisabled {
		return status
	}

	status.Host = l.cfg.Host
	status.Port = l.cfg.Port
	status.Device = l.cfg.Device
	status.RoundTrip = time.Duration(l.roundTrip.Load())
	if se := l.lastErr.Load(); se != nil {
		status.Error = se.err
	}

	return status
}

// SetStateChangeHandler defines a handler function that is called upon state
// change. It must be set before calling Start().
func (l *Link) SetStateChangeHandler(fn func(status scale.ConnectionStatus)) {
	l.stateChangeHandler = fn
}

// SetStateChangeChannel defines a channel that receives state changes (if not
// blocked). It must be set before calling Start().
func (l *Link) SetStateChangeChannel(ch chan scale.ConnectionStatus) {
	l.stateChangeChan = ch
}

// Start performs an initial connection attempt and launches the background
// supervisor maintaining the connection. It is a no-op for a disabled link.
func (l *Link) Start() error {
	if !l.cfg.Enabled() {
		l.logger.Info("no balance configured, link disabled")
		return nil
	}

	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()

	if l.cancel != nil {
		return fmt.Errorf("link to %s already started", l.addr())
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	err := l.connect(ctx)
	if err != nil {
		l.logger.Warnf("initial connection to balance at %s failed: %s", l.addr(), err)
	}

	l.wg.Add(1)
	go l.supervise(ctx, err != nil)

	return nil
}

// Stop terminates the supervisor and closes the connection (if any)
func (l *Link) Stop() error {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()

	if l.cancel == nil {
		return nil
	}
	l.cancel()
	l.wg.Wait()
	l.cancel = nil

	l.connMu.Lock()
	c := l.conn
	l.conn = nil
	l.connMu.Unlock()

	if c == nil {
		return nil
	}

	l.setStatus(scale.StateDisconnected, nil)
	l.logger.Debugf("closed connection to balance at %s", l.addr())

	return c.Close()
}

// ReadOnce requests the current weight from the balance and waits for the
// response. Concurrent calls are queued and served one at a time.
func (l *Link) ReadOnce(ctx context.Context) (scale.Reading, error) {

	switch l.State() {
	case scale.StateDisabled:
		return scale.Reading{}, ErrDisabled
	case scale.StateDisconnected:
		return scale.Reading{}, ErrNotConnected
	}

	select {
	case l.exchange <- struct{}{}:
	case <-ctx.Done():
		return scale.Reading{}, ctx.Err()
	}
	defer func() {
		<-l.exchange
	}()

	l.connMu.Lock()
	c := l.conn
	l.connMu.Unlock()
	if c == nil {
		return scale.Reading{}, ErrNotConnected
	}

	timer := stopwatch.Start(0)
	line, err := c.roundTrip(sics.EncodeImmediateWeightRequest(), l.cfg.ReadTimeout)
	if err != nil {
		return scale.Reading{}, l.drop(c, err)
	}
	elapsed := timer.ElapsedTime()
	timer.Stop()
	l.roundTrip.Store(int64(elapsed))
	l.lastUsed.Store(time.Now().UnixNano())

	reading, err := sics.DecodeResponse(line)
	if err != nil {
		l.logger.Debugf("failed to decode response from balance at %s: %s", l.addr(), err)
		return scale.Reading{}, err
	}
	reading.TimeStamp = time.Now()

	return reading, nil
}

////////////////////////////////////////////////////////////////////////////////

func (l *Link) addr() string {
	if l.cfg.Serial() {
		return l.cfg.Device
	}
	return fmt.Sprintf("%s:%d", l.cfg.Host, l.cfg.Port)
}

func (l *Link) supervise(ctx context.Context, failed bool) {
	defer l.wg.Done()

	b := newBackoff(l.backoffInitial, l.backoffMax)
	for {
		if l.State() == scale.StateConnected {
			if !l.idle(ctx) {
				return
			}
			failed = false
			continue
		}

		if failed {
			delay := b.Next()
			l.logger.Debugf("reconnecting to balance at %s in %v", l.addr(), delay)
			if !sleep(ctx, delay) {
				return
			}
		}

		if err := l.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warnf("failed to connect balance at %s: %s", l.addr(), err)
			failed = true
			continue
		}
		b.Reset()
		failed = false
	}
}

// idle waits while connected until the connection is lost, probing it if
// configured. It returns false if the context was canceled.
func (l *Link) idle(ctx context.Context) bool {
	var probe <-chan time.Time
	if l.cfg.IdleProbe > 0 {
		wait := l.cfg.IdleProbe - time.Since(time.Unix(0, l.lastUsed.Load()))
		t := time.NewTimer(wait)
		defer t.Stop()
		probe = t.C
	}

	select {
	case <-ctx.Done():
		return false
	case <-l.lost:
	case <-probe:
		if time.Since(time.Unix(0, l.lastUsed.Load())) < l.cfg.IdleProbe {
			return true
		}
		if _, err := l.ReadOnce(ctx); err != nil && !IsConnectionError(err) {
			l.logger.Debugf("idle probe of balance at %s: %s", l.addr(), err)
		}
	}

	return true
}

func (l *Link) connect(ctx context.Context) error {

	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()

	conn, err := l.dialer.Dial(dialCtx)
	if err != nil {
		l.lastErr.Store(&statusError{err: err})
		return err
	}

	l.connMu.Lock()
	if err := ctx.Err(); err != nil {
		l.connMu.Unlock()
		_ = conn.Close()
		return err
	}
	l.conn = &connection{
		Conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
	l.connMu.Unlock()

	l.lastUsed.Store(time.Now().UnixNano())
	l.setStatus(scale.StateConnected, nil)
	l.logger.Infof("connected balance at %s", l.addr())

	return nil
}

// drop tears down the connection c after an I/O failure, unless it has been
// replaced in the meantime
func (l *Link) drop(c *connection, cause error) error {

	err := fmt.Errorf("%w: %s", ErrConnectionLost, cause)
	if errors.Is(cause, os.ErrDeadlineExceeded) {
		err = fmt.Errorf("%w after %v", ErrTimeout, l.cfg.ReadTimeout)
	}

	l.connMu.Lock()
	current := l.conn == c
	if current {
		l.conn = nil
	}
	l.connMu.Unlock()

	if !current {
		return err
	}

	_ = c.Close()
	l.setStatus(scale.StateDisconnected, err)
	l.logger.Warnf("disconnected balance at %s: %s", l.addr(), err)

	select {
	case l.lost <- struct{}{}:
	default:
	}

	return err
}

func (l *Link) setStatus(state scale.State, err error) {
	l.state.Store(int32(state))
	if err != nil {
		l.lastErr.Store(&statusError{err: err})
	} else if state == scale.StateConnected {
		l.lastErr.Store(nil)
	}

	status := l.Status()

	// Call handler function, if any
	if l.stateChangeHandler != nil {
		l.stateChangeHandler(status)
	}

	// Put state change on channel, if any
	if l.stateChangeChan != nil {
		select {
		case l.stateChangeChan <- status:
		default:
		}
	}
}

// roundTrip writes a command line and reads a single response line
func (c *connection) roundTrip(cmd []byte, timeout time.Duration) (string, error) {
	if _, err := c.writer.Write(cmd); err != nil {
		return "", err
	}
	if err := c.writer.Flush(); err != nil {
		return "", err
	}

	if err := c.SetReadTimeout(timeout); err != nil {
		return "", err
	}
	return c.reader.ReadString('\n')
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
