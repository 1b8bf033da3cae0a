package mock

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fako1024/labscale/pkg/scale"
	"github.com/fako1024/labscale/pkg/sics"
)

const (
	defaultAddr = "127.0.0.1:0"
	defaultUnit = scale.UnitGrams
)

// Responder generates the response line (without terminator) for a command
type Responder func(cmd string) string

// Mock denotes a simulated balance serving the line protocol via TCP
type Mock struct {
	addr     string
	listener net.Listener

	mu        sync.Mutex
	weight    float64
	unit      scale.Unit
	stable    bool
	script    []string
	responder Responder
	delay     time.Duration
	silent    bool
	requests  int
	accepted  int
	conns     map[net.Conn]struct{}
	closed    bool

	wg     sync.WaitGroup
	logger scale.Logger
}

// WithAddr sets the listen address (default: random port on the loopback interface)
func WithAddr(addr string) func(*Mock) {
	return func(m *Mock) {
		m.addr = addr
	}
}

// WithLogger sets the logger
func WithLogger(logger scale.Logger) func(*Mock) {
	return func(m *Mock) {
		m.logger = logger
	}
}

// New instantiates a new Mock balance and starts listening
func New(options ...func(*Mock)) (*Mock, error) {

	// Initialize a new instance of a Mock balance
	m := &Mock{
		addr:   defaultAddr,
		unit:   defaultUnit,
		stable: true,
		conns:  make(map[net.Conn]struct{}),
		logger: &scale.NullLogger{},
	}

	// Execute functional options (if any)
	for _, option := range options {
		option(m)
	}

	return m, m.listen()
}

// Addr returns the address the mock is listening on
func (m *Mock) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.addr
}

// HostPort returns host and port the mock is listening on
func (m *Mock) HostPort() (string, int) {
	host, port, err := net.SplitHostPort(m.Addr())
	if err != nil {
		return "", 0
	}
	p, _ := strconv.Atoi(port)

	return host, p
}

// SetWeight sets the weight reported by the balance and its stability flag
func (m *Mock) SetWeight(weight float64, stable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.weight = weight
	m.stable = stable
}

// SetUnit sets the reported weight unit
func (m *Mock) SetUnit(unit scale.Unit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unit = unit
}

// Push queues raw response lines that are returned (in order) for the next
// weight requests before falling back to the current weight
func (m *Mock) Push(lines ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.script = append(m.script, lines...)
}

// PushWeights queues readings for the next weight requests
func (m *Mock) PushWeights(stable bool, weights ...float64) {
	lines := make([]string, 0, len(weights))
	for _, w := range weights {
		lines = append(lines, FormatWeight(w, defaultUnit, stable))
	}
	m.Push(lines...)
}

// SetResponder overrides the generation of all responses
func (m *Mock) SetResponder(fn Responder) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.responder = fn
}

// SetDelay delays every response by d
func (m *Mock) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.delay = d
}

// SetSilent makes the balance swallow requests without responding
func (m *Mock) SetSilent(silent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.silent = silent
}

// Requests returns the number of commands received so far
func (m *Mock) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.requests
}

// Accepted returns the number of connections accepted so far
func (m *Mock) Accepted() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.accepted
}

// Sever closes all active client connections (the listener stays open)
func (m *Mock) Sever() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for conn := range m.conns {
		_ = conn.Close()
		delete(m.conns, conn)
	}
}

// Suspend stops listening and severs all connections, simulating a balance
// that is switched off
func (m *Mock) Suspend() error {
	m.Sever()

	m.mu.Lock()
	listener := m.listener
	m.listener = nil
	m.mu.Unlock()

	if listener == nil {
		return nil
	}
	return listener.Close()
}

// Resume starts listening again on the previous address
func (m *Mock) Resume() error {
	return m.listen()
}

// Close terminates the mock balance
func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	err := m.Suspend()
	m.wg.Wait()

	return err
}

// FormatWeight returns a weight response line (without terminator)
func FormatWeight(weight float64, unit scale.Unit, stable bool) string {
	status := "D"
	if stable {
		status = "S"
	}
	return fmt.Sprintf("S %s %10s %s", status, strconv.FormatFloat(weight, 'f', -1, 64), unit)
}

////////////////////////////////////////////////////////////////////////////////

func (m *Mock) listen() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("mock balance closed")
	}
	if m.listener != nil {
		return nil
	}

	listener, err := net.Listen("tcp", m.addr)
	if err != nil {
		return err
	}
	m.listener = listener
	m.addr = listener.Addr().String()

	m.wg.Add(1)
	go m.accept(listener)

	return nil
}

func (m *Mock) accept(listener net.Listener) {
	defer m.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		m.mu.Lock()
		m.conns[conn] = struct{}{}
		m.accepted++
		m.mu.Unlock()

		m.logger.Debugf("accepted connection from %s", conn.RemoteAddr())

		m.wg.Add(1)
		go m.serve(conn)
	}
}

func (m *Mock) serve(conn net.Conn) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.conns, conn)
		m.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		if cmd == "" {
			continue
		}

		response, delay, ok := m.respond(cmd)
		if !ok {
			continue
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		if _, err := conn.Write([]byte(response + sics.Terminator)); err != nil {
			m.logger.Debugf("failed to write response: %s", err)
			return
		}
	}
}

func (m *Mock) respond(cmd string) (string, time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests++
	if m.silent {
		return "", 0, false
	}
	if m.responder != nil {
		return m.responder(cmd), m.delay, true
	}

	switch cmd {
	case sics.CmdImmediateWeight:
		if len(m.script) > 0 {
			line := m.script[0]
			m.script = m.script[1:]
			return line, m.delay, true
		}
		return FormatWeight(m.weight, m.unit, m.stable), m.delay, true
	}

	return sics.TokenSyntaxError, m.delay, true
}
