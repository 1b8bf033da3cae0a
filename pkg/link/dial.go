package link

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"go.bug.st/serial"
)

// Conn denotes a byte stream to the balance with a bounded read
type Conn interface {
	io.ReadWriteCloser

	// SetReadTimeout bounds the next read(s). A timed out read returns an error
	// matching os.ErrDeadlineExceeded.
	SetReadTimeout(d time.Duration) error
}

// Dialer opens a connection to the balance
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx)
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// TCPDialer connects to a balance via TCP
type TCPDialer struct {
	Addr      string
	KeepAlive time.Duration
}

// NewTCPDialer returns a dialer for the given host and port
func NewTCPDialer(host string, port int, keepAlive time.Duration) *TCPDialer {
	return &TCPDialer{
		Addr:      net.JoinHostPort(host, strconv.Itoa(port)),
		KeepAlive: keepAlive,
	}
}

// Dial connects to the balance, honoring the deadline of ctx
func (d *TCPDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := net.Dialer{KeepAlive: d.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, err
	}

	return &tcpConn{Conn: conn}, nil
}

type tcpConn struct {
	net.Conn
}

func (c *tcpConn) SetReadTimeout(d time.Duration) error {
	if d <= 0 {
		return c.Conn.SetReadDeadline(time.Time{})
	}
	return c.Conn.SetReadDeadline(time.Now().Add(d))
}

// SerialDialer connects to a balance attached to a serial port
type SerialDialer struct {
	Device string
	Mode   serial.Mode
}

// NewSerialDialer returns a dialer for the given serial device, using 8N1 framing
func NewSerialDialer(device string, baudRate int) *SerialDialer {
	return &SerialDialer{
		Device: device,
		Mode: serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
	}
}

// Dial opens the serial port
func (d *SerialDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	port, err := serial.Open(d.Device, &mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port `%s`: %w", d.Device, err)
	}

	return &serialConn{Port: port}, nil
}

type serialConn struct {
	serial.Port
}

// Read maps the (0, nil) result of an expired serial read timeout to
// os.ErrDeadlineExceeded
func (c *serialConn) Read(p []byte) (int, error) {
	n, err := c.Port.Read(p)
	if n == 0 && err == nil {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func (c *serialConn) SetReadTimeout(d time.Duration) error {
	if d <= 0 {
		return c.Port.SetReadTimeout(serial.NoTimeout)
	}
	return c.Port.SetReadTimeout(d)
}
