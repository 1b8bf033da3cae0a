package link

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fako1024/labscale/pkg/mock"
	"github.com/fako1024/labscale/pkg/scale"
	"github.com/fako1024/labscale/pkg/sics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWait = 2 * time.Second
	testTick = 5 * time.Millisecond
)

func newTestLink(t *testing.T, m *mock.Mock, options ...func(*Link)) *Link {
	t.Helper()

	host, port := m.HostPort()
	l := New(Config{
		Host:           host,
		Port:           port,
		ConnectTimeout: 500 * time.Millisecond,
		ReadTimeout:    250 * time.Millisecond,
	}, append([]func(*Link){WithBackoff(10*time.Millisecond, 50*time.Millisecond)}, options...)...)
	t.Cleanup(func() {
		require.Nil(t, l.Stop())
	})

	return l
}

func newMock(t *testing.T) *mock.Mock {
	t.Helper()

	m, err := mock.New()
	require.Nil(t, err)
	t.Cleanup(func() {
		_ = m.Close()
	})

	return m
}

func waitForState(t *testing.T, l *Link, state scale.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return l.State() == state
	}, testWait, testTick, "link did not reach state %s", state)
}

func TestDisabled(t *testing.T) {
	l := New(Config{})
	require.Nil(t, l.Start())
	defer func() {
		require.Nil(t, l.Stop())
	}()

	for i := 0; i < 10; i++ {
		status := l.Status()
		require.Equal(t, scale.StateDisabled, status.State)
		require.Empty(t, status.Host)
		require.Zero(t, status.Port)
		require.True(t, status.ManualEntry())
	}

	_, err := l.ReadOnce(context.Background())
	require.ErrorIs(t, err, ErrDisabled)
	require.ErrorIs(t, err, ErrNotConnected)
	require.True(t, IsConnectionError(err))
	require.Equal(t, scale.StateDisabled, l.State())
}

func TestNotStarted(t *testing.T) {
	m := newMock(t)
	l := newTestLink(t, m)

	require.Equal(t, scale.StateDisconnected, l.State())
	_, err := l.ReadOnce(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
	require.NotErrorIs(t, err, ErrDisabled)
	require.Zero(t, m.Requests())
}

func TestReadOnce(t *testing.T) {
	m := newMock(t)
	m.SetWeight(12.3456, true)

	l := newTestLink(t, m)
	require.Nil(t, l.Start())
	waitForState(t, l, scale.StateConnected)

	reading, err := l.ReadOnce(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 12.3456, reading.Weight)
	assert.Equal(t, scale.UnitGrams, reading.Unit)
	assert.True(t, reading.Stable)
	assert.False(t, reading.TimeStamp.IsZero())
	assert.Equal(t, mock.FormatWeight(12.3456, scale.UnitGrams, true), reading.Raw)

	m.SetWeight(-1.5, false)
	reading, err = l.ReadOnce(context.Background())
	require.Nil(t, err)
	assert.Equal(t, -1.5, reading.Weight)
	assert.False(t, reading.Stable)

	status := l.Status()
	host, port := m.HostPort()
	assert.Equal(t, scale.StateConnected, status.State)
	assert.Equal(t, host, status.Host)
	assert.Equal(t, port, status.Port)
	assert.Nil(t, status.Error)
	assert.False(t, status.ManualEntry())
	assert.Greater(t, status.RoundTrip, time.Duration(0))
}

func TestStatusIdempotent(t *testing.T) {
	m := newMock(t)
	l := newTestLink(t, m)
	require.Nil(t, l.Start())
	waitForState(t, l, scale.StateConnected)

	requests := m.Requests()
	first := l.Status()
	for i := 0; i < 100; i++ {
		require.Equal(t, first, l.Status())
	}
	require.Equal(t, requests, m.Requests())
}

func TestConcurrentReads(t *testing.T) {
	m := newMock(t)

	var counter atomic.Int64
	m.SetResponder(func(cmd string) string {
		if cmd != sics.CmdImmediateWeight {
			return sics.TokenSyntaxError
		}
		return mock.FormatWeight(float64(counter.Add(1)), scale.UnitGrams, true)
	})
	m.SetDelay(time.Millisecond)

	l := newTestLink(t, m)
	require.Nil(t, l.Start())
	waitForState(t, l, scale.StateConnected)

	const nReaders = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[float64]int)
	)
	for i := 0; i < nReaders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reading, err := l.ReadOnce(context.Background())
			if !assert.Nil(t, err) {
				return
			}
			mu.Lock()
			results[reading.Weight]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, results, nReaders)
	for i := 1; i <= nReaders; i++ {
		require.Equal(t, 1, results[float64(i)], "response %d not received exactly once", i)
	}
	require.Equal(t, nReaders, m.Requests())
}

func TestProtocolErrorsKeepConnection(t *testing.T) {
	m := newMock(t)
	m.SetWeight(5, true)
	m.Push("S +", "S S abc g", "ET")

	l := newTestLink(t, m)
	require.Nil(t, l.Start())
	waitForState(t, l, scale.StateConnected)

	_, err := l.ReadOnce(context.Background())
	require.ErrorIs(t, err, sics.ErrInstrumentFault)
	require.False(t, IsConnectionError(err))
	require.Equal(t, scale.StateConnected, l.State())

	_, err = l.ReadOnce(context.Background())
	require.ErrorIs(t, err, sics.ErrMalformed)
	require.Equal(t, scale.StateConnected, l.State())

	_, err = l.ReadOnce(context.Background())
	require.ErrorIs(t, err, sics.ErrTransmission)
	require.Equal(t, scale.StateConnected, l.State())

	reading, err := l.ReadOnce(context.Background())
	require.Nil(t, err)
	require.Equal(t, 5.0, reading.Weight)
	require.Equal(t, 1, m.Accepted())
}

func TestTimeout(t *testing.T) {
	m := newMock(t)
	l := newTestLink(t, m)

	states := make(chan scale.ConnectionStatus, 16)
	l.SetStateChangeChannel(states)

	require.Nil(t, l.Start())
	waitForState(t, l, scale.StateConnected)
	require.Equal(t, scale.StateConnected, (<-states).State)

	m.SetSilent(true)
	start := time.Now()
	_, err := l.ReadOnce(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, ErrConnectionLost)
	require.Less(t, time.Since(start), testWait)

	status := <-states
	require.Equal(t, scale.StateDisconnected, status.State)
	require.ErrorIs(t, status.Error, ErrTimeout)

	// The supervisor reconnects once the balance responds again
	m.SetSilent(false)
	waitForState(t, l, scale.StateConnected)
	_, err = l.ReadOnce(context.Background())
	require.Nil(t, err)
	require.Nil(t, l.Status().Error)
}

func TestReconnectAfterSever(t *testing.T) {
	m := newMock(t)
	l := newTestLink(t, m)

	states := make(chan scale.ConnectionStatus, 16)
	l.SetStateChangeChannel(states)

	require.Nil(t, l.Start())
	waitForState(t, l, scale.StateConnected)
	require.Equal(t, scale.StateConnected, (<-states).State)

	m.Sever()
	_, err := l.ReadOnce(context.Background())
	require.ErrorIs(t, err, ErrConnectionLost)
	require.True(t, IsConnectionError(err))
	require.Equal(t, scale.StateDisconnected, (<-states).State)

	waitForState(t, l, scale.StateConnected)
	require.Equal(t, scale.StateConnected, (<-states).State)
	_, err = l.ReadOnce(context.Background())
	require.Nil(t, err)
	require.Equal(t, 2, m.Accepted())
}

func TestReconnectWithBackoff(t *testing.T) {
	m := newMock(t)
	require.Nil(t, m.Suspend())

	l := newTestLink(t, m)
	require.Nil(t, l.Start())
	require.Equal(t, scale.StateDisconnected, l.State())
	require.NotNil(t, l.Status().Error)

	_, err := l.ReadOnce(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)

	time.Sleep(100 * time.Millisecond)
	require.Nil(t, m.Resume())
	waitForState(t, l, scale.StateConnected)
	require.Nil(t, l.Status().Error)
}

func TestQueuedReadHonorsContext(t *testing.T) {
	m := newMock(t)
	m.SetDelay(200 * time.Millisecond)

	l := newTestLink(t, m)
	require.Nil(t, l.Start())
	waitForState(t, l, scale.StateConnected)

	done := make(chan error, 1)
	go func() {
		_, err := l.ReadOnce(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool {
		return m.Requests() == 1
	}, testWait, testTick)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.ReadOnce(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Nil(t, <-done)
	require.Equal(t, 1, m.Requests())
}

func TestStop(t *testing.T) {
	m := newMock(t)
	l := newTestLink(t, m)
	require.Nil(t, l.Start())
	require.NotNil(t, l.Start())
	waitForState(t, l, scale.StateConnected)

	require.Nil(t, l.Stop())
	require.Equal(t, scale.StateDisconnected, l.State())
	require.Nil(t, l.Stop())

	_, err := l.ReadOnce(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)

	// No supervisor may reconnect after Stop()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, m.Accepted())
	require.Equal(t, scale.StateDisconnected, l.State())
}

func TestCustomDialer(t *testing.T) {
	m := newMock(t)

	var dials atomic.Int32
	host, port := m.HostPort()
	tcp := NewTCPDialer(host, port, 0)
	l := New(Config{Host: "balance.invalid", ReadTimeout: time.Second},
		WithDialer(DialerFunc(func(ctx context.Context) (Conn, error) {
			dials.Add(1)
			return tcp.Dial(ctx)
		})),
	)
	require.Nil(t, l.Start())
	defer func() {
		require.Nil(t, l.Stop())
	}()

	waitForState(t, l, scale.StateConnected)
	require.Equal(t, int32(1), dials.Load())
	require.Equal(t, DefaultPort, l.Status().Port)
	require.Equal(t, "balance.invalid", l.Status().Host)

	_, err := l.ReadOnce(context.Background())
	require.Nil(t, err)
}

func TestSerialDevice(t *testing.T) {
	l := New(Config{Device: "/dev/ttyLAB0", Port: 4001})

	status := l.Status()
	require.Equal(t, scale.StateDisconnected, status.State)
	require.Equal(t, "/dev/ttyLAB0", status.Device)
	require.Empty(t, status.Host)
	require.Zero(t, status.Port)
	require.Equal(t, "/dev/ttyLAB0", l.addr())

	dialer, ok := l.dialer.(*SerialDialer)
	require.True(t, ok)
	require.Equal(t, "/dev/ttyLAB0", dialer.Device)
	require.Equal(t, DefaultBaudRate, dialer.Mode.BaudRate)
}

func TestTCPDialerAddr(t *testing.T) {
	require.Equal(t, "10.0.0.7:8001", NewTCPDialer("10.0.0.7", 8001, 0).Addr)
	require.Equal(t, "[::1]:4001", NewTCPDialer("::1", 4001, 0).Addr)
	require.Equal(t, "balance:"+strconv.Itoa(DefaultPort), NewTCPDialer("balance", DefaultPort, 0).Addr)
}

func TestIdleProbe(t *testing.T) {
	m := newMock(t)

	host, port := m.HostPort()
	l := New(Config{
		Host:        host,
		Port:        port,
		ReadTimeout: 100 * time.Millisecond,
		IdleProbe:   20 * time.Millisecond,
	}, WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	defer func() {
		require.Nil(t, l.Stop())
	}()

	states := make(chan scale.ConnectionStatus, 16)
	l.SetStateChangeChannel(states)

	require.Nil(t, l.Start())
	require.Equal(t, scale.StateConnected, (<-states).State)
	require.Eventually(t, func() bool {
		return m.Requests() >= 3
	}, testWait, testTick)

	// A balance that stopped answering is detected without any client request
	m.SetSilent(true)
	status := <-states
	require.Equal(t, scale.StateDisconnected, status.State)
	require.ErrorIs(t, status.Error, ErrTimeout)
}
