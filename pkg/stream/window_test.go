package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWindowStableWithinTolerance(t *testing.T) {
	w := NewWindow(DefaultWindowSize, DefaultTolerance)

	for i, v := range []float64{10.00, 10.10, 10.20, 10.30} {
		w.Push(v)
		require.False(t, w.Stable(), "window unexpectedly stable after %d values", i+1)
	}
	w.Push(10.40)
	require.Equal(t, 5, w.Len())
	require.InDelta(t, 0.40, w.Span(), 1e-9)
	require.True(t, w.Stable())
}

func TestWindowUnstableOutsideTolerance(t *testing.T) {
	w := NewWindow(DefaultWindowSize, DefaultTolerance)
	for i := 0; i < 5; i++ {
		w.Push(10.00)
	}
	require.True(t, w.Stable())

	w.Push(10.00)
	w.Push(10.60)
	require.InDelta(t, 0.60, w.Span(), 1e-9)
	require.False(t, w.Stable())

	// The window slides: once 10.00 has been evicted it becomes stable again
	for i := 0; i < 3; i++ {
		w.Push(10.60)
		require.False(t, w.Stable())
	}
	w.Push(10.60)
	require.True(t, w.Stable())
}

func TestWindowToleranceBoundary(t *testing.T) {
	w := NewWindow(DefaultWindowSize, DefaultTolerance)
	for _, v := range []float64{9.8, 10.3, 10.0, 9.9, 10.1} {
		w.Push(v)
	}
	require.True(t, w.Stable())

	w.Push(9.79)
	require.False(t, w.Stable())
}

func TestWindowSliding(t *testing.T) {
	w := NewWindow(3, 1)
	require.Equal(t, 3, w.Cap())
	require.Zero(t, w.Len())
	require.Zero(t, w.Span())

	for i := 1; i <= 10; i++ {
		w.Push(float64(i))
		if i >= 3 {
			require.Equal(t, 3, w.Len())
			require.InDelta(t, 2, w.Span(), 1e-9)
			require.False(t, w.Stable())
		}
	}
}

func TestWindowReset(t *testing.T) {
	w := NewWindow(2, 0.5)
	w.Push(1)
	w.Push(1)
	require.True(t, w.Stable())

	w.Reset()
	require.Zero(t, w.Len())
	require.False(t, w.Stable())

	w.Push(5)
	require.False(t, w.Stable())
	w.Push(5)
	require.True(t, w.Stable())
}

func TestWindowDefaults(t *testing.T) {
	w := NewWindow(0, -1)
	require.Equal(t, DefaultWindowSize, w.Cap())
	require.Equal(t, DefaultTolerance, w.tolerance)
}
