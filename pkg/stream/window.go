package stream

const (

	// DefaultWindowSize is the number of readings required for a stability verdict
	DefaultWindowSize = 5

	// DefaultTolerance is the maximum spread of a stable window (in the
	// instrument's reported unit)
	DefaultTolerance = 0.5

	// epsilon absorbs binary floating point error of decimal readings
	epsilon = 1e-9
)

// Window denotes a fixed-capacity sliding window of the most recent weight
// values. It is not safe for concurrent use.
type Window struct {
	values    []float64
	next      int
	full      bool
	tolerance float64
}

// NewWindow instantiates a new, empty window
func NewWindow(size int, tolerance float64) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	if tolerance < 0 {
		tolerance = DefaultTolerance
	}
	return &Window{
		values:    make([]float64, size),
		tolerance: tolerance,
	}
}

// Push adds a value, evicting the oldest one once the window is full
func (w *Window) Push(value float64) {
	w.values[w.next] = value
	w.next++
	if w.next == len(w.values) {
		w.next = 0
		w.full = true
	}
}

// Len returns the number of values currently held
func (w *Window) Len() int {
	if w.full {
		return len(w.values)
	}
	return w.next
}

// Cap returns the capacity of the window
func (w *Window) Cap() int {
	return len(w.values)
}

// Span returns the difference between the largest and smallest value held
func (w *Window) Span() float64 {
	n := w.Len()
	if n == 0 {
		return 0
	}

	min, max := w.values[0], w.values[0]
	for _, v := range w.values[1:n] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	return max - min
}

// Stable returns if the window is full and its span is within tolerance
func (w *Window) Stable() bool {
	return w.full && w.Span() <= w.tolerance+epsilon
}

// Reset empties the window
func (w *Window) Reset() {
	w.next = 0
	w.full = false
}
