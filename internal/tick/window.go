package tick

// Window is a fixed size FIFO of samples. It always holds exactly Len
// values; pushing drops the oldest.
type Window struct {
	samples []float64
	head    int
}

// NewWindow creates a window of n samples all set to fill.
func NewWindow(n int, fill float64) *Window {
	w := &Window{samples: make([]float64, n)}
	for i := range w.samples {
		w.samples[i] = fill
	}
	return w
}

// Push appends v and drops the oldest sample.
func (w *Window) Push(v float64) {
	w.samples[w.head] = v
	w.head = (w.head + 1) % len(w.samples)
}

// Len returns the window size.
func (w *Window) Len() int { return len(w.samples) }

// Values returns the samples oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, 0, len(w.samples))
	out = append(out, w.samples[w.head:]...)
	return append(out, w.samples[:w.head]...)
}

// Average returns the mean of the samples.
func (w *Window) Average() float64 {
	var sum float64
	for _, v := range w.samples {
		sum += v
	}
	return sum / float64(len(w.samples))
}
