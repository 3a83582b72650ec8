package formula

import "math"

// windowStat is a fixed-capacity ring buffer over one series, maintaining
// incremental sum and sum-of-squares so mean and stddev are O(1) per step.
// Order-dependent reductions (min, max, argmax, product) scan the buffer,
// which is O(W) but never O(n·W) across a pass.
//
// The evaluator pushes the observation at t only after reading the window,
// so every reduction sees observations strictly before t.
type windowStat struct {
	buf   []float64
	head  int
	size  int
	sum   float64
	sumsq float64
	nans  int
}

func newWindowStat(w int) *windowStat {
	return &windowStat{buf: make([]float64, w)}
}

func (s *windowStat) push(v float64) {
	w := len(s.buf)
	if s.size == w {
		// evict the oldest in place and advance head
		old := s.buf[s.head]
		if math.IsNaN(old) {
			s.nans--
		} else {
			s.sum -= old
			s.sumsq -= old * old
		}
		s.buf[s.head] = v
		s.head = (s.head + 1) % w
	} else {
		s.buf[(s.head+s.size)%w] = v
		s.size++
	}
	if math.IsNaN(v) {
		s.nans++
	} else {
		s.sum += v
		s.sumsq += v * v
	}
}

// at returns the i-th element of the window, 0 being the oldest.
func (s *windowStat) at(i int) float64 {
	return s.buf[(s.head+i)%len(s.buf)]
}

// ready reports whether the window holds exactly W defined observations.
func (s *windowStat) ready() bool {
	return s.size == len(s.buf) && s.nans == 0
}

func (s *windowStat) mean() float64 {
	return s.sum / float64(s.size)
}

// stddev is the population standard deviation (ddof=0), matching the
// source system's rolling std.
func (s *windowStat) stddev() float64 {
	n := float64(s.size)
	v := s.sumsq/n - (s.sum/n)*(s.sum/n)
	if v < 0 {
		v = 0 // guard against negative variance from rounding
	}
	return math.Sqrt(v)
}

func (s *windowStat) minimum() float64 {
	m := s.at(0)
	for i := 1; i < s.size; i++ {
		if v := s.at(i); v < m {
			m = v
		}
	}
	return m
}

func (s *windowStat) maximum() float64 {
	m := s.at(0)
	for i := 1; i < s.size; i++ {
		if v := s.at(i); v > m {
			m = v
		}
	}
	return m
}

// argmax returns the offset of the maximum from the oldest element; ties
// resolve to the earliest, as np.argmax does.
func (s *windowStat) argmax() float64 {
	best, idx := s.at(0), 0
	for i := 1; i < s.size; i++ {
		if v := s.at(i); v > best {
			best, idx = v, i
		}
	}
	return float64(idx)
}

func (s *windowStat) argmin() float64 {
	best, idx := s.at(0), 0
	for i := 1; i < s.size; i++ {
		if v := s.at(i); v < best {
			best, idx = v, i
		}
	}
	return float64(idx)
}

func (s *windowStat) product() float64 {
	p := 1.0
	for i := 0; i < s.size; i++ {
		p *= s.at(i)
	}
	return p
}

// rollingApply maps a window reduction over x with window w, yielding NaN
// until w prior observations exist and whenever the window contains NaN.
func rollingApply(x Series, w int, f func(*windowStat) float64) Series {
	out := nanSeries(len(x))
	ws := newWindowStat(w)
	for t := range x {
		if ws.ready() {
			out[t] = f(ws)
		}
		ws.push(x[t])
	}
	return out
}

// pairStat maintains incremental sums over two aligned windows for rolling
// covariance and correlation.
type pairStat struct {
	x, y   []float64
	size   int
	sx, sy float64
	sxx    float64
	syy    float64
	sxy    float64
	nans   int
}

func newPairStat(w int) *pairStat {
	return &pairStat{x: make([]float64, 0, w), y: make([]float64, 0, w)}
}

func (s *pairStat) push(xv, yv float64) {
	if len(s.x) == cap(s.x) {
		ox, oy := s.x[0], s.y[0]
		s.x = append(s.x[:0], s.x[1:]...)
		s.y = append(s.y[:0], s.y[1:]...)
		if math.IsNaN(ox) || math.IsNaN(oy) {
			s.nans--
		} else {
			s.sx -= ox
			s.sy -= oy
			s.sxx -= ox * ox
			s.syy -= oy * oy
			s.sxy -= ox * oy
		}
	}
	s.x = append(s.x, xv)
	s.y = append(s.y, yv)
	if math.IsNaN(xv) || math.IsNaN(yv) {
		s.nans++
	} else {
		s.sx += xv
		s.sy += yv
		s.sxx += xv * xv
		s.syy += yv * yv
		s.sxy += xv * yv
	}
}

func (s *pairStat) ready() bool {
	return len(s.x) == cap(s.x) && s.nans == 0
}

// covariance is the sample covariance (ddof=1), matching pandas rolling cov.
func (s *pairStat) covariance() float64 {
	n := float64(len(s.x))
	if n < 2 {
		return math.NaN()
	}
	return (s.sxy - s.sx*s.sy/n) / (n - 1)
}

func (s *pairStat) correlation() float64 {
	n := float64(len(s.x))
	if n < 2 {
		return math.NaN()
	}
	cov := s.sxy - s.sx*s.sy/n
	vx := s.sxx - s.sx*s.sx/n
	vy := s.syy - s.sy*s.sy/n
	if vx <= 0 || vy <= 0 {
		return math.NaN()
	}
	return cov / math.Sqrt(vx*vy)
}

// rollingPair maps a pairwise window reduction over x and y.
func rollingPair(x, y Series, w int, f func(*pairStat) float64) Series {
	out := nanSeries(len(x))
	ps := newPairStat(w)
	for t := range x {
		if ps.ready() {
			out[t] = f(ps)
		}
		ps.push(x[t], y[t])
	}
	return out
}
