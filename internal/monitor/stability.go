package monitor

// Stability decides when a streaming reply has stopped growing. It tracks
// the current run of identical non-zero lengths: a repeat extends the run,
// a different length starts a new run, and zero clears it. A run of one
// sample is not stable, so Count reports 0 until the length repeats.
type Stability struct {
	threshold int
	last      int
	run       int
}

// DefaultStableThreshold is the run length that marks a reply complete.
const DefaultStableThreshold = 3

func NewStability(threshold int) *Stability {
	if threshold <= 0 {
		threshold = DefaultStableThreshold
	}
	return &Stability{threshold: threshold}
}

// Observe records one sampled length and reports whether the run has
// reached the threshold.
func (s *Stability) Observe(length int) bool {
	switch {
	case length <= 0:
		s.last, s.run = 0, 0
	case length == s.last:
		s.run++
	default:
		s.last, s.run = length, 1
	}
	return s.run >= s.threshold
}

// Reset clears the run.
func (s *Stability) Reset() {
	s.last, s.run = 0, 0
}

// Count is the stable count: the run length once the length has repeated,
// 0 before that.
func (s *Stability) Count() int {
	if s.run < 2 {
		return 0
	}
	return s.run
}

// Last is the most recent non-zero length in the run.
func (s *Stability) Last() int { return s.last }

func (s *Stability) Threshold() int { return s.threshold }
