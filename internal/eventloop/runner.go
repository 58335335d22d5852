package eventloop

// Runner executes blocking work away from the loop goroutine.
type Runner interface {
	Go(fn func())
}

// Goroutines runs each function in a new goroutine.
type Goroutines struct{}

func (Goroutines) Go(fn func()) { go fn() }

// Inline runs each function on the caller's goroutine. Only for tests and
// for surfaces whose calls never block.
type Inline struct{}

func (Inline) Go(fn func()) { fn() }
