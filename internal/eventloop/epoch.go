package eventloop

// Epoch numbers successive pipeline invocations. Callbacks capture a Token
// when they are issued and check it when they run; advancing the epoch
// turns every outstanding Token stale.
//
// Epoch is not synchronized: use it only on the loop goroutine.
type Epoch struct {
	current uint64
}

// Token identifies one epoch value.
type Token struct {
	epoch *Epoch
	n     uint64
}

// Advance starts a new epoch and returns its token.
func (e *Epoch) Advance() Token {
	e.current++
	return Token{epoch: e, n: e.current}
}

// Current returns a token for the present epoch.
func (e *Epoch) Current() Token {
	return Token{epoch: e, n: e.current}
}

// Live reports whether the token's epoch is still the current one.
func (t Token) Live() bool {
	return t.epoch != nil && t.epoch.current == t.n
}

// Guard wraps fn so it does nothing once the token is stale.
func (t Token) Guard(fn func()) func() {
	return func() {
		if t.Live() {
			fn()
		}
	}
}
