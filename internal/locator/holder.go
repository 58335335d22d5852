package locator

import "sync/atomic"

// Holder publishes the active site to readers on other goroutines. Watch
// callbacks store into it; each pipeline invocation loads once at start.
type Holder struct {
	p atomic.Pointer[Site]
}

func NewHolder(site Site) *Holder {
	h := &Holder{}
	h.Store(site)
	return h
}

func (h *Holder) Load() Site {
	if s := h.p.Load(); s != nil {
		return *s
	}
	return Site{}
}

func (h *Holder) Store(site Site) {
	h.p.Store(&site)
}
