package pipeline

import (
	"context"
	"fmt"

	"chatrelay/internal/domain"
)

// Doer runs fn on the event loop and waits for it. *eventloop.Loop
// implements it.
type Doer interface {
	Do(ctx context.Context, fn func()) error
}

// Status is a snapshot of the pipeline.
type Status struct {
	Busy         bool
	State        domain.MonitorState
	InvocationID string
}

// Handle gives surfaces on other goroutines access to a Pipeline.
type Handle struct {
	loop Doer
	p    *Pipeline
}

func NewHandle(loop Doer, p *Pipeline) *Handle {
	return &Handle{loop: loop, p: p}
}

// Submit calls Pipeline.Submit on the loop.
func (h *Handle) Submit(ctx context.Context, text string) error {
	var err error
	if doErr := h.loop.Do(ctx, func() { err = h.p.Submit(text) }); doErr != nil {
		return fmt.Errorf("submit: %w", doErr)
	}
	return err
}

// Cancel calls Pipeline.Cancel on the loop.
func (h *Handle) Cancel(ctx context.Context) bool {
	var cancelled bool
	if err := h.loop.Do(ctx, func() { cancelled = h.p.Cancel() }); err != nil {
		return false
	}
	return cancelled
}

// Status reads the pipeline state on the loop.
func (h *Handle) Status(ctx context.Context) (Status, error) {
	var st Status
	err := h.loop.Do(ctx, func() {
		st = Status{Busy: h.p.Busy(), State: h.p.State(), InvocationID: h.p.InvocationID()}
	})
	return st, err
}
