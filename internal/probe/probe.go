// Package probe evaluates scripts against the live page and hands each
// result back on the event loop exactly once.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/internal/domain"
	"chatrelay/internal/eventloop"
	"chatrelay/internal/metrics"
	"chatrelay/internal/script"
)

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = 10 * time.Second

// Evaluator runs a script on the page and returns its JSON-encoded value.
// Implementations may block.
type Evaluator interface {
	Evaluate(ctx context.Context, source string) (json.RawMessage, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, source string) (json.RawMessage, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, source string) (json.RawMessage, error) {
	return f(ctx, source)
}

// Prober is what the pipeline components need from a Probe.
type Prober interface {
	Evaluate(s script.Script, cb func(Result))
}

// Result is the outcome of one probe. A non-nil Err means "no signal".
type Result struct {
	Kind script.Kind
	Raw  json.RawMessage
	Err  error
	Took time.Duration
}

// Bool reports whether the probe produced the JSON value true.
func (r Result) Bool() bool {
	if r.Err != nil {
		return false
	}
	var v bool
	if err := json.Unmarshal(r.Raw, &v); err != nil {
		return false
	}
	return v
}

// Int decodes a numeric result.
func (r Result) Int() (int, bool) {
	if r.Err != nil {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(r.Raw, &v); err != nil {
		return 0, false
	}
	return int(v), true
}

// Decode unmarshals the result into v.
func (r Result) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}
	if len(r.Raw) == 0 {
		return fmt.Errorf("%s probe: %w: empty result", r.Kind, domain.ErrProbeFailed)
	}
	if err := json.Unmarshal(r.Raw, v); err != nil {
		return fmt.Errorf("%s probe: %w: decode: %v", r.Kind, domain.ErrProbeFailed, err)
	}
	return nil
}

// Config holds the collaborators of a Probe.
type Config struct {
	Evaluator Evaluator
	Queue     eventloop.Queue
	Runner    eventloop.Runner
	Clock     clock.Clock
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Probe is the only path from the pipeline to the page.
type Probe struct {
	eval    Evaluator
	queue   eventloop.Queue
	runner  eventloop.Runner
	clock   clock.Clock
	timeout time.Duration
	logger  *slog.Logger
}

func New(cfg Config) *Probe {
	if cfg.Runner == nil {
		cfg.Runner = eventloop.Goroutines{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Probe{
		eval:    cfg.Evaluator,
		queue:   cfg.Queue,
		runner:  cfg.Runner,
		clock:   cfg.Clock,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// call delivers at most one result for a single evaluation.
type call struct {
	mu     sync.Mutex
	done   bool
	timer  *clock.Timer
	cancel context.CancelFunc
}

func (c *call) finish() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return false
	}
	c.done = true
	c.timer.Stop()
	if c.cancel != nil {
		c.cancel()
	}
	return true
}

// Evaluate runs s and invokes cb with the result on the event loop. cb runs
// exactly once, never synchronously inside Evaluate, even when the surface
// is unavailable, the script throws or the evaluation times out.
func (p *Probe) Evaluate(s script.Script, cb func(Result)) {
	start := p.clock.Now()
	c := &call{}

	deliver := func(res Result) {
		if !c.finish() {
			return
		}
		res.Kind = s.Kind
		res.Took = p.clock.Now().Sub(start)
		metrics.ProbeCompleted(string(s.Kind), res.Err != nil, res.Took)
		if res.Err != nil {
			p.logger.Debug("probe produced no signal", "kind", s.Kind, "err", res.Err)
		}
		if !p.queue.Post(func() { cb(res) }) {
			p.logger.Debug("probe result dropped, loop closed", "kind", s.Kind)
		}
	}

	if p.eval == nil {
		p.runner.Go(func() {
			deliver(Result{Err: fmt.Errorf("%s probe: %w", s.Kind, domain.ErrSurfaceUnavailable)})
		})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	if p.timeout > 0 {
		c.timer = p.clock.AfterFunc(p.timeout, func() {
			deliver(Result{Err: fmt.Errorf("%s probe after %s: %w", s.Kind, p.timeout, domain.ErrProbeTimeout)})
		})
	}
	c.mu.Unlock()

	p.runner.Go(func() {
		raw, err := p.eval.Evaluate(ctx, s.Source)
		deliver(Result{Raw: raw, Err: classify(s.Kind, err)})
	})
}

func classify(kind script.Kind, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrSurfaceUnavailable),
		errors.Is(err, domain.ErrProbeTimeout),
		errors.Is(err, domain.ErrProbeFailed):
		return fmt.Errorf("%s probe: %w", kind, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s probe: %w: %v", kind, domain.ErrProbeTimeout, err)
	default:
		return fmt.Errorf("%s probe: %w: %v", kind, domain.ErrProbeFailed, err)
	}
}
