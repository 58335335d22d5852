// Package pipeline delivers one outbound message at a time: attach a
// screenshot, inject the text, trigger send, confirm the echo and wait for
// the reply to finish streaming.
//
// Every method and callback runs on the event loop goroutine. Callers on
// other goroutines go through eventloop.Loop.Do.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/bus"
	"chatrelay/internal/clock"
	"chatrelay/internal/domain"
	"chatrelay/internal/eventloop"
	"chatrelay/internal/locator"
	"chatrelay/internal/metrics"
	"chatrelay/internal/monitor"
	"chatrelay/internal/probe"
	"chatrelay/internal/script"
)

// Attacher captures the display and attaches it to the page. It must call
// onDone exactly once, on the loop, whatever happens.
type Attacher interface {
	CaptureAndAttach(set locator.Set, onDone func())
}

// ArtifactWriter receives every finished reply.
type ArtifactWriter interface {
	Write(text string) error
}

// Config holds the collaborators of a Pipeline.
type Config struct {
	Probe    probe.Prober
	Attacher Attacher // nil skips the screenshot step
	Locators *locator.Holder
	Surface  domain.InputSurface
	History  domain.History
	Artifact ArtifactWriter // nil skips the reply file
	Events   *bus.EventBus  // nil disables events

	Queue  eventloop.Queue
	Runner eventloop.Runner
	Clock  clock.Clock

	Timings Timings

	// Supersede makes Submit cancel an in-flight delivery instead of
	// rejecting the new message with domain.ErrBusy.
	Supersede bool

	Logger *slog.Logger
}

// Pipeline is the single-flight delivery orchestrator.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
	sched  *eventloop.Scheduler
	epoch  eventloop.Epoch

	inv  *invocation
	last domain.MonitorState
}

// invocation is the state of one Submit.
type invocation struct {
	id       string
	token    eventloop.Token
	text     string
	set      locator.Set
	started  time.Time
	logger   *slog.Logger
	baseline int
	state    domain.MonitorState

	echo         *monitor.EchoDetector
	reply        *monitor.ReplyMonitor
	userRecorded bool
}

func New(cfg Config) *Pipeline {
	if cfg.Runner == nil {
		cfg.Runner = eventloop.Goroutines{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Surface == nil {
		cfg.Surface = nopSurface{}
	}
	if cfg.Locators == nil {
		site, _ := locator.Preset(locator.DefaultSite)
		cfg.Locators = locator.NewHolder(site)
	}
	return &Pipeline{
		cfg:    cfg,
		logger: cfg.Logger,
		sched:  eventloop.NewScheduler(cfg.Clock, cfg.Queue),
		last:   domain.StateIdle,
	}
}

// Busy reports whether a delivery is in flight.
func (p *Pipeline) Busy() bool { return p.inv != nil }

// State returns the state of the current delivery, or of the last one when
// idle.
func (p *Pipeline) State() domain.MonitorState {
	if p.inv == nil {
		return p.last
	}
	if p.inv.reply != nil {
		return p.inv.reply.State()
	}
	return p.inv.state
}

// InvocationID returns the ID of the in-flight delivery, or "".
func (p *Pipeline) InvocationID() string {
	if p.inv == nil {
		return ""
	}
	return p.inv.id
}

// Submit starts delivering text. It returns domain.ErrEmptyMessage for
// blank text and domain.ErrBusy while another delivery is in flight; every
// later failure is handled inside the pipeline and reported through the
// logger and events.
func (p *Pipeline) Submit(text string) error {
	if strings.TrimSpace(text) == "" {
		metrics.RejectedTotal.Inc()
		return domain.ErrEmptyMessage
	}
	if p.inv != nil {
		if !p.cfg.Supersede {
			metrics.RejectedTotal.Inc()
			p.emit(bus.EventRejected, "", map[string]any{"text": text, "in_flight": p.inv.id})
			return domain.ErrBusy
		}
		p.logger.Info("new message supersedes in-flight delivery", "invocation", p.inv.id)
		p.finish(domain.StateIdle, bus.EventCancelled, domain.ErrCancelled)
	}

	p.cfg.Surface.SetSubmissionEnabled(false)

	id := uuid.NewString()
	inv := &invocation{
		id:      id,
		token:   p.epoch.Advance(),
		text:    text,
		set:     p.cfg.Locators.Load().Locators,
		started: p.cfg.Clock.Now(),
		logger:  p.logger.With("invocation", id[:8]),
		state:   domain.StateAwaitingEcho,
	}
	p.inv = inv

	metrics.SubmissionsTotal.Inc()
	metrics.InFlight.Set(1)
	inv.logger.Info("delivering message", "chars", len([]rune(text)))
	p.emit(bus.EventSubmitted, id, map[string]any{"text": text})

	if p.cfg.Timings.RequireNewReply {
		p.measureBaseline(inv)
	} else {
		p.attach(inv)
	}
	return nil
}

// Cancel aborts the in-flight delivery and re-enables submission. Callbacks
// that arrive for it later are ignored. It reports whether anything was
// cancelled.
func (p *Pipeline) Cancel() bool {
	if p.inv == nil {
		return false
	}
	p.inv.logger.Info("delivery cancelled")
	p.finish(domain.StateIdle, bus.EventCancelled, domain.ErrCancelled)
	return true
}

func (p *Pipeline) measureBaseline(inv *invocation) {
	p.cfg.Probe.Evaluate(script.Baseline(inv.set), func(r probe.Result) {
		inv.token.Guard(func() {
			if n, ok := r.Int(); ok {
				inv.baseline = n
			} else {
				inv.logger.Debug("reply baseline unavailable, assuming none", "err", r.Err)
			}
			p.attach(inv)
		})()
	})
}

func (p *Pipeline) attach(inv *invocation) {
	next := inv.token.Guard(func() {
		p.sched.Schedule(p.cfg.Timings.SettleDelay, inv.token.Guard(func() { p.inject(inv) }))
	})
	if p.cfg.Attacher == nil {
		next()
		return
	}
	p.cfg.Attacher.CaptureAndAttach(inv.set, next)
}

func (p *Pipeline) inject(inv *invocation) {
	p.cfg.Probe.Evaluate(script.Inject(inv.set, inv.text), func(r probe.Result) {
		inv.token.Guard(func() {
			if !r.Bool() {
				err := fmt.Errorf("text entry: %w", domain.ErrLocatorMiss)
				if r.Err != nil {
					err = fmt.Errorf("inject text: %w", r.Err)
				} else {
					metrics.LocatorMiss("textEntries")
				}
				inv.logger.Error("could not inject message, delivery aborted", "err", err)
				p.finish(domain.StateIdle, bus.EventAborted, err)
				return
			}
			p.emit(bus.EventInjected, inv.id, nil)
			p.sched.Schedule(p.cfg.Timings.SendDelay, inv.token.Guard(func() { p.send(inv) }))
		})()
	})
}

func (p *Pipeline) send(inv *invocation) {
	p.cfg.Probe.Evaluate(script.Send(inv.set), func(r probe.Result) {
		inv.token.Guard(func() {
			switch {
			case r.Err != nil:
				inv.logger.Warn("send trigger probe failed, continuing", "err", r.Err)
			case !r.Bool():
				metrics.LocatorMiss("sendTriggers")
				inv.logger.Warn("no send trigger found, continuing",
					"err", fmt.Errorf("send trigger: %w", domain.ErrLocatorMiss))
			}
			p.sched.Schedule(p.cfg.Timings.EchoDelay, inv.token.Guard(func() { p.confirmEcho(inv) }))
		})()
	})
}

func (p *Pipeline) confirmEcho(inv *invocation) {
	t := p.cfg.Timings
	inv.echo = monitor.NewEchoDetector(monitor.EchoConfig{
		Probe:       p.cfg.Probe,
		Scheduler:   p.sched,
		Token:       inv.token,
		Locators:    inv.set,
		Interval:    t.EchoInterval,
		MaxAttempts: t.EchoMaxAttempts,
		PrefixLen:   t.EchoPrefixLen,
		Logger:      inv.logger,
	})
	inv.echo.Confirm(inv.text, func(found bool) {
		if found {
			p.recordUser(inv)
			p.emit(bus.EventEchoed, inv.id, map[string]any{"attempts": inv.echo.Attempts() + 1})
			p.monitorReply(inv)
			return
		}
		if !t.OptimisticEcho {
			err := fmt.Errorf("echo not seen after %d checks: %w", inv.echo.Attempts(), domain.ErrRetryExhausted)
			inv.logger.Error("message never appeared on page, delivery aborted", "err", err)
			p.finish(domain.StateIdle, bus.EventAborted, err)
			return
		}
		metrics.EchoAssumed.Inc()
		inv.logger.Warn("message not seen on page, assuming it was sent", "attempts", inv.echo.Attempts())
		p.recordUser(inv)
		p.emit(bus.EventEchoAssumed, inv.id, map[string]any{"attempts": inv.echo.Attempts()})
		p.monitorReply(inv)
	})
}

func (p *Pipeline) recordUser(inv *invocation) {
	if inv.userRecorded {
		return
	}
	inv.userRecorded = true
	msg := p.cfg.History.AppendMessage(inv.text, domain.SenderUser)
	p.emit(bus.EventMessageAdded, inv.id, map[string]any{"text": msg.Text, "sender": string(msg.Sender)})
}

func (p *Pipeline) monitorReply(inv *invocation) {
	t := p.cfg.Timings
	inv.state = domain.StateAwaitingReply
	inv.reply = monitor.NewReplyMonitor(monitor.ReplyConfig{
		Probe:           p.cfg.Probe,
		Scheduler:       p.sched,
		Token:           inv.token,
		Clock:           p.cfg.Clock,
		Queue:           p.cfg.Queue,
		Locators:        inv.set,
		Interval:        t.ReplyInterval,
		StableThreshold: t.StableThreshold,
		Timeout:         t.ReplyTimeout,
		Baseline:        inv.baseline,
		KeepRunOnStop:   t.KeepRunOnStop,
		Logger:          inv.logger,
	})
	inv.reply.Start(
		func(r monitor.Reply) { p.completeReply(inv, r) },
		func() {
			err := fmt.Errorf("after %s: %w", t.ReplyTimeout, domain.ErrReplyTimeout)
			p.finish(domain.StateIdle, bus.EventReplyTimeout, err)
		},
	)
}

func (p *Pipeline) completeReply(inv *invocation, r monitor.Reply) {
	msg := p.cfg.History.AppendMessage(r.Text, domain.SenderAgent)
	p.emit(bus.EventMessageAdded, inv.id, map[string]any{"text": msg.Text, "sender": string(msg.Sender)})

	metrics.RepliesTotal.Inc()
	metrics.ReplyLatency.Observe(p.cfg.Clock.Now().Sub(inv.started).Seconds())

	if w := p.cfg.Artifact; w != nil {
		text, logger := r.Text, inv.logger
		p.cfg.Runner.Go(func() {
			if err := w.Write(text); err != nil {
				logger.Error("failed to write reply file", "err", err)
			}
		})
	}

	p.emit(bus.EventReplyCompleted, inv.id, map[string]any{
		"text":          r.Text,
		"chars":         r.Length,
		"polls":         r.Polls,
		"echo_attempts": inv.echo.Attempts(),
		"latency":       p.cfg.Clock.Now().Sub(inv.started),
	})
	p.finish(domain.StateComplete, "", nil)
}

// finish ends the in-flight delivery: timers are cancelled, the epoch moves
// on so late callbacks are ignored, and the input surface is restored.
func (p *Pipeline) finish(state domain.MonitorState, event string, err error) {
	inv := p.inv
	if inv == nil {
		return
	}
	p.sched.Cancel()
	if inv.reply != nil {
		inv.reply.Stop()
	}
	p.epoch.Advance()
	p.inv = nil
	p.last = state
	metrics.InFlight.Set(0)

	if err != nil && !errors.Is(err, domain.ErrCancelled) {
		metrics.AbortsTotal.Inc()
	}
	if event != "" {
		payload := map[string]any{"text": inv.text}
		if err != nil {
			payload["error"] = err.Error()
		}
		if inv.echo != nil {
			payload["echo_attempts"] = inv.echo.Attempts()
		}
		payload["latency"] = p.cfg.Clock.Now().Sub(inv.started)
		p.emit(event, inv.id, payload)
	}

	p.cfg.Surface.SetSubmissionEnabled(true)
	p.cfg.Surface.FocusInputSurface()
}

func (p *Pipeline) emit(eventType, invocationID string, payload map[string]any) {
	if p.cfg.Events == nil {
		return
	}
	p.cfg.Events.Emit(bus.Event{
		Type:         eventType,
		InvocationID: invocationID,
		Payload:      payload,
		Timestamp:    p.cfg.Clock.Now(),
	})
}

type nopSurface struct{}

func (nopSurface) SetSubmissionEnabled(bool) {}
func (nopSurface) FocusInputSurface()        {}
