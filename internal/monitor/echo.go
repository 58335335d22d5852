package monitor

import (
	"log/slog"
	"time"

	"chatrelay/internal/eventloop"
	"chatrelay/internal/locator"
	"chatrelay/internal/metrics"
	"chatrelay/internal/probe"
	"chatrelay/internal/script"
)

const (
	DefaultEchoInterval    = 800 * time.Millisecond
	DefaultEchoMaxAttempts = 15
	DefaultEchoPrefixLen   = 50
)

// EchoConfig configures an EchoDetector.
type EchoConfig struct {
	Probe       probe.Prober
	Scheduler   *eventloop.Scheduler
	Token       eventloop.Token
	Locators    locator.Set
	Interval    time.Duration
	MaxAttempts int
	PrefixLen   int
	Logger      *slog.Logger
}

// EchoDetector polls the page until the outbound text shows up in the
// conversation, or gives up after MaxAttempts misses. A detector serves one
// message; create a new one per delivery.
type EchoDetector struct {
	cfg      EchoConfig
	attempts int
}

func NewEchoDetector(cfg EchoConfig) *EchoDetector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultEchoInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultEchoMaxAttempts
	}
	if cfg.PrefixLen <= 0 {
		cfg.PrefixLen = DefaultEchoPrefixLen
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &EchoDetector{cfg: cfg}
}

// Attempts is the number of checks that did not find the text.
func (d *EchoDetector) Attempts() int { return d.attempts }

// Confirm checks for text now and then every Interval. onDone(true) runs as
// soon as it is found; onDone(false) runs once the attempts are exhausted.
func (d *EchoDetector) Confirm(text string, onDone func(found bool)) {
	prefix := script.EchoPrefix(text, d.cfg.PrefixLen)
	s := script.Echo(d.cfg.Locators, prefix)

	var check func()
	check = func() {
		d.cfg.Probe.Evaluate(s, func(r probe.Result) {
			d.cfg.Token.Guard(func() {
				if r.Bool() {
					d.cfg.Logger.Info("message echoed on page", "attempts", d.attempts+1)
					onDone(true)
					return
				}
				d.attempts++
				metrics.EchoRetries.Inc()
				if r.Err != nil {
					d.cfg.Logger.Debug("echo probe failed", "attempt", d.attempts, "err", r.Err)
				}
				if d.attempts >= d.cfg.MaxAttempts {
					onDone(false)
					return
				}
				d.cfg.Logger.Debug("message not on page yet", "attempt", d.attempts, "max", d.cfg.MaxAttempts)
				d.cfg.Scheduler.Schedule(d.cfg.Interval, d.cfg.Token.Guard(check))
			})()
		})
	}
	check()
}
