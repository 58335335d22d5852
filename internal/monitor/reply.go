package monitor

import (
	"log/slog"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/internal/domain"
	"chatrelay/internal/eventloop"
	"chatrelay/internal/locator"
	"chatrelay/internal/probe"
	"chatrelay/internal/script"
)

const (
	DefaultReplyInterval = 1500 * time.Millisecond
	previewRunes         = 200
)

// ReplyConfig configures a ReplyMonitor.
type ReplyConfig struct {
	Probe     probe.Prober
	Scheduler *eventloop.Scheduler
	Token     eventloop.Token
	Clock     clock.Clock
	Queue     eventloop.Queue
	Locators  locator.Set

	Interval        time.Duration
	StableThreshold int
	Timeout         time.Duration // 0 waits forever
	Baseline        int           // reply containers rendered before the submit
	KeepRunOnStop   bool          // a stop indicator pauses the run instead of clearing it
	Logger          *slog.Logger
}

// Reply is a finished reply.
type Reply struct {
	Text   string
	Length int
	Polls  int
	Took   time.Duration
}

// ReplyMonitor polls the page until the latest reply stops changing. Polls
// are serialized: the next one is scheduled only after the previous result
// has been handled.
type ReplyMonitor struct {
	cfg       ReplyConfig
	logger    *slog.Logger
	stability *Stability
	watchdog  *eventloop.Scheduler
	state     domain.MonitorState
	phase     string
	polls     int
	done      bool
	started   time.Time

	onComplete func(Reply)
	onTimeout  func()
}

func NewReplyMonitor(cfg ReplyConfig) *ReplyMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReplyInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ReplyMonitor{
		cfg:       cfg,
		logger:    cfg.Logger,
		stability: NewStability(cfg.StableThreshold),
		watchdog:  eventloop.NewScheduler(cfg.Clock, cfg.Queue),
		state:     domain.StateIdle,
	}
}

// State returns the monitor's current state.
func (m *ReplyMonitor) State() domain.MonitorState { return m.state }

// StableCount exposes the current stable run length.
func (m *ReplyMonitor) StableCount() int { return m.stability.Count() }

// Start begins polling. Exactly one of onComplete or onTimeout runs, unless
// Stop is called first.
func (m *ReplyMonitor) Start(onComplete func(Reply), onTimeout func()) {
	m.onComplete = onComplete
	m.onTimeout = onTimeout
	m.state = domain.StateAwaitingReply
	m.started = m.cfg.Clock.Now()
	m.logger.Info("waiting for reply")

	if m.cfg.Timeout > 0 {
		m.watchdog.Schedule(m.cfg.Timeout, m.cfg.Token.Guard(m.expire))
	}
	m.schedule()
}

// Stop cancels polling and the watchdog. Results of a probe already in
// flight are ignored.
func (m *ReplyMonitor) Stop() {
	m.done = true
	m.cfg.Scheduler.Cancel()
	m.watchdog.Cancel()
}

func (m *ReplyMonitor) schedule() {
	m.cfg.Scheduler.Schedule(m.cfg.Interval, m.cfg.Token.Guard(m.poll))
}

func (m *ReplyMonitor) poll() {
	if m.done {
		return
	}
	m.polls++
	m.cfg.Probe.Evaluate(script.Reply(m.cfg.Locators, m.cfg.Baseline), func(r probe.Result) {
		m.cfg.Token.Guard(func() {
			if m.done {
				return
			}
			if m.observe(r) {
				return
			}
			m.schedule()
		})()
	})
}

// observe handles one poll result and reports whether the reply completed.
func (m *ReplyMonitor) observe(r probe.Result) bool {
	var st ReplyStatus
	if err := r.Decode(&st); err != nil {
		m.logger.Warn("reply probe failed, retrying", "err", err)
		return false
	}

	switch st.Reason {
	case ReasonStopIndicator:
		if !m.cfg.KeepRunOnStop {
			m.stability.Reset()
			m.state = domain.StateAwaitingReply
		}
		m.logOnce("replying", "remote is still replying")
		return false
	case ReasonOK:
	default:
		m.logOnce("waiting", "waiting for reply", "reason", st.Reason)
		return false
	}

	m.phase = ""
	prev := m.stability.Last()
	if m.stability.Observe(st.ReplyLength) {
		m.complete(st)
		return true
	}
	if m.stability.Count() > 0 {
		m.state = domain.StateStableCounting
	} else {
		m.state = domain.StateAwaitingReply
	}
	if st.ReplyLength != prev {
		m.logger.Info("reply updated", "chars", st.ReplyLength)
	} else {
		m.logger.Debug("reply length stable", "chars", st.ReplyLength,
			"count", m.stability.Count(), "threshold", m.stability.Threshold())
	}
	return false
}

func (m *ReplyMonitor) complete(st ReplyStatus) {
	m.Stop()
	m.state = domain.StateComplete
	reply := Reply{
		Text:   st.ReplyText,
		Length: st.ReplyLength,
		Polls:  m.polls,
		Took:   m.cfg.Clock.Now().Sub(m.started),
	}
	m.logger.Info("reply complete", "chars", reply.Length, "polls", reply.Polls,
		"took", reply.Took, "preview", Preview(reply.Text, previewRunes))
	if m.onComplete != nil {
		m.onComplete(reply)
	}
}

func (m *ReplyMonitor) expire() {
	if m.done {
		return
	}
	m.Stop()
	m.state = domain.StateIdle
	m.logger.Warn("no complete reply before timeout", "timeout", m.cfg.Timeout, "polls", m.polls)
	if m.onTimeout != nil {
		m.onTimeout()
	}
}

// logOnce logs msg the first time a phase is entered.
func (m *ReplyMonitor) logOnce(phase, msg string, args ...any) {
	if m.phase == phase {
		return
	}
	m.phase = phase
	m.logger.Info(msg, args...)
}
