package monitor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/internal/domain"
	"chatrelay/internal/eventloop"
	"chatrelay/internal/locator"
	"chatrelay/internal/probe"
	"chatrelay/internal/script"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProber answers probes of each kind from a list, repeating the
// last entry once the list is used up.
type scriptedProber struct {
	q       eventloop.Queue
	answers map[script.Kind][]probe.Result
	calls   map[script.Kind]int
}

func newScriptedProber(q eventloop.Queue) *scriptedProber {
	return &scriptedProber{q: q, answers: map[script.Kind][]probe.Result{}, calls: map[script.Kind]int{}}
}

func (p *scriptedProber) Evaluate(s script.Script, cb func(probe.Result)) {
	list := p.answers[s.Kind]
	n := p.calls[s.Kind]
	p.calls[s.Kind] = n + 1
	var res probe.Result
	switch {
	case len(list) == 0:
		res = probe.Result{Err: domain.ErrSurfaceUnavailable}
	case n < len(list):
		res = list[n]
	default:
		res = list[len(list)-1]
	}
	res.Kind = s.Kind
	p.q.Post(func() { cb(res) })
}

func raw(v any) probe.Result {
	b, _ := json.Marshal(v)
	return probe.Result{Raw: b}
}

func ok(n int) probe.Result {
	return raw(ReplyStatus{Complete: true, Reason: ReasonOK, ReplyLength: n, ReplyText: strings.Repeat("x", n)})
}

func reason(r string) probe.Result {
	return raw(ReplyStatus{Reason: r})
}

type harness struct {
	clock  *clock.FakeClock
	queue  *eventloop.Manual
	prober *scriptedProber
	sched  *eventloop.Scheduler
	epoch  eventloop.Epoch
	token  eventloop.Token
}

func newHarness() *harness {
	h := &harness{clock: clock.Fake(time.Unix(1700000000, 0)), queue: &eventloop.Manual{}}
	h.prober = newScriptedProber(h.queue)
	h.sched = eventloop.NewScheduler(h.clock, h.queue)
	h.token = h.epoch.Advance()
	return h
}

func (h *harness) step(d time.Duration) {
	h.clock.Advance(d)
	h.queue.RunPending()
}

func (h *harness) replyMonitor(logger *slog.Logger, timeout time.Duration) *ReplyMonitor {
	return NewReplyMonitor(ReplyConfig{
		Probe:           h.prober,
		Scheduler:       h.sched,
		Token:           h.token,
		Clock:           h.clock,
		Queue:           h.queue,
		Locators:        locator.Set{ReplyMessages: locator.Chain{".reply"}},
		Interval:        DefaultReplyInterval,
		StableThreshold: 3,
		Timeout:         timeout,
		Logger:          logger,
	})
}

func TestStability_Sequences(t *testing.T) {
	tests := []struct {
		name       string
		lengths    []int
		completeAt int // index of the completing sample, -1 for none
		finalCount int
	}{
		{"grows then settles", []int{0, 12, 40, 40, 40}, 4, 3},
		{"three identical", []int{5, 5, 5}, 2, 3},
		{"divergent sample resets the count", []int{40, 40, 41}, -1, 0},
		{"run restarts after divergence", []int{40, 40, 41, 41, 41}, 4, 3},
		{"single sample is not stable", []int{0, 12}, -1, 0},
		{"zero clears the run", []int{7, 7, 0, 7, 7}, -1, 2},
		{"zeros never complete", []int{0, 0, 0, 0}, -1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStability(3)
			got := -1
			for i, n := range tt.lengths {
				if s.Observe(n) && got < 0 {
					got = i
				}
			}
			if got != tt.completeAt {
				t.Errorf("completed at %d, want %d", got, tt.completeAt)
			}
			if s.Count() != tt.finalCount {
				t.Errorf("count = %d, want %d", s.Count(), tt.finalCount)
			}
		})
	}
}

func TestStability_ResetAndDefault(t *testing.T) {
	s := NewStability(0)
	if s.Threshold() != DefaultStableThreshold {
		t.Fatalf("threshold = %d", s.Threshold())
	}
	s.Observe(9)
	s.Observe(9)
	s.Reset()
	if s.Count() != 0 || s.Observe(9) {
		t.Error("Reset did not clear the run")
	}
}

func TestReplyMonitor_CompletesOnStableLength(t *testing.T) {
	h := newHarness()
	h.prober.answers[script.KindReply] = []probe.Result{ok(12), ok(40), ok(40), ok(40)}
	m := h.replyMonitor(quietLogger(), 0)

	var replies []Reply
	m.Start(func(r Reply) { replies = append(replies, r) }, func() { t.Fatal("unexpected timeout") })
	if m.State() != domain.StateAwaitingReply {
		t.Fatalf("state = %s", m.State())
	}

	for i := 0; i < 3; i++ {
		h.step(DefaultReplyInterval)
	}
	if len(replies) != 0 {
		t.Fatal("completed early")
	}
	if m.State() != domain.StateStableCounting || m.StableCount() != 2 {
		t.Fatalf("state = %s count = %d", m.State(), m.StableCount())
	}

	h.step(DefaultReplyInterval)
	if len(replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(replies))
	}
	if replies[0].Length != 40 || replies[0].Polls != 4 || replies[0].Took != 4*DefaultReplyInterval {
		t.Errorf("reply = %+v", replies[0])
	}
	if m.State() != domain.StateComplete {
		t.Errorf("state = %s", m.State())
	}

	for i := 0; i < 5; i++ {
		h.step(DefaultReplyInterval)
	}
	if len(replies) != 1 || h.prober.calls[script.KindReply] != 4 {
		t.Errorf("kept polling after completion: %d calls", h.prober.calls[script.KindReply])
	}
	if h.sched.Pending() || h.clock.Pending() != 0 {
		t.Error("timer left behind")
	}
}

func TestReplyMonitor_StopIndicatorNeverCompletes(t *testing.T) {
	h := newHarness()
	h.prober.answers[script.KindReply] = []probe.Result{
		ok(40), ok(40), reason(ReasonStopIndicator), reason(ReasonStopIndicator),
		reason(ReasonStopIndicator), ok(40),
	}
	m := h.replyMonitor(quietLogger(), 0)
	completed := false
	m.Start(func(Reply) { completed = true }, nil)

	for i := 0; i < 5; i++ {
		h.step(DefaultReplyInterval)
		if completed {
			t.Fatalf("completed on poll %d", i+1)
		}
	}
	if m.StableCount() != 0 {
		t.Fatalf("count = %d after stop indicator", m.StableCount())
	}
	h.step(DefaultReplyInterval)
	if completed || m.StableCount() != 0 {
		t.Errorf("completed=%v count=%d", completed, m.StableCount())
	}
}

func TestReplyMonitor_KeepRunOnStopPausesCount(t *testing.T) {
	h := newHarness()
	h.prober.answers[script.KindReply] = []probe.Result{
		ok(40), ok(40), reason(ReasonStopIndicator), reason(ReasonStopIndicator), ok(40),
	}
	m := h.replyMonitor(quietLogger(), 0)
	m.cfg.KeepRunOnStop = true
	completed := false
	m.Start(func(Reply) { completed = true }, nil)

	for i := 0; i < 4; i++ {
		h.step(DefaultReplyInterval)
	}
	if completed {
		t.Fatal("completed while the stop indicator was visible")
	}
	if m.StableCount() != 2 {
		t.Fatalf("count = %d, want the run kept at 2", m.StableCount())
	}
	h.step(DefaultReplyInterval)
	if !completed {
		t.Error("did not complete on the first sample after the pause")
	}
}

func TestReplyMonitor_WaitingAndErrorsKeepCount(t *testing.T) {
	h := newHarness()
	h.prober.answers[script.KindReply] = []probe.Result{
		ok(40), ok(40),
		reason(ReasonNoReplyYet),
		{Err: fmt.Errorf("boom: %w", domain.ErrProbeFailed)},
		{Raw: json.RawMessage(`"garbage"`)},
		ok(40),
	}
	m := h.replyMonitor(quietLogger(), 0)
	var got *Reply
	m.Start(func(r Reply) { got = &r }, nil)

	for i := 0; i < 5; i++ {
		h.step(DefaultReplyInterval)
	}
	if got != nil {
		t.Fatal("completed early")
	}
	if m.StableCount() != 2 {
		t.Fatalf("count = %d, want 2", m.StableCount())
	}
	h.step(DefaultReplyInterval)
	if got == nil {
		t.Fatal("did not complete")
	}
}

func TestReplyMonitor_LogsPhasesOnce(t *testing.T) {
	h := newHarness()
	h.prober.answers[script.KindReply] = []probe.Result{
		reason(ReasonNoMessages), reason(ReasonNoReplyYet), reason(ReasonNoMessages),
		reason(ReasonStopIndicator), reason(ReasonStopIndicator), reason(ReasonStopIndicator),
	}
	var buf bytes.Buffer
	m := h.replyMonitor(slog.New(slog.NewTextHandler(&buf, nil)), 0)
	m.Start(nil, nil)
	for i := 0; i < 6; i++ {
		h.step(DefaultReplyInterval)
	}

	logs := buf.String()
	if n := strings.Count(logs, `msg="remote is still replying"`); n != 1 {
		t.Errorf("still replying logged %d times", n)
	}
	// Once from Start, once when the waiting phase begins.
	if n := strings.Count(logs, `msg="waiting for reply"`); n != 2 {
		t.Errorf("waiting logged %d times", n)
	}
}

func TestReplyMonitor_Timeout(t *testing.T) {
	h := newHarness()
	h.prober.answers[script.KindReply] = []probe.Result{reason(ReasonNoMessages)}
	m := h.replyMonitor(quietLogger(), 5*time.Second)

	timeouts := 0
	m.Start(func(Reply) { t.Fatal("unexpected completion") }, func() { timeouts++ })
	for i := 0; i < 10; i++ {
		h.step(time.Second)
	}
	if timeouts != 1 {
		t.Fatalf("timeouts = %d, want 1", timeouts)
	}
	calls := h.prober.calls[script.KindReply]
	h.step(10 * time.Second)
	if h.prober.calls[script.KindReply] != calls {
		t.Error("polled after timeout")
	}
}

func TestReplyMonitor_StaleTokenIgnored(t *testing.T) {
	h := newHarness()
	h.prober.answers[script.KindReply] = []probe.Result{ok(5)}
	m := h.replyMonitor(quietLogger(), 0)
	completed := false
	m.Start(func(Reply) { completed = true }, nil)

	h.step(DefaultReplyInterval)
	h.epoch.Advance()
	for i := 0; i < 5; i++ {
		h.step(DefaultReplyInterval)
	}
	if completed {
		t.Error("stale monitor completed")
	}
	if h.prober.calls[script.KindReply] != 1 {
		t.Errorf("stale monitor kept polling: %d", h.prober.calls[script.KindReply])
	}
}

func (h *harness) echoDetector(max int) *EchoDetector {
	return NewEchoDetector(EchoConfig{
		Probe:       h.prober,
		Scheduler:   h.sched,
		Token:       h.token,
		MaxAttempts: max,
		Logger:      quietLogger(),
	})
}

func TestEchoDetector_FoundAfterRetries(t *testing.T) {
	h := newHarness()
	h.prober.answers[script.KindEcho] = []probe.Result{raw(false), raw(false), raw(true)}
	d := h.echoDetector(15)

	var results []bool
	d.Confirm("hello", func(found bool) { results = append(results, found) })
	h.queue.RunPending()
	for i := 0; i < 5; i++ {
		h.step(DefaultEchoInterval)
	}
	if len(results) != 1 || !results[0] {
		t.Fatalf("results = %v", results)
	}
	if d.Attempts() != 2 {
		t.Errorf("attempts = %d, want 2", d.Attempts())
	}
	if h.prober.calls[script.KindEcho] != 3 {
		t.Errorf("probes = %d, want 3", h.prober.calls[script.KindEcho])
	}
}

func TestEchoDetector_Exhausts(t *testing.T) {
	h := newHarness()
	h.prober.answers[script.KindEcho] = []probe.Result{{Err: errors.New("no surface")}, raw(false)}
	d := h.echoDetector(15)

	var results []bool
	d.Confirm("hello", func(found bool) { results = append(results, found) })
	h.queue.RunPending()
	for i := 0; i < 30; i++ {
		h.step(DefaultEchoInterval)
	}
	if len(results) != 1 || results[0] {
		t.Fatalf("results = %v", results)
	}
	if d.Attempts() != 15 || h.prober.calls[script.KindEcho] != 15 {
		t.Errorf("attempts = %d probes = %d", d.Attempts(), h.prober.calls[script.KindEcho])
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("héllo", 10); got != "héllo" {
		t.Errorf("Preview = %q", got)
	}
	if got := Preview("héllo", 2); got != "hé..." {
		t.Errorf("Preview = %q", got)
	}
}
