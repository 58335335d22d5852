package pipeline

import (
	"time"

	"chatrelay/internal/monitor"
)

// Timings holds the heuristic delays and limits of a delivery. They are
// page-specific, so every one of them is configurable.
type Timings struct {
	SettleDelay time.Duration // after attaching, before injecting text
	SendDelay   time.Duration // after injecting, before clicking send
	EchoDelay   time.Duration // after clicking send, before the first echo check

	EchoInterval    time.Duration
	EchoMaxAttempts int
	EchoPrefixLen   int
	OptimisticEcho  bool // record and monitor even when the echo was never seen

	ReplyInterval   time.Duration
	StableThreshold int
	ReplyTimeout    time.Duration // 0 waits forever
	RequireNewReply bool          // ignore replies rendered before the submit; pair with ReplyTimeout
	KeepRunOnStop   bool          // a stop indicator pauses the stable run instead of clearing it
}

// DefaultTimings returns the values tuned against the default site.
func DefaultTimings() Timings {
	return Timings{
		SettleDelay:     1500 * time.Millisecond,
		SendDelay:       300 * time.Millisecond,
		EchoDelay:       time.Second,
		EchoInterval:    monitor.DefaultEchoInterval,
		EchoMaxAttempts: monitor.DefaultEchoMaxAttempts,
		EchoPrefixLen:   monitor.DefaultEchoPrefixLen,
		OptimisticEcho:  true,
		ReplyInterval:   monitor.DefaultReplyInterval,
		StableThreshold: monitor.DefaultStableThreshold,
	}
}
