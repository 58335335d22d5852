package domain

import "errors"

var (
	// ErrLocatorMiss means no element matched any entry of a locator list.
	ErrLocatorMiss = errors.New("no locator matched")
	// ErrProbeFailed means the script threw or the surface could not evaluate it.
	ErrProbeFailed = errors.New("probe evaluation failed")
	// ErrProbeTimeout means the surface did not answer within the probe timeout.
	ErrProbeTimeout = errors.New("probe timed out")
	// ErrSurfaceUnavailable means the rendering surface is not open.
	ErrSurfaceUnavailable = errors.New("rendering surface unavailable")
	// ErrRetryExhausted means echo detection used up its attempts.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
	// ErrPersistence means writing history or the reply artifact failed.
	ErrPersistence = errors.New("persistence failed")
	// ErrReplyTimeout means the reply watchdog fired before completion.
	ErrReplyTimeout = errors.New("reply did not complete in time")

	ErrBusy         = errors.New("a message is already in flight")
	ErrEmptyMessage = errors.New("message is empty")
	ErrCancelled    = errors.New("delivery cancelled")
)
