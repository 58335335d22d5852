// Package capture grabs the display, prepares it for upload and attaches it
// to the page's file input. Every step is best effort: a failed capture or
// attachment is logged and the delivery continues without an image.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chatrelay/internal/eventloop"
	"chatrelay/internal/locator"
	"chatrelay/internal/metrics"
	"chatrelay/internal/probe"
	"chatrelay/internal/script"
)

// ErrDisabled is passed to Capture callbacks when capture is turned off.
var ErrDisabled = errors.New("screenshot capture disabled")

// Config holds the collaborators and settings of a Screenshot.
type Config struct {
	Enabled bool
	Source  Source
	Encode  EncodeOptions
	Timeout time.Duration

	Probe  probe.Prober
	Queue  eventloop.Queue
	Runner eventloop.Runner
	Logger *slog.Logger
}

// Screenshot captures and attaches images.
type Screenshot struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Screenshot {
	if cfg.Runner == nil {
		cfg.Runner = eventloop.Goroutines{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Screenshot{cfg: cfg, logger: cfg.Logger}
}

// Capture grabs and encodes the display off the loop and calls done on the
// loop with the image or the reason there is none.
func (s *Screenshot) Capture(done func(Image, error)) {
	if !s.cfg.Enabled || s.cfg.Source == nil {
		s.cfg.Queue.Post(func() { done(Image{}, ErrDisabled) })
		return
	}
	s.cfg.Runner.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()

		var img Image
		raw, err := s.cfg.Source.Capture(ctx)
		if err == nil {
			img, err = Encode(raw, s.cfg.Encode)
		}
		s.cfg.Queue.Post(func() { done(img, err) })
	})
}

// AttachAndProceed assigns img to the first enabled file input in set and
// then calls onDone on the loop. onDone runs whether or not the image was
// accepted.
func (s *Screenshot) AttachAndProceed(set locator.Set, img Image, onDone func()) {
	if img.Empty() {
		s.cfg.Queue.Post(onDone)
		return
	}
	s.cfg.Probe.Evaluate(script.Attach(set, img.Data, img.MIME, img.Name), func(r probe.Result) {
		switch {
		case r.Err != nil:
			s.logger.Warn("screenshot attach failed, continuing without it", "err", r.Err)
		case !r.Bool():
			metrics.LocatorMiss("fileInputs")
			s.logger.Warn("no file input accepted the screenshot, continuing without it")
		default:
			s.logger.Info("screenshot attached", "name", img.Name, "bytes", img.Size, "width", img.Width, "height", img.Height)
		}
		onDone()
	})
}

// CaptureAndAttach runs Capture then AttachAndProceed. Capture failures are
// logged and onDone still runs.
func (s *Screenshot) CaptureAndAttach(set locator.Set, onDone func()) {
	s.Capture(func(img Image, err error) {
		switch {
		case errors.Is(err, ErrDisabled):
			s.logger.Debug("screenshot capture disabled")
			onDone()
			return
		case err != nil:
			s.logger.Warn("screenshot capture failed, continuing without it", "err", err)
			onDone()
			return
		}
		s.AttachAndProceed(set, img, onDone)
	})
}
