package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chatrelay/internal/artifact"
	"chatrelay/internal/browser"
	"chatrelay/internal/bus"
	"chatrelay/internal/capture"
	"chatrelay/internal/channel"
	"chatrelay/internal/config"
	"chatrelay/internal/domain"
	"chatrelay/internal/eventloop"
	"chatrelay/internal/history"
	"chatrelay/internal/locator"
	"chatrelay/internal/metrics"
	"chatrelay/internal/pipeline"
	"chatrelay/internal/probe"

	"github.com/google/uuid"
)

// app is one wired relay: browser tab, event loop, pipeline and the
// stores around it.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	session string

	site     locator.Site
	locators *locator.Holder
	loop     *eventloop.Loop
	bridge   *browser.Bridge
	store    *history.SQLiteStore // nil when history is disabled
	log      *history.Log
	events   *bus.EventBus
	surfaces *channel.Fanout
	pipe     *pipeline.Pipeline
	handle   *pipeline.Handle
}

// newApp wires every component but starts nothing. Surfaces are added
// with addSurface before start.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	site, err := locator.Load(cfg.Locators.Site, cfg.Locators.File)
	if err != nil {
		return nil, fmt.Errorf("locators: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		session:  uuid.NewString(),
		site:     site,
		locators: locator.NewHolder(site),
		loop:     eventloop.New(logger),
		events:   bus.NewEventBus(logger),
		surfaces: &channel.Fanout{},
	}

	a.bridge = browser.NewBridge(browser.Config{
		URL:         siteURL(cfg, site),
		ProfileDir:  cfg.Browser.ProfileDir,
		CacheSizeMB: cfg.Browser.CacheSizeMB,
		Headless:    cfg.Browser.Headless,
		UserAgent:   cfg.Browser.UserAgent,
		Logger:      logger.With("component", "browser"),
	})

	logCfg := history.LogConfig{SessionID: a.session, Logger: logger.With("component", "history")}
	if cfg.History.Enabled {
		store, err := history.OpenSQLite(cfg.History.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("history store: %w", err)
		}
		a.store = store
		logCfg.Store = store
	}
	a.log = history.NewLog(logCfg)

	prober := probe.New(probe.Config{
		Evaluator: a.bridge,
		Queue:     a.loop,
		Timeout:   time.Duration(cfg.Browser.ProbeTimeoutMs) * time.Millisecond,
		Logger:    logger.With("component", "probe"),
	})

	var attacher pipeline.Attacher
	if cfg.Capture.Enabled {
		var source capture.Source = a.bridge
		if len(cfg.Capture.Command) > 0 {
			source = capture.Command{Argv: cfg.Capture.Command}
		}
		attacher = capture.New(capture.Config{
			Enabled: true,
			Source:  source,
			Encode: capture.EncodeOptions{
				MaxWidth: cfg.Capture.MaxWidth,
				Format:   cfg.Capture.Format,
				Quality:  cfg.Capture.Quality,
			},
			Timeout: time.Duration(cfg.Capture.TimeoutSec) * time.Second,
			Probe:   prober,
			Queue:   a.loop,
			Logger:  logger.With("component", "capture"),
		})
	}

	var writer pipeline.ArtifactWriter
	if cfg.Artifact.Enabled {
		writer = artifact.NewWriter(cfg.ArtifactPath())
	}

	a.pipe = pipeline.New(pipeline.Config{
		Probe:     prober,
		Attacher:  attacher,
		Locators:  a.locators,
		Surface:   a.surfaces,
		History:   a.log,
		Artifact:  writer,
		Events:    a.events,
		Queue:     a.loop,
		Timings:   cfg.Pipeline.Timings(),
		Supersede: cfg.Pipeline.Supersede,
		Logger:    logger.With("component", "pipeline"),
	})
	a.handle = pipeline.NewHandle(a.loop, a.pipe)

	if a.store != nil {
		a.events.On("*", a.recordDelivery)
	}
	return a, nil
}

// addSurface registers a surface that follows the pipeline's input state.
// It must be called before start.
func (a *app) addSurface(s domain.InputSurface) {
	*a.surfaces = append(*a.surfaces, s)
}

// start opens the browser and runs the loop, the locator watcher and the
// metrics endpoint until ctx is done.
func (a *app) start(ctx context.Context) error {
	go func() {
		if err := a.loop.Run(ctx); err != nil {
			a.logger.Error("event loop stopped", "err", err)
		}
	}()

	if a.store != nil {
		if err := a.store.CreateSession(ctx, history.Session{
			ID:   a.session,
			Site: a.site.Name,
			URL:  siteURL(a.cfg, a.site),
		}); err != nil {
			a.logger.Warn("failed to record session", "err", err)
		}
	}

	if err := a.bridge.Open(ctx); err != nil {
		return err
	}
	if a.cfg.Browser.WaitStable {
		waitCtx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.Browser.StartupTimeoutSec)*time.Second)
		err := a.bridge.WaitStable(waitCtx)
		cancel()
		if err != nil {
			a.logger.Warn("page did not settle, continuing anyway", "err", err)
		}
	}
	a.events.Emit(bus.Event{Type: bus.EventSessionReady, Payload: map[string]any{
		"session": a.session,
		"site":    a.site.Name,
	}})

	if a.cfg.Locators.Watch && a.cfg.Locators.File != "" {
		go a.watchLocators(ctx)
	}
	if a.cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Collector.Serve(ctx, a.cfg.Metrics.Addr, a.logger); err != nil {
				a.logger.Error("metrics server error", "err", err)
			}
		}()
	}
	return nil
}

func (a *app) watchLocators(ctx context.Context) {
	err := locator.Watch(ctx, locator.WatchConfig{
		Path:     a.cfg.Locators.File,
		Preset:   a.cfg.Locators.Site,
		Debounce: time.Duration(a.cfg.Locators.DebounceMs) * time.Millisecond,
		Logger:   a.logger.With("component", "locators"),
	}, func(site locator.Site) {
		a.locators.Store(site)
		a.events.Emit(bus.Event{Type: bus.EventLocatorsLoaded, Payload: map[string]any{"site": site.Name}})
	})
	if err != nil {
		a.logger.Error("locator watcher stopped", "err", err)
	}
}

// recordDelivery stores a summary of every finished invocation.
func (a *app) recordDelivery(e bus.Event) {
	var outcome string
	switch e.Type {
	case bus.EventReplyCompleted:
		outcome = "completed"
	case bus.EventAborted:
		outcome = "aborted"
	case bus.EventReplyTimeout:
		outcome = "timeout"
	case bus.EventCancelled:
		outcome = "cancelled"
	default:
		return
	}
	d := history.Delivery{
		InvocationID: e.InvocationID,
		SessionID:    a.session,
		Outcome:      outcome,
	}
	d.EchoAttempts, _ = e.Payload["echo_attempts"].(int)
	d.ReplyPolls, _ = e.Payload["polls"].(int)
	d.Latency, _ = e.Payload["latency"].(time.Duration)

	// Handlers run on the event loop; keep the write off it.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.store.SaveDelivery(ctx, d); err != nil {
			a.logger.Warn("failed to record delivery", "invocation", d.InvocationID, "err", err)
		}
	}()
}

// Close releases the browser and flushes history.
func (a *app) Close() {
	if err := a.bridge.Close(); err != nil {
		a.logger.Warn("browser close", "err", err)
	}
	a.log.Close()
	if a.store != nil {
		a.store.Close()
	}
}
