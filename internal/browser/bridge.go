// Package browser owns the Chrome instance that renders the chat page. It is
// the rendering surface behind the probe protocol: scripts are evaluated in
// the page and screenshots are taken from it.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"chatrelay/internal/domain"
	"chatrelay/internal/script"
)

const (
	DefaultUserAgent   = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	DefaultCacheSizeMB = 200

	stablePollInterval = 2 * time.Second
)

// Config holds the browser settings.
type Config struct {
	URL         string // home page opened by Open
	ProfileDir  string // Chrome user data directory (persists cookies/sessions)
	CacheSizeMB int
	Headless    bool
	UserAgent   string
	Logger      *slog.Logger
}

// Bridge manages one long-lived Chrome tab.
type Bridge struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	tab    context.Context
	cancel context.CancelFunc
}

func NewBridge(cfg Config) *Bridge {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".chatrelay", "chrome-profile")
	}
	if cfg.CacheSizeMB <= 0 {
		cfg.CacheSizeMB = DefaultCacheSizeMB
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{cfg: cfg, logger: cfg.Logger}
}

// ProfileDir returns the Chrome user data directory.
func (b *Bridge) ProfileDir() string { return b.cfg.ProfileDir }

// allocatorOptions returns the Chrome flags. headless overrides the
// configured mode.
func (b *Bridge) allocatorOptions(headless bool) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.cfg.ProfileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.Flag("disk-cache-size", strconv.Itoa(b.cfg.CacheSizeMB*1024*1024)),
		chromedp.UserAgent(b.cfg.UserAgent),
	)
	if headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	return opts
}

// Open starts Chrome and navigates to the configured URL. The browser lives
// until Close or until ctx is cancelled.
func (b *Bridge) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tab != nil {
		return nil
	}
	if err := os.MkdirAll(b.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, b.allocatorOptions(b.cfg.Headless)...)
	tab, tabCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		tabCancel()
		allocCancel()
	}

	if err := chromedp.Run(tab); err != nil {
		cancel()
		return fmt.Errorf("start browser: %w", err)
	}
	b.tab, b.cancel = tab, cancel
	b.logger.Info("browser started", "profile", b.cfg.ProfileDir, "headless", b.cfg.Headless)

	if b.cfg.URL != "" {
		if err := chromedp.Run(tab, chromedp.Navigate(b.cfg.URL)); err != nil {
			return fmt.Errorf("navigate to %s: %w", b.cfg.URL, err)
		}
	}
	return nil
}

// Close shuts Chrome down. The profile stays on disk.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel == nil {
		return nil
	}
	b.cancel()
	b.tab, b.cancel = nil, nil
	b.logger.Info("browser closed")
	return nil
}

// run executes actions on the tab, bounded by ctx.
func (b *Bridge) run(ctx context.Context, actions ...chromedp.Action) error {
	b.mu.RLock()
	tab := b.tab
	b.mu.RUnlock()
	if tab == nil {
		return domain.ErrSurfaceUnavailable
	}

	runCtx, cancel := context.WithCancel(tab)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

// Evaluate runs source in the page and returns its value as JSON. A script
// that throws yields domain.ErrProbeFailed.
func (b *Bridge) Evaluate(ctx context.Context, source string) (json.RawMessage, error) {
	var raw []byte
	err := b.run(ctx, chromedp.Evaluate(source, &raw))
	if err != nil {
		return nil, classify(err)
	}
	return json.RawMessage(raw), nil
}

func classify(err error) error {
	var exc *runtime.ExceptionDetails
	switch {
	case errors.As(err, &exc):
		return fmt.Errorf("%w: %s", domain.ErrProbeFailed, exc.Error())
	case errors.Is(err, domain.ErrSurfaceUnavailable), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, chromedp.ErrInvalidContext), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", domain.ErrSurfaceUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrProbeFailed, err)
	}
}

// Capture takes a PNG screenshot of the visible page.
func (b *Bridge) Capture(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := b.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

// Navigate loads url in the tab.
func (b *Bridge) Navigate(ctx context.Context, url string) error {
	if err := b.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

// WaitStable polls until the page has finished loading: the document is
// complete, no resource is still in flight and lazy media has loaded.
func (b *Bridge) WaitStable(ctx context.Context) error {
	ready := script.Ready()
	ticker := time.NewTicker(stablePollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		var ok bool
		raw, err := b.Evaluate(ctx, ready.Source)
		if err == nil {
			_ = json.Unmarshal(raw, &ok)
		}
		if ok {
			b.logger.Info("page stable", "checks", attempt)
			return nil
		}
		b.logger.Debug("page not stable yet", "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for page: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Login opens a visible browser on url so the user can sign in by hand.
// Cookies land in the profile directory. It returns when ctx is cancelled.
func (b *Bridge) Login(ctx context.Context, url string) error {
	if url == "" {
		url = b.cfg.URL
	}
	b.logger.Info("opening browser for login", "url", url)

	if err := os.MkdirAll(b.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, b.allocatorOptions(false)...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	if err := chromedp.Run(taskCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to login page: %w", err)
	}

	b.logger.Info("browser opened. Please log in manually. Press Ctrl+C when done.")

	<-ctx.Done()

	b.logger.Info("login session saved", "profile", b.cfg.ProfileDir)
	return nil
}
