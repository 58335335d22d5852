// Package channel holds the surfaces a user submits messages through and
// that show the replies: the terminal REPL and the Telegram bot.
package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
	"chatrelay/internal/history"
	"chatrelay/internal/pipeline"
)

// Controller is the pipeline as seen from a surface goroutine.
// *pipeline.Handle implements it.
type Controller interface {
	Submit(ctx context.Context, text string) error
	Cancel(ctx context.Context) bool
	Status(ctx context.Context) (pipeline.Status, error)
}

// MessageLister returns the recorded conversation.
type MessageLister interface {
	Messages() []domain.Message
}

const cliPrompt = "you> "

// CLI is the interactive terminal surface.
type CLI struct {
	ctrl     Controller
	history  MessageLister
	logger   *slog.Logger
	in       io.Reader
	out      io.Writer
	histFile string

	mu        sync.Mutex
	thinking  bool
	thinkStop chan struct{}
	rl        *readline.Instance
}

type CLIConfig struct {
	Controller  Controller
	History     MessageLister
	In          io.Reader
	Out         io.Writer
	HistoryFile string // readline history, "" disables it
	Logger      *slog.Logger
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		ctrl:     cfg.Controller,
		history:  cfg.History,
		logger:   cfg.Logger,
		in:       cfg.In,
		out:      cfg.Out,
		histFile: cfg.HistoryFile,
	}
}

func (c *CLI) Name() string { return "cli" }

// DefaultHistoryFile returns the readline history path under the data dir.
func DefaultHistoryFile(dataDir string) string {
	return filepath.Join(dataDir, "cli_history")
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("/quit"),
		readline.PcItem("/cancel"),
		readline.PcItem("/history"),
		readline.PcItem("/state"),
		readline.PcItem("/help"),
	)
}

// Start runs the REPL until the user quits, input ends or ctx is
// cancelled. Without a terminal it falls back to line-by-line reading.
func (c *CLI) Start(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            cliPrompt,
		HistoryFile:       c.histFile,
		HistoryLimit:      1000,
		AutoComplete:      completer(),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdin:             io.NopCloser(c.in),
		Stdout:            c.out,
	})
	if err != nil {
		c.logger.Debug("readline unavailable, using plain input", "err", err)
		return c.startBasic(ctx)
	}
	defer rl.Close()

	c.mu.Lock()
	c.rl = rl
	c.out = rl.Stdout()
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = rl.Close()
	}()

	c.printf("chatrelay. Type a message and press Enter. /help lists commands.\n")
	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if c.handleLine(ctx, line) {
			return nil
		}
	}
}

func (c *CLI) startBasic(ctx context.Context) error {
	c.printf("chatrelay. Type a message and press Enter. /help lists commands.\n")
	c.printf(cliPrompt)
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if c.handleLine(ctx, scanner.Text()) {
			return nil
		}
	}
	return scanner.Err()
}

// handleLine runs one input line and reports whether the REPL should exit.
func (c *CLI) handleLine(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}

	switch strings.ToLower(strings.Fields(input)[0]) {
	case "/quit", "/exit", "/q":
		c.logger.Info("user requested quit")
		return true
	case "/help":
		c.printf("commands: /cancel /history /state /quit\n")
		return false
	case "/cancel":
		if c.ctrl.Cancel(ctx) {
			c.printf("[delivery cancelled]\n")
		} else {
			c.printf("[nothing to cancel]\n")
		}
		return false
	case "/state":
		st, err := c.ctrl.Status(ctx)
		if err != nil {
			c.printf("[state unavailable: %v]\n", err)
			return false
		}
		c.printf("state: %s busy: %v\n", st.State, st.Busy)
		return false
	case "/history":
		c.printHistory()
		return false
	}

	if err := c.ctrl.Submit(ctx, input); err != nil {
		switch {
		case errors.Is(err, domain.ErrBusy):
			c.printf("[still waiting for the previous reply, /cancel to abort it]\n")
		default:
			c.printf("[not sent: %v]\n", err)
		}
	}
	return false
}

func (c *CLI) printHistory() {
	if c.history == nil {
		return
	}
	groups := history.GroupByDate(c.history.Messages())
	if len(groups) == 0 {
		c.printf("[no messages yet]\n")
		return
	}
	for _, g := range groups {
		c.printf("── %s ──\n", g.Bucket)
		for _, m := range g.Messages {
			c.printf("%s %-5s %s\n", m.Timestamp.Format("15:04"), m.Sender, m.Text)
		}
	}
}

// HandleEvent prints pipeline outcomes. Subscribe it to the event bus.
func (c *CLI) HandleEvent(e bus.Event) {
	switch e.Type {
	case bus.EventReplyCompleted:
		c.stopThinking()
		c.printf("\r\033[K--- reply ---\n%s\n-------------\n", e.Text())
	case bus.EventAborted, bus.EventReplyTimeout:
		c.stopThinking()
		msg, _ := e.Payload["error"].(string)
		c.printf("\r\033[K[delivery failed: %s]\n", msg)
	}
}

// SetSubmissionEnabled shows a spinner while a delivery is in flight.
func (c *CLI) SetSubmissionEnabled(enabled bool) {
	if enabled {
		c.stopThinking()
	} else {
		c.startThinking()
	}
}

// FocusInputSurface redraws the prompt.
func (c *CLI) FocusInputSurface() {
	c.mu.Lock()
	rl := c.rl
	c.mu.Unlock()
	if rl != nil {
		rl.Refresh()
		return
	}
	c.printf(cliPrompt)
}

func (c *CLI) printf(format string, args ...any) {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	_, _ = fmt.Fprintf(out, format, args...)
}

func (c *CLI) startThinking() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	stop, out := c.thinkStop, c.out
	go func() {
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_, _ = fmt.Fprintf(out, "\r%s waiting for reply...", frames[i%len(frames)])
				i++
			}
		}
	}()
}

func (c *CLI) stopThinking() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
}
