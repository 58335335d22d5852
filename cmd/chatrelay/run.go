package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"chatrelay/internal/browser"
	"chatrelay/internal/bus"
	"chatrelay/internal/channel"
	"chatrelay/internal/config"
	"chatrelay/internal/locator"

	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Open the chat page and relay messages from the terminal and Telegram",
		Long:  "Starts the browser, the delivery pipeline and every enabled channel. Press Ctrl+C or type /quit to stop.",
		RunE:  runRelay,
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logClose, err := setupLogger(cfg, cfg.Channels.CLI.Enabled)
	if err != nil {
		return err
	}
	defer logClose.Close()

	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var cli *channel.CLI
	if cfg.Channels.CLI.Enabled {
		cli = channel.NewCLI(channel.CLIConfig{
			Controller:  a.handle,
			History:     a.log,
			HistoryFile: channel.DefaultHistoryFile(config.DefaultConfigDir()),
			Logger:      logger.With("channel", "cli"),
		})
		a.addSurface(cli)
		a.events.On("*", cli.HandleEvent)
	}

	var telegram *channel.Telegram
	if tg := cfg.Channels.Telegram; tg.Enabled && tg.Token != "" {
		telegram = channel.NewTelegram(channel.TelegramConfig{
			Token:      tg.Token,
			AllowFrom:  tg.AllowFrom,
			NotifyChat: tg.NotifyChats,
			ParseMode:  tg.ParseMode,
			Controller: a.handle,
			Logger:     logger.With("channel", "telegram"),
		})
		a.addSurface(telegram)
		a.events.On("*", telegram.HandleEvent)
		logger.Info("telegram channel enabled")
	} else {
		logger.Info("telegram channel disabled")
	}

	if cli == nil && telegram == nil {
		return errors.New("no channel enabled: enable channels.cli or channels.telegram")
	}

	if err := a.start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	logger.Info("relay started", "site", a.site.Name, "session", a.session)

	if telegram != nil {
		go func() {
			if err := telegram.Start(ctx); err != nil {
				logger.Error("telegram channel error", "err", err)
			}
		}()
	}

	if cli != nil {
		err := cli.Start(ctx)
		stop()
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down relay...")
	return nil
}

func sendCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logClose, err := setupLogger(cfg, false)
			if err != nil {
				return err
			}
			defer logClose.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			done := make(chan bus.Event, 1)
			a.events.On("*", func(e bus.Event) {
				switch e.Type {
				case bus.EventReplyCompleted, bus.EventAborted, bus.EventReplyTimeout:
					select {
					case done <- e:
					default:
					}
				}
			})

			if err := a.start(ctx); err != nil {
				return fmt.Errorf("start browser: %w", err)
			}
			if err := a.handle.Submit(ctx, strings.Join(args, " ")); err != nil {
				return err
			}

			select {
			case e := <-done:
				if e.Type != bus.EventReplyCompleted {
					msg, _ := e.Payload["error"].(string)
					return fmt.Errorf("delivery failed: %s", msg)
				}
				fmt.Println(e.Text())
				return nil
			case <-ctx.Done():
				return fmt.Errorf("no reply: %w", ctx.Err())
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up after this long (0 waits forever)")
	return cmd
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [url]",
		Short: "Open a visible browser to sign in to the chat site",
		Long:  "Opens a visible Chrome window for you to log in. Cookies are saved in the profile for later runs.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			site, err := locator.Load(cfg.Locators.Site, cfg.Locators.File)
			if err != nil {
				return fmt.Errorf("locators: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b := browser.NewBridge(browser.Config{
				URL:         siteURL(cfg, site),
				ProfileDir:  cfg.Browser.ProfileDir,
				CacheSizeMB: cfg.Browser.CacheSizeMB,
				UserAgent:   cfg.Browser.UserAgent,
				Logger:      logger,
			})
			if err := os.MkdirAll(filepath.Dir(b.ProfileDir()), 0o755); err != nil {
				return err
			}
			var url string
			if len(args) == 1 {
				url = args[0]
			}
			return b.Login(ctx, url)
		},
	}
}
