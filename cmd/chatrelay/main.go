package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"chatrelay/internal/config"
	"chatrelay/internal/locator"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// A .env next to the binary may carry secrets such as the Telegram token;
	// config values reference them as ${VAR}.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "chatrelay",
		Short: "chatrelay: relay messages into a web chat page and read the replies back",
		Long: `chatrelay drives a logged-in chat web page in Chrome. Messages typed in the
terminal or sent to the Telegram bot are injected into the page, and the
finished reply is relayed back once it stops changing.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.chatrelay/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(wizardCmd())
	root.AddCommand(runCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(locatorsCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("chatrelay", version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file, falling back to defaults when it does
// not exist yet.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		logger.Warn("config not found, using defaults", "path", cfgPath)
		cfg := config.Defaults()
		cfg.ExpandPaths()
		return cfg, nil
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogger replaces the bootstrap logger with one honoring the config's
// level and log file. The returned closer flushes the log file.
func setupLogger(cfg *config.Config, quiet bool) (io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.General.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	} else if quiet && level > slog.LevelDebug {
		// Keep the REPL readable: only warnings reach the terminal.
		level = slog.LevelWarn
	}

	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return closer, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize config, workspace and locator file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}

			workspace := config.ExpandPath(cfg.General.Workspace)
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}

			locPath := config.ExpandPath(cfg.Locators.File)
			if _, err := os.Stat(locPath); os.IsNotExist(err) || force {
				site, err := locator.Preset(cfg.Locators.Site)
				if err != nil {
					return err
				}
				data, err := locator.Marshal(site)
				if err != nil {
					return err
				}
				if err := os.WriteFile(locPath, data, 0o644); err != nil {
					return fmt.Errorf("write locator file: %w", err)
				}
			}

			logger.Info("initialized", "config", cfgPath, "workspace", workspace, "locators", locPath)
			fmt.Println("Next: run 'chatrelay login' once to sign in, then 'chatrelay run'.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. pipeline.replyIntervalMs)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. locators.site chatgpt)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			values := config.ListPaths(config.Sanitize(cfg))
			for _, k := range config.SortedPaths() {
				fmt.Printf("%s = %v\n", k, values[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

// siteURL is the page the browser opens: the configured override or the
// site's home page.
func siteURL(cfg *config.Config, site locator.Site) string {
	if u := strings.TrimSpace(cfg.Browser.URL); u != "" {
		return u
	}
	return site.URL
}
