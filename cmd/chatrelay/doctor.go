package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/locator"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your chatrelay installation",
		Long: `Verifies that chatrelay's configuration, locators, browser profile,
database and workspace are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatrelay doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed, failed, warned := 0, 0, 0
			pass := func(check, detail string) { printPass(check, detail); passed++ }
			fail := func(check, detail string) { printFail(check, detail); failed++ }
			warn := func(check, detail string) { printWarn(check, detail); warned++ }

			if _, err := os.Stat(cfgPath); err != nil {
				fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'chatrelay init' to create a default configuration.\n")
				return nil
			}
			pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return nil
			}
			pass("Config validation", "valid")

			if info, err := os.Stat(cfg.General.Workspace); err != nil {
				fail("Workspace", fmt.Sprintf("not found: %s", cfg.General.Workspace))
			} else if !info.IsDir() {
				fail("Workspace", fmt.Sprintf("not a directory: %s", cfg.General.Workspace))
			} else {
				pass("Workspace", cfg.General.Workspace)
			}

			site, err := locator.Load(cfg.Locators.Site, cfg.Locators.File)
			if err != nil {
				fail("Locators", err.Error())
			} else {
				pass("Locators", fmt.Sprintf("%s (%s)", site.Name, siteURL(cfg, site)))
			}

			if info, err := os.Stat(cfg.Browser.ProfileDir); err != nil || !info.IsDir() {
				warn("Browser profile", fmt.Sprintf("missing %s, run 'chatrelay login' to sign in", cfg.Browser.ProfileDir))
			} else {
				pass("Browser profile", cfg.Browser.ProfileDir)
			}

			if len(cfg.Capture.Command) > 0 && cfg.Capture.Enabled {
				if path, err := exec.LookPath(cfg.Capture.Command[0]); err != nil {
					fail("Capture command", fmt.Sprintf("%s not found in PATH", cfg.Capture.Command[0]))
				} else {
					pass("Capture command", path)
				}
			}

			if cfg.History.Enabled {
				if err := checkDatabase(cfg.History.DBPath); err != nil {
					fail("Database", err.Error())
				} else {
					pass("Database", cfg.History.DBPath)
				}
			}

			if cfg.Artifact.Enabled {
				dir := filepath.Dir(cfg.ArtifactPath())
				if err := os.MkdirAll(dir, 0o755); err != nil {
					fail("Reply file", fmt.Sprintf("cannot create %s: %v", dir, err))
				} else {
					pass("Reply file", cfg.ArtifactPath())
				}
			}

			if tg := cfg.Channels.Telegram; tg.Enabled {
				switch {
				case tg.Token == "":
					fail("Telegram", "enabled but no token configured")
				case len(tg.AllowFrom) == 0:
					warn("Telegram", "no allowFrom list, every Telegram user can send messages")
				default:
					pass("Telegram", fmt.Sprintf("%d allowed user(s)", len(tg.AllowFrom)))
				}
			}

			if cfg.Metrics.Enabled {
				if err := checkAddr(cfg.Metrics.Addr); err != nil {
					warn("Metrics address", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
				} else {
					pass("Metrics address", cfg.Metrics.Addr+" available")
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running chatrelay.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nchatrelay should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! chatrelay is ready to run.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
