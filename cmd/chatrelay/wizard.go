package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"chatrelay/internal/config"
	"chatrelay/internal/locator"

	"github.com/spf13/cobra"
)

var knownChannels = []struct {
	ID   string
	Desc string
}{{"cli", "Interactive terminal chat"}, {"telegram", "Telegram bot"}, {"both", "Terminal and Telegram"}}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: workspace, chat site, channels, save config",
		Long:  "Guides you through the workspace path, the chat site preset and the channels (CLI/Telegram). Writes config to the path used by --config or default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				cfg = config.Defaults()
			}
			if err := runWizard(cfg, os.Stdin, os.Stdout); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Printf("\nConfig saved to %s\nNext: 'chatrelay login' to sign in, then 'chatrelay run'.\n", cfgPath)
			return nil
		},
	}
}

// runWizard asks the setup questions on in/out and applies the answers to
// cfg. Empty answers keep the shown default.
func runWizard(cfg *config.Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, " [%s]: ", def)
		} else {
			fmt.Fprint(out, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}
	pick := func(choice string, n int) int {
		var idx int
		if c, _ := fmt.Sscanf(choice, "%d", &idx); c != 1 || idx < 1 || idx > n {
			return 1
		}
		return idx
	}

	fmt.Fprintln(out, "\n--- Step 1: Workspace ---")
	fmt.Fprint(out, "Directory for reply files")
	ws, err := prompt(cfg.General.Workspace)
	if err != nil {
		return err
	}
	cfg.General.Workspace = config.ExpandPath(ws)
	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	fmt.Fprintf(out, "  Using workspace: %s\n", cfg.General.Workspace)

	fmt.Fprintln(out, "\n--- Step 2: Chat site ---")
	names := locator.PresetNames()
	defNum := "1"
	for i, name := range names {
		site, _ := locator.Preset(name)
		fmt.Fprintf(out, "  %d) %s (%s)\n", i+1, name, site.URL)
		if name == cfg.Locators.Site {
			defNum = fmt.Sprint(i + 1)
		}
	}
	fmt.Fprintf(out, "Choose site (1-%d)", len(names))
	choice, err := prompt(defNum)
	if err != nil {
		return err
	}
	cfg.Locators.Site = names[pick(choice, len(names))-1]
	fmt.Fprintf(out, "  Using site: %s\n", cfg.Locators.Site)

	fmt.Fprintln(out, "\n--- Step 3: Channel ---")
	for i, c := range knownChannels {
		fmt.Fprintf(out, "  %d) %s: %s\n", i+1, c.ID, c.Desc)
	}
	fmt.Fprintf(out, "Choose channel (1-%d)", len(knownChannels))
	chChoice, err := prompt("1")
	if err != nil {
		return err
	}
	chID := knownChannels[pick(chChoice, len(knownChannels))-1].ID
	cfg.Channels.CLI.Enabled = chID == "cli" || chID == "both"
	cfg.Channels.Telegram.Enabled = chID == "telegram" || chID == "both"
	if cfg.Channels.Telegram.Enabled {
		fmt.Fprint(out, "Telegram bot token (from @BotFather) or ${ENV_VAR}")
		tok, err := prompt(cfg.Channels.Telegram.Token)
		if err != nil {
			return err
		}
		cfg.Channels.Telegram.Token = tok
		fmt.Fprint(out, "Allowed Telegram user IDs, comma separated (empty allows everyone)")
		ids, err := prompt(strings.Join(cfg.Channels.Telegram.AllowFrom, ","))
		if err != nil {
			return err
		}
		cfg.Channels.Telegram.AllowFrom = nil
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.Channels.Telegram.AllowFrom = append(cfg.Channels.Telegram.AllowFrom, id)
			}
		}
	}
	fmt.Fprintf(out, "  Using channel: %s\n", chID)

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}
