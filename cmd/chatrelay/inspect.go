package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"chatrelay/internal/history"
	"chatrelay/internal/locator"

	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	var (
		session  string
		limit    int
		sessions bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded conversations",
		Long:  "Prints recorded messages grouped by day. --sessions lists past runs instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.History.Enabled {
				return fmt.Errorf("history is disabled (history.enabled=false)")
			}
			store, err := history.OpenSQLite(cfg.History.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if sessions {
				list, err := store.Sessions(ctx, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SESSION\tSITE\tSTARTED\tMESSAGES")
				for _, s := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", s.ID, s.Site, s.StartedAt.Local().Format("2006-01-02 15:04"), s.Messages)
				}
				return w.Flush()
			}

			msgs, err := store.Messages(ctx, session, limit)
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				fmt.Println("No messages recorded yet.")
				return nil
			}
			for _, g := range history.GroupByDate(msgs) {
				fmt.Printf("── %s ──\n", g.Bucket)
				for _, m := range g.Messages {
					fmt.Printf("%s %-5s %s\n", m.Timestamp.Local().Format("15:04"), m.Sender, m.Text)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "only this session (default: all)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of entries")
	cmd.Flags().BoolVar(&sessions, "sessions", false, "list sessions instead of messages")
	return cmd
}

func locatorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locators",
		Short: "Inspect the page locators",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved locators as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			site, err := locator.Load(cfg.Locators.Site, cfg.Locators.File)
			if err != nil {
				return err
			}
			data, err := locator.Marshal(site)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "presets",
		Short: "List the built-in site presets",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range locator.PresetNames() {
				site, _ := locator.Preset(name)
				fmt.Printf("%-10s %s\n", name, site.URL)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check [page.html]",
		Short: "Resolve every locator list against a saved page",
		Long: `Parses an HTML snapshot of the chat page (for example saved with
"Save page as") and reports which selector of each list matches.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			site, err := locator.Load(cfg.Locators.Site, cfg.Locators.File)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			doc, err := locator.ParseDocument(f)
			if err != nil {
				return err
			}

			missing := 0
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LIST\tSELECTOR\tMATCHES")
			for _, m := range doc.Check(site.Locators) {
				if !m.Found() {
					// Stop indicators and file inputs are often absent from a
					// snapshot; only the lists delivery cannot work without count.
					if m.List == "textEntries" || m.List == "replyMessages" {
						missing++
					}
					fmt.Fprintf(w, "%s\t-\t0\n", m.List)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d\n", m.List, m.Selector, m.Count)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if reply := site.Locators.ReplyMessages; len(reply) > 0 {
				if m := doc.Resolve("replyMessages", reply); m.Found() {
					fmt.Printf("\nlast reply: %q\n", doc.LastText(m.Selector))
				}
			}
			if missing > 0 {
				return fmt.Errorf("%d required locator list(s) matched nothing", missing)
			}
			return nil
		},
	})

	return cmd
}
