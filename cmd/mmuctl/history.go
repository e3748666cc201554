package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/scionmmu/mmuctl/internal/history"
	"github.com/scionmmu/mmuctl/internal/storage"
)

func runHistory(args []string) int {
	if hasHelpFlag(args) {
		fmt.Println("Usage: mmuctl history [--config PATH] [--limit N] [--recipes] [--json] [id]")
		return 0
	}
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Number of entries to show")
	recipes := fs.Bool("recipes", false, "Show saved recipes instead of invocations")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if _, err := os.Stat(cfg.StatePath()); err != nil {
		fmt.Fprintf(os.Stderr, "No history at %s\n", cfg.StatePath())
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := storage.OpenSQLite(ctx, cfg.StatePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open history: %v\n", err)
		return 1
	}
	defer db.Close()
	store := history.New(db)

	switch {
	case fs.NArg() == 1:
		entry, err := store.Get(ctx, fs.Arg(0))
		if errors.Is(err, history.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "No invocation %s\n", fs.Arg(0))
			return 1
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read history: %v\n", err)
			return 1
		}
		if *jsonOut {
			return printJSON(entry)
		}
		printEntry(entry)
		return 0

	case *recipes:
		entries, err := store.Recipes(ctx, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read history: %v\n", err)
			return 1
		}
		if *jsonOut {
			return printJSON(entries)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SAVED\tFINGERPRINT\tRECIPE")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.SavedAt.Local().Format(time.DateTime), shortFingerprint(e.Fingerprint), e.Recipe)
		}
		_ = tw.Flush()
		return 0

	default:
		entries, err := store.Recent(ctx, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read history: %v\n", err)
			return 1
		}
		if *jsonOut {
			return printJSON(entries)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STARTED\tID\tCOMMAND\tOUTCOME\tEXIT\tDURATION")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
				e.StartedAt.Local().Format(time.DateTime),
				e.ID,
				e.Command,
				e.Outcome,
				e.ExitCode,
				e.CompletedAt.Sub(e.StartedAt).Round(time.Millisecond),
			)
		}
		_ = tw.Flush()
		return 0
	}
}

func printEntry(e *history.Entry) {
	fmt.Printf("id:        %s\n", e.ID)
	fmt.Printf("kind:      %s\n", e.Kind)
	fmt.Printf("command:   %s\n", e.Line)
	if e.Address != "" {
		fmt.Printf("device:    %s\n", e.Address)
	}
	fmt.Printf("outcome:   %s (exit %d)\n", e.Outcome, e.ExitCode)
	fmt.Printf("started:   %s\n", e.StartedAt.Local().Format(time.RFC3339))
	fmt.Printf("completed: %s\n", e.CompletedAt.Local().Format(time.RFC3339))
	if e.Output != "" {
		fmt.Printf("\n--- output ---\n%s\n", e.Output)
	}
	if e.Stderr != "" {
		fmt.Printf("\n--- stderr ---\n%s\n", e.Stderr)
	}
}

func shortFingerprint(fp string) string {
	if len(fp) > 19 {
		return fp[:19]
	}
	return fp
}
