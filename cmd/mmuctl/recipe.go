package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/scionmmu/mmuctl/internal/history"
	"github.com/scionmmu/mmuctl/internal/recipe"
	"github.com/scionmmu/mmuctl/internal/storage"
)

func runRecipeNoun(args []string) int {
	if len(args) < 1 {
		printRecipeHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printRecipeHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "show":
		return runRecipeShow(args[1:])
	case "set":
		return runRecipeSet(args[1:])
	case "check":
		return runRecipeCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown recipe action: %s\n\n", args[0])
		printRecipeHelp(os.Stderr)
		return 1
	}
}

func printRecipeHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: mmuctl recipe <action> [flags]

Actions:
  show [--json]                 Print the saved recipe
  set [--yes] <text>            Replace the recipe ("-" reads stdin)
  check [text]                  Validate text, or the saved recipe

Recipe text is "<material>,<layer>" entries joined by ":", e.g. "A,10:B,50".
Materials are A-D, layers start at 1, at most 12 entries. Repeated layers
need --yes.
`)
}

func runRecipeShow(args []string) int {
	fs := flag.NewFlagSet("recipe show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output rows as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	store := recipe.NewStore(cfg.RecipePath())
	rows, err := store.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read recipe: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Printf("No recipe saved at %s\n", store.Path())
		return 0
	}
	printRows(os.Stdout, rows)
	return 0
}

func runRecipeSet(args []string) int {
	fs := flag.NewFlagSet("recipe set", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	yes := fs.Bool("yes", false, "Save even when layers repeat")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: mmuctl recipe set [--yes] <text>")
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	text, err := readArg(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read recipe text: %v\n", err)
		return 1
	}
	rows, err := recipe.Parse(text)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid recipe: %v\n", err)
		return 1
	}

	saved, err := recipe.NewStore(cfg.RecipePath()).Save(rows, func([]recipe.Duplicate) bool { return *yes })
	switch {
	case errors.Is(err, recipe.ErrDeclined):
		for _, d := range recipe.DuplicateLayers(rows) {
			fmt.Fprintf(os.Stderr, "Duplicate: %s\n", d)
		}
		fmt.Fprintln(os.Stderr, "Recipe not saved; rerun with --yes to keep duplicate layers")
		return 1
	case err != nil:
		fmt.Fprintf(os.Stderr, "Recipe not saved: %v\n", err)
		return 1
	}

	for _, d := range saved.Duplicates {
		fmt.Fprintf(os.Stderr, "Saved with duplicate: %s\n", d)
	}
	fmt.Printf("Saved %d row(s) to %s\n", len(rows), saved.Path)
	fmt.Printf("fingerprint: %s\n", saved.Fingerprint)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := storage.OpenSQLite(ctx, cfg.StatePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Recipe saved but not recorded in history: %v\n", err)
		return 0
	}
	defer db.Close()
	if _, err := history.New(db).RecordRecipe(ctx, saved); err != nil {
		fmt.Fprintf(os.Stderr, "Recipe saved but not recorded in history: %v\n", err)
	}
	return 0
}

func runRecipeCheck(args []string) int {
	fs := flag.NewFlagSet("recipe check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var text string
	switch fs.NArg() {
	case 0:
		cfg, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		data, err := os.ReadFile(cfg.RecipePath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read recipe: %v\n", err)
			return 1
		}
		text = string(data)
	case 1:
		var err error
		if text, err = readArg(fs.Arg(0)); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read recipe text: %v\n", err)
			return 1
		}
	default:
		fmt.Fprintln(os.Stderr, "Usage: mmuctl recipe check [text]")
		return 1
	}

	rows, err := recipe.Parse(text)
	if err == nil {
		err = recipe.Validate(rows)
	}
	if err != nil {
		fmt.Printf("✗ %v\n", err)
		return 1
	}
	dups := recipe.DuplicateLayers(rows)
	for _, d := range dups {
		fmt.Printf("⚠ %s\n", d)
	}
	fmt.Printf("✓ %d row(s), fingerprint %s\n", len(rows), recipe.Fingerprint(recipe.Format(rows)))
	return 0
}

// readArg returns arg, or stdin when arg is "-".
func readArg(arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func printRows(w io.Writer, rows []recipe.Row) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tLAYER\tMATERIAL")
	for i, r := range rows {
		fmt.Fprintf(tw, "%d\t%d\t%s\n", i+1, r.Layer, r.Material)
	}
	_ = tw.Flush()
}
