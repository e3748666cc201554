package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/scionmmu/mmuctl/internal/dispatch"
	"github.com/scionmmu/mmuctl/internal/log"
	"github.com/scionmmu/mmuctl/internal/panel"
)

func runStatus(args []string) int {
	if hasHelpFlag(args) {
		fmt.Println("Usage: mmuctl status [--config PATH] [--address HOST] [--json]")
		return 0
	}
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	address := fs.String("address", "", "Printer address (overrides device.address)")
	jsonOut := fs.Bool("json", false, "Output the parsed status as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	log.Configure(log.Options{Level: cfg.Service.LogLevel, Format: cfg.Service.LogFormat, Output: os.Stderr})

	timeout := cfg.Dispatch.StatusTimeout + cfg.Dispatch.TerminateGrace + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	st, err := openStack(ctx, cfg, stackOptions{address: *address})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.Close()
	ctrl, err := st.controller(*address)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	id, err := ctrl.CheckStatus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status check not started: %v\n", err)
		return 1
	}
	r, err := waitTerminal(ctx, st.disp.Results(), id, func(r dispatch.Result) {
		reportNotices(ctrl.Handle(r))
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status check did not finish: %v\n", err)
		return 1
	}

	if !r.Success {
		fmt.Fprintf(os.Stderr, "Status check failed (%s): %s\n", r.Outcome, r.Text)
		return 1
	}
	if *jsonOut {
		return printJSON(r.Printer)
	}
	p := r.Printer
	fmt.Printf("device:   %s\n", ctrl.Address())
	fmt.Printf("state:    %s\n", p.State)
	if p.TotalLayers > 0 {
		fmt.Printf("layer:    %d/%d\n", p.CurrentLayer, p.TotalLayers)
	} else {
		fmt.Printf("layer:    %d\n", p.CurrentLayer)
	}
	fmt.Printf("progress: %.1f%%\n", p.PercentComplete)
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		switch k {
		case "status", "current_layer", "total_layers", "percent_complete":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s: %s\n", k, p.Fields[k])
	}
	return 0
}

func runSend(args []string) int {
	if hasHelpFlag(args) {
		fmt.Println("Usage: mmuctl send [--config PATH] [--address HOST] [--timeout DUR] <verb> [args...]")
		return 0
	}
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	address := fs.String("address", "", "Printer address (overrides device.address)")
	timeout := fs.Duration("timeout", 0, "Cancel the command after this long (0 waits forever)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: mmuctl send <verb> [args...]")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	log.Configure(log.Options{Level: cfg.Service.LogLevel, Format: cfg.Service.LogFormat, Output: os.Stderr})

	ctx := context.Background()
	st, err := openStack(ctx, cfg, stackOptions{address: *address})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.Close()
	ctrl, err := st.controller(*address)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	id, err := ctrl.Send(fs.Arg(0), fs.Args()[1:]...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Command not started: %v\n", err)
		return 1
	}
	if *timeout > 0 {
		timer := time.AfterFunc(*timeout, ctrl.Cancel)
		defer timer.Stop()
	}

	r, err := waitTerminal(ctx, st.disp.Results(), id, func(r dispatch.Result) {
		switch r.Kind {
		case dispatch.KindOutput:
			fmt.Fprint(os.Stdout, r.Text)
		case dispatch.KindError:
			fmt.Fprint(os.Stderr, r.Text)
		}
		reportNotices(ctrl.Handle(r))
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Command did not finish: %v\n", err)
		return 1
	}
	return exitCodeOf(r)
}

// exitCodeOf maps a finished result to a process exit code.
func exitCodeOf(r dispatch.Result) int {
	switch {
	case r.Success:
		return 0
	case r.NormalExit && r.ExitCode > 0:
		return r.ExitCode
	default:
		fmt.Fprintf(os.Stderr, "%s: %s\n", r.Outcome, r.Text)
		return 1
	}
}

func reportNotices(notices []panel.Notice) {
	for _, n := range notices {
		fmt.Fprintf(os.Stderr, "%s: %s\n", n.Title, n.Message)
	}
}
