package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/scionmmu/mmuctl/internal/config"
	"github.com/scionmmu/mmuctl/internal/log"
	"github.com/scionmmu/mmuctl/internal/tui"
)

func runPanel(args []string) int {
	if hasHelpFlag(args) {
		fmt.Println("Usage: mmuctl panel [--config PATH] [--address HOST] [--poll]")
		return 0
	}
	fs := flag.NewFlagSet("panel", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	address := fs.String("address", "", "Printer address (overrides device.address)")
	poll := fs.Bool("poll", false, "Start with status polling on")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *poll {
		cfg.Polling.Enabled = true
	}

	logFile, err := openPanelLog(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		return 1
	}
	defer logFile.Close()
	log.Configure(log.Options{Level: cfg.Service.LogLevel, Format: cfg.Service.LogFormat, Output: logFile})
	logger := log.WithComponent("main")
	logger.Info("mmuctl panel starting", "version", version, "config", cfg.SourcePath)

	st, err := openStack(context.Background(), cfg, stackOptions{address: *address})
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

	program := tea.NewProgram(tui.New(ctrl, st.disp.Results(), cfg.Polling.Interval), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Panel error: %v\n", err)
		return 1
	}
	logger.Info("mmuctl panel stopped")
	return 0
}

// openPanelLog opens the file the panel logs to, next to the state
// database unless service.log_file says otherwise.
func openPanelLog(cfg *config.Config) (*os.File, error) {
	path := cfg.LogFilePath()
	if path == "" {
		path = filepath.Join(filepath.Dir(cfg.StatePath()), "mmuctl.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
