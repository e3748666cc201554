// Package doctor validates an mmuctl configuration against the machine it
// runs on: interpreter, scripts, recipe file and state directory.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/scionmmu/mmuctl/internal/config"
	"github.com/scionmmu/mmuctl/internal/recipe"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateInterpreter(r)
	d.validateScripts(r)
	d.validateRecipe(r)
	d.validateStateDir(r)
	d.validateAPIConfig(r)
	d.warnPolling(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateInterpreter(r *Result) {
	if _, err := exec.LookPath(d.cfg.Scripts.Interpreter); err != nil {
		d.addError(r, "scripts", "scripts.interpreter",
			fmt.Sprintf("interpreter %q not found: %v", d.cfg.Scripts.Interpreter, err))
	}
}

// validateScripts checks that every referenced script file exists. Only the
// printer script is required; the others disable their feature when absent.
func (d *Doctor) validateScripts(r *Result) {
	scripts := []struct {
		field    string
		path     string
		required bool
	}{
		{"scripts.printer", d.cfg.PrinterScript(), true},
		{"scripts.print_manager", d.cfg.PrintManagerScript(), false},
		{"scripts.pump", d.cfg.PumpScript(), false},
	}
	for _, s := range scripts {
		if s.path == "" {
			continue
		}
		info, err := os.Stat(s.path)
		switch {
		case err != nil && s.required:
			d.addError(r, "scripts", s.field, fmt.Sprintf("script not found: %s", s.path))
		case err != nil:
			d.addWarning(r, "scripts", s.field, fmt.Sprintf("script not found: %s", s.path))
		case info.IsDir():
			d.addError(r, "scripts", s.field, fmt.Sprintf("script path is a directory: %s", s.path))
		}
	}
}

func (d *Doctor) validateRecipe(r *Result) {
	path := d.cfg.RecipePath()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		d.addWarning(r, "recipe", "recipe.path", fmt.Sprintf("no recipe saved yet at %s", path))
		return
	}
	if err != nil {
		d.addError(r, "recipe", "recipe.path", err.Error())
		return
	}
	rows, err := recipe.Parse(string(data))
	if err != nil {
		d.addError(r, "recipe", "recipe.path", err.Error())
		return
	}
	if err := recipe.Validate(rows); err != nil {
		d.addWarning(r, "recipe", "recipe.path", fmt.Sprintf("recipe would be rejected on save: %v", err))
	}
	for _, dup := range recipe.DuplicateLayers(rows) {
		d.addWarning(r, "recipe", "recipe.path", dup.String())
	}
}

func (d *Doctor) validateStateDir(r *Result) {
	for _, c := range []struct{ field, dir string }{
		{"state.path", filepath.Dir(d.cfg.StatePath())},
		{"state.lock_dir", d.cfg.LockDir()},
	} {
		if err := checkWritable(c.dir); err != nil {
			d.addError(r, "state", c.field, err.Error())
		}
	}
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".mmuctl-doctor-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(d.cfg.API.Listen); err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address: %v", err))
		return
	}
	if d.cfg.API.Auth.APIKey == "" {
		if config.IsLoopbackListen(d.cfg.API.Listen) {
			d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured")
		} else {
			d.addError(r, "api", "api.auth", "API listens beyond loopback without an api_key")
		}
	}
}

func (d *Doctor) warnPolling(r *Result) {
	p := d.cfg.Polling
	if !p.Enabled {
		return
	}
	if p.Interval <= d.cfg.Dispatch.StatusTimeout {
		d.addWarning(r, "polling", "polling.interval",
			fmt.Sprintf("interval %s is not longer than the status timeout %s; polls will be skipped while a check is running",
				p.Interval, d.cfg.Dispatch.StatusTimeout))
	}
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// warnMissingEnvVars warns about ${VAR} references in the config file whose
// variable is unset.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	if d.cfg.SourcePath == "" {
		return
	}
	data, err := os.ReadFile(d.cfg.SourcePath)
	if err != nil {
		return
	}
	seen := map[string]bool{}
	for _, m := range envVarRe.FindAllStringSubmatch(string(data), -1) {
		name := m[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := os.LookupEnv(name); !ok {
			d.addWarning(r, "env_vars", "", fmt.Sprintf("environment variable ${%s} not set", name))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
