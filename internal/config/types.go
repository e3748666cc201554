package config

import (
	"path/filepath"
	"time"
)

// Config represents the complete mmuctl configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Device   DeviceConfig   `yaml:"device"`
	Scripts  ScriptsConfig  `yaml:"scripts"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Polling  PollingConfig  `yaml:"polling"`
	Recipe   RecipeConfig   `yaml:"recipe"`
	State    StateConfig    `yaml:"state"`
	API      APIConfig      `yaml:"api,omitempty"`

	// SourcePath is the absolute path of the file the config was loaded from.
	// Relative paths in the file are resolved against its directory.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines logging settings.
type ServiceConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// LogFile receives log records while the terminal panel owns stdout.
	LogFile string `yaml:"log_file,omitempty"`
}

// DeviceConfig identifies the printer the scripts talk to.
type DeviceConfig struct {
	Address string `yaml:"address"`
	// Port is passed to the printer script as -p when non-zero.
	Port    int           `yaml:"port,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
}

// ScriptsConfig locates the external interpreter and its scripts.
type ScriptsConfig struct {
	Interpreter  string `yaml:"interpreter"`
	Dir          string `yaml:"dir"`
	Printer      string `yaml:"printer"`
	PrintManager string `yaml:"print_manager"`
	Pump         string `yaml:"pump"`
}

// DispatchConfig tunes the command dispatcher.
type DispatchConfig struct {
	StatusTimeout    time.Duration `yaml:"status_timeout"`
	TerminateGrace   time.Duration `yaml:"terminate_grace"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// PollingConfig controls periodic status checks.
type PollingConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// RecipeConfig locates the recipe file.
type RecipeConfig struct {
	Path string `yaml:"path"`
}

// StateConfig defines history storage settings.
type StateConfig struct {
	Path             string        `yaml:"path"`
	HistoryRetention time.Duration `yaml:"history_retention"`
	LockDir          string        `yaml:"lock_dir,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig holds the bearer token accepted by the API.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// Defaults returns a Config with the values the device ships with.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		Device: DeviceConfig{
			Address: "192.168.4.2",
			Timeout: 10 * time.Second,
		},
		Scripts: ScriptsConfig{
			Interpreter:  "python3",
			Dir:          "./src/controller",
			Printer:      "newmonox.py",
			PrintManager: "print_manager.py",
			Pump:         "photonmmu_pump.py",
		},
		Dispatch: DispatchConfig{
			StatusTimeout:    10 * time.Second,
			TerminateGrace:   3 * time.Second,
			FailureThreshold: 3,
		},
		Polling: PollingConfig{
			Enabled:  false,
			Interval: 5 * time.Second,
		},
		Recipe: RecipeConfig{
			Path: "./config/recipe.txt",
		},
		State: StateConfig{
			Path:             "./data/mmuctl.db",
			HistoryRetention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}

// ScriptPath resolves a script file name against the configured script dir.
func (c *Config) ScriptPath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.resolve(c.Scripts.Dir), name)
}

// PrinterScript is the script that speaks the printer protocol.
func (c *Config) PrinterScript() string { return c.ScriptPath(c.Scripts.Printer) }

// PrintManagerScript runs automated multi-material prints.
func (c *Config) PrintManagerScript() string { return c.ScriptPath(c.Scripts.PrintManager) }

// PumpScript drives the resin pumps.
func (c *Config) PumpScript() string { return c.ScriptPath(c.Scripts.Pump) }

// RecipePath is the absolute recipe file path.
func (c *Config) RecipePath() string { return c.resolve(c.Recipe.Path) }

// StatePath is the absolute history database path.
func (c *Config) StatePath() string { return c.resolve(c.State.Path) }

// LockDir is where per-device lock files live.
func (c *Config) LockDir() string {
	if c.State.LockDir != "" {
		return c.resolve(c.State.LockDir)
	}
	return filepath.Dir(c.StatePath())
}

// LogFilePath is the absolute log file path, or "" when logs go to stdout.
func (c *Config) LogFilePath() string { return c.resolve(c.Service.LogFile) }

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.SourcePath == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.SourcePath), p)
}
