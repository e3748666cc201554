package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file.
// A directory argument loads config.yaml inside it. A .env file next to the
// config is loaded first (existing environment variables win), then ${VAR}
// references are interpolated and MMU_* overrides applied.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(absPath), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML onto Defaults(). It does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

// applyEnvOverrides lets deployments change the device without editing YAML.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("MMU_DEVICE_ADDRESS"); v != "" {
		cfg.Device.Address = v
	}
	if v := os.Getenv("MMU_DEVICE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MMU_DEVICE_PORT: %w", err)
		}
		cfg.Device.Port = port
	}
	if v := os.Getenv("MMU_LOG_LEVEL"); v != "" {
		cfg.Service.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("MMU_API_KEY"); v != "" {
		cfg.API.Auth.APIKey = v
	}
	return nil
}

// IsLoopbackListen reports whether a host:port listen address only accepts
// local connections.
func IsLoopbackListen(listen string) bool {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration. File existence is
// checked by the doctor, not here, so a panel can start before scripts exist.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if strings.TrimSpace(cfg.Device.Address) == "" {
		return fmt.Errorf("device.address is required")
	}
	if cfg.Device.Port < 0 || cfg.Device.Port > 65535 {
		return fmt.Errorf("device.port must be within 0-65535 (got %d)", cfg.Device.Port)
	}

	if cfg.Scripts.Interpreter == "" {
		return fmt.Errorf("scripts.interpreter is required")
	}
	if cfg.Scripts.Printer == "" {
		return fmt.Errorf("scripts.printer is required")
	}

	if cfg.Dispatch.StatusTimeout <= 0 {
		return fmt.Errorf("dispatch.status_timeout must be positive")
	}
	if cfg.Dispatch.TerminateGrace <= 0 {
		return fmt.Errorf("dispatch.terminate_grace must be positive")
	}
	if cfg.Dispatch.FailureThreshold < 1 {
		return fmt.Errorf("dispatch.failure_threshold must be at least 1")
	}
	if cfg.Polling.Interval <= 0 {
		return fmt.Errorf("polling.interval must be positive")
	}

	if cfg.Recipe.Path == "" {
		return fmt.Errorf("recipe.path is required")
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if cfg.API.Auth.APIKey == "" && !IsLoopbackListen(cfg.API.Listen) {
			return fmt.Errorf("api.auth.api_key is required when the API listens beyond loopback")
		}
		if matches := envVarPattern.FindStringSubmatch(cfg.API.Auth.APIKey); len(matches) > 1 {
			return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", matches[1])
		}
	}
	return nil
}
