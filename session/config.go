// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk shape of the session manager
// configuration. Durations are strings in Go duration syntax ("500ms",
// "10s") so the file stays readable; ManagerConfig parses them.
type FileConfig struct {
	// SocketDir is the runtime directory for session sockets. Supports
	// ${VAR} and ${VAR:-default} expansion.
	SocketDir string `yaml:"socket_dir"`

	// ShepherdCommand is the argv prefix for launching the shepherd
	// binary. Each element is expanded like SocketDir.
	ShepherdCommand []string `yaml:"shepherd_command"`

	// RingSize is the replay buffer capacity per session. Zero keeps
	// the shepherd's built-in default.
	RingSize int `yaml:"ring_size"`

	// SpawnTimeout bounds the wait for a new shepherd's socket.
	SpawnTimeout string `yaml:"spawn_timeout"`

	// ProbeTimeout bounds each socket liveness probe.
	ProbeTimeout string `yaml:"probe_timeout"`

	// Restart is the default restart policy for new sessions.
	Restart RestartFileConfig `yaml:"restart"`
}

// RestartFileConfig is the on-disk restart policy.
type RestartFileConfig struct {
	RestartOnExit     bool   `yaml:"restart_on_exit"`
	RestartDelay      string `yaml:"restart_delay"`
	MaxRestarts       int    `yaml:"max_restarts"`
	RestartResetAfter string `yaml:"restart_reset_after"`
}

// DefaultFileConfig returns the built-in configuration. Loading a file
// merges on top of this, so a partial file only overrides what it
// names.
func DefaultFileConfig() *FileConfig {
	return &FileConfig{
		SocketDir:       "${XDG_RUNTIME_DIR:-/tmp}/tower/sessions",
		ShepherdCommand: []string{"tower-shepherd"},
		SpawnTimeout:    "10s",
		ProbeTimeout:    "2s",
		Restart: RestartFileConfig{
			RestartOnExit:     false,
			RestartDelay:      "1s",
			MaxRestarts:       3,
			RestartResetAfter: "30s",
		},
	}
}

// LoadConfigFile reads a YAML configuration file, merges it over the
// defaults, and expands ${VAR} patterns. The file is the single source
// of truth; environment variables only participate through explicit
// ${VAR} references.
func LoadConfigFile(path string) (*FileConfig, error) {
	cfg := DefaultFileConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// and command fields.
func (c *FileConfig) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.SocketDir = expandVars(c.SocketDir, vars)
	for i, arg := range c.ShepherdCommand {
		c.ShepherdCommand[i] = expandVars(arg, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *FileConfig) Validate() error {
	_, err := c.ManagerConfig()
	return err
}

// ManagerConfig converts the file configuration into a manager Config,
// parsing durations and collecting every problem rather than stopping
// at the first. The caller still attaches Logger, Clock, and OnNotice.
func (c *FileConfig) ManagerConfig() (Config, error) {
	var errs []error

	if c.SocketDir == "" {
		errs = append(errs, fmt.Errorf("socket_dir is required"))
	}
	if len(c.ShepherdCommand) == 0 || c.ShepherdCommand[0] == "" {
		errs = append(errs, fmt.Errorf("shepherd_command is required"))
	}
	if c.RingSize < 0 {
		errs = append(errs, fmt.Errorf("ring_size must not be negative, got %d", c.RingSize))
	}
	if c.Restart.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("restart.max_restarts must not be negative, got %d", c.Restart.MaxRestarts))
	}

	spawnTimeout := parseDuration("spawn_timeout", c.SpawnTimeout, &errs)
	probeTimeout := parseDuration("probe_timeout", c.ProbeTimeout, &errs)
	restartDelay := parseDuration("restart.restart_delay", c.Restart.RestartDelay, &errs)
	restartReset := parseDuration("restart.restart_reset_after", c.Restart.RestartResetAfter, &errs)

	if c.Restart.RestartOnExit && restartDelay <= 0 {
		errs = append(errs, fmt.Errorf("restart.restart_delay must be positive when restart.restart_on_exit is set"))
	}

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}

	return Config{
		SocketDir:       c.SocketDir,
		ShepherdCommand: c.ShepherdCommand,
		RingSize:        c.RingSize,
		SpawnTimeout:    spawnTimeout,
		ProbeTimeout:    probeTimeout,
		DefaultRestart: RestartPolicy{
			RestartOnExit:     c.Restart.RestartOnExit,
			RestartDelay:      restartDelay,
			MaxRestarts:       c.Restart.MaxRestarts,
			RestartResetAfter: restartReset,
		},
	}, nil
}

func parseDuration(field, value string, errs *[]error) time.Duration {
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", field, err))
		return 0
	}
	if d < 0 {
		*errs = append(*errs, fmt.Errorf("%s must not be negative, got %s", field, d))
		return 0
	}
	return d
}
