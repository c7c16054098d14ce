// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultProfile is the profile selected when none is configured.
const DefaultProfile = "default"

// Config is the top-level configuration for veil. The engine treats it as
// read-only; reloads produce a new *Config.
type Config struct {
	LogLevel        string             `yaml:"log_level" env:"VEIL_LOG_LEVEL"`
	Current         string             `yaml:"current_profile" env:"VEIL_CURRENT_PROFILE"`
	Profiles        map[string]Profile `yaml:"profiles"`
	Exceptions      []KnownException   `yaml:"known_exceptions"`
	ProtectedModule string             `yaml:"protected_module" env:"VEIL_PROTECTED_MODULE"`
	Health          HealthConfig       `yaml:"health"`

	// file the configuration was loaded from; empty for built-in defaults
	file string
}

// Profile is one named set of concealment toggles.
type Profile struct {
	// DbgPrintException hides DBG_PRINTEXCEPTION_C from the host by
	// rewriting debug-wait results in the controller.
	DbgPrintException bool `yaml:"dbg_print_exception"`
	// KillAntiAttach restores a clean protected module in the target
	// before the debugger attaches.
	KillAntiAttach bool `yaml:"kill_anti_attach"`
	// PassExceptions passes uncatalogued exceptions to the debuggee
	// without a host dialog.
	PassExceptions bool `yaml:"pass_exceptions"`
}

// KnownException is an exception code the operator expects to see.
type KnownException struct {
	Code        uint32 `yaml:"code"`
	Description string `yaml:"description"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DbgPrintException reports the toggle of the current profile.
func (c *Config) DbgPrintException() bool { return c.ActiveProfile().DbgPrintException }

// KillAntiAttach reports the toggle of the current profile.
func (c *Config) KillAntiAttach() bool { return c.ActiveProfile().KillAntiAttach }

// PassExceptions reports the toggle of the current profile.
func (c *Config) PassExceptions() bool { return c.ActiveProfile().PassExceptions }

// CurrentProfile returns the selected profile name.
func (c *Config) CurrentProfile() string {
	if c.Current == "" {
		return DefaultProfile
	}
	return c.Current
}

// Profile returns the named profile.
func (c *Config) Profile(name string) (Profile, bool) {
	p, ok := c.Profiles[name]
	return p, ok
}

// ActiveProfile returns the current profile, or the zero Profile (every
// toggle off) when it does not exist.
func (c *Config) ActiveProfile() Profile {
	p, _ := c.Profile(c.CurrentProfile())
	return p
}

// DefaultConfigFile returns the file this configuration was loaded from, or
// DefaultPath when it holds built-in defaults.
func (c *Config) DefaultConfigFile() string {
	if c.file != "" {
		return c.file
	}
	return DefaultPath()
}

// KnownExceptions returns a copy of the known-exception catalogue in
// configured order.
func (c *Config) KnownExceptions() []KnownException {
	return append([]KnownException(nil), c.Exceptions...)
}

// DefaultPath is where veil looks for its configuration when no path is
// given: veil/veil.yaml under the user configuration directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "veil.yaml"
	}
	return filepath.Join(dir, "veil", "veil.yaml")
}

// Load reads configuration from a YAML file on top of DefaultConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.file = path

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with a single all-off "default"
// profile, a "full" profile with every toggle on, and the common Windows
// exception catalogue.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Current:  DefaultProfile,
		Profiles: map[string]Profile{
			DefaultProfile: {},
			"full": {
				DbgPrintException: true,
				KillAntiAttach:    true,
				PassExceptions:    true,
			},
		},
		Exceptions:      defaultExceptions(),
		ProtectedModule: "ntdll.dll",
		Health: HealthConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8687",
		},
	}
}

func defaultExceptions() []KnownException {
	return []KnownException{
		{0x80000001, "guard page violation"},
		{0x80000002, "datatype misalignment"},
		{0x80000003, "breakpoint"},
		{0x80000004, "single step"},
		{0xC0000005, "access violation"},
		{0xC0000006, "in page error"},
		{0xC0000008, "invalid handle"},
		{0xC000001D, "illegal instruction"},
		{0xC0000025, "noncontinuable exception"},
		{0xC0000026, "invalid disposition"},
		{0xC000008C, "array bounds exceeded"},
		{0xC000008D, "float denormal operand"},
		{0xC000008E, "float divide by zero"},
		{0xC000008F, "float inexact result"},
		{0xC0000090, "float invalid operation"},
		{0xC0000091, "float overflow"},
		{0xC0000092, "float stack check"},
		{0xC0000093, "float underflow"},
		{0xC0000094, "integer divide by zero"},
		{0xC0000095, "integer overflow"},
		{0xC0000096, "privileged instruction"},
		{0xC00000FD, "stack overflow"},
		{0xC000013A, "control-c exit"},
	}
}

// ApplyEnvOverrides applies VEIL_* environment variables on top of the
// loaded configuration.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"VEIL_LOG_LEVEL":        func(v string) { c.LogLevel = v },
		"VEIL_CURRENT_PROFILE":  func(v string) { c.Current = v },
		"VEIL_PROTECTED_MODULE": func(v string) { c.ProtectedModule = v },
		"VEIL_HEALTH_ADDR":      func(v string) { c.Health.Addr = v },
	}

	boolOverrides := map[string]*bool{
		"VEIL_HEALTH_ENABLED": &c.Health.Enabled,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if _, ok := c.Profiles[c.CurrentProfile()]; !ok {
		return fmt.Errorf("current_profile %q is not defined in profiles", c.CurrentProfile())
	}

	if strings.TrimSpace(c.ProtectedModule) == "" {
		return fmt.Errorf("protected_module is required")
	}

	seen := make(map[uint32]bool, len(c.Exceptions))
	for _, e := range c.Exceptions {
		if seen[e.Code] {
			return fmt.Errorf("known_exceptions: duplicate code 0x%08X", e.Code)
		}
		seen[e.Code] = true
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr is required when health is enabled")
	}

	return nil
}
