// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Forkserver strategies.
const (
	StrategyOnDemand = "on-demand"
	StrategyPool     = "pool"
)

// Config is the master configuration for the stepkernel harness.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Paths configures directory and binary locations.
	Paths PathsConfig `yaml:"paths"`

	// Domains names the isolation domains created at startup. Each
	// domain gets <prefix>/<name>/{root,upper,work}.
	Domains []string `yaml:"domains"`

	// Kernel configures the invocation harness.
	Kernel KernelConfig `yaml:"kernel"`

	// Operations holds per-operation timeouts and provide paths, keyed
	// by operation name (validate, migrate_params, render, fetch).
	Operations map[string]OperationConfig `yaml:"operations"`

	// Forkserver configures how workers are spawned.
	Forkserver ForkserverConfig `yaml:"forkserver"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths      *PathsConfig         `yaml:"paths,omitempty"`
	Kernel     *KernelConfig        `yaml:"kernel,omitempty"`
	Forkserver *ForkserverOverrides `yaml:"forkserver,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Prefix is the well-known directory holding every isolation
	// domain. Default: /var/lib/stepkernel
	Prefix string `yaml:"prefix"`

	// Base is the read-only lower layer shared by all domains.
	// Default: ${STEPKERNEL_PREFIX}/base
	Base string `yaml:"base"`

	// Bin is where stepkernel binaries are installed. Empty means
	// resolve through PATH.
	Bin string `yaml:"bin"`

	// Worker is the worker binary name or absolute path.
	// Default: stepkernel-worker
	Worker string `yaml:"worker"`
}

// KernelConfig configures the invocation harness.
type KernelConfig struct {
	// ResultMaxBytes caps the worker's stdout. Past the cap the kernel
	// keeps draining and discards. Default: 32 MiB
	ResultMaxBytes int `yaml:"result_max_bytes"`

	// LogMaxBytes caps the worker's stderr. Default: 1 MiB
	LogMaxBytes int `yaml:"log_max_bytes"`

	// ReapRetries is how many non-blocking waits follow both streams
	// reaching EOF before the worker is force-killed. Default: 20
	ReapRetries int `yaml:"reap_retries"`

	// ReapInterval is the pause between non-blocking waits. Default: 5ms
	ReapInterval Duration `yaml:"reap_interval"`

	// KillGrace bounds the wait for the worker's pipes to close after
	// the deadline kill. Default: 2s
	KillGrace Duration `yaml:"kill_grace"`

	// CacheEntries bounds the compiled unit cache. Default: 256
	CacheEntries int `yaml:"cache_entries"`

	// Compression selects how unit code is stored: none, lz4, zstd or
	// auto. Default: auto
	Compression string `yaml:"compression"`
}

// OperationConfig configures one operation kind.
type OperationConfig struct {
	// Timeout is the wall-clock deadline for one invocation.
	Timeout Duration `yaml:"timeout"`

	// ProvidePaths lists host paths exposed read-only inside the chroot.
	ProvidePaths []ProvidePath `yaml:"provide_paths"`
}

// ProvidePath maps a host path to a path inside the worker's chroot.
type ProvidePath struct {
	Host   string `yaml:"host"`
	Chroot string `yaml:"chroot"`
}

// ForkserverConfig configures worker spawning.
type ForkserverConfig struct {
	// Strategy is "on-demand" or "pool". Default: on-demand
	// (development), pool (production)
	Strategy string `yaml:"strategy"`

	// PoolSize is the number of ready workers the pool keeps.
	// Default: 4
	PoolSize int `yaml:"pool_size"`

	// ProcessName becomes argv[0] of every worker. Default: stepkernel-worker
	ProcessName string `yaml:"process_name"`

	// Preload names builtin modules a pooled worker loads before it
	// blocks waiting for an invocation.
	Preload []string `yaml:"preload"`

	// UIDFirst and UIDCount bound the sandbox UID range. Each live
	// worker holds one UID (and the GID of the same number).
	// Default: 200000 and 1024
	UIDFirst int `yaml:"uid_first"`
	UIDCount int `yaml:"uid_count"`

	// Seccomp installs the worker syscall deny list. Default: true
	Seccomp bool `yaml:"seccomp"`

	// Isolate enables the mount namespace, chroot and privilege drop.
	// Requires root. Default: true
	Isolate bool `yaml:"isolate"`
}

// ForkserverOverrides are the forkserver fields an environment section
// may override. Booleans are pointers so "false" is distinguishable
// from "not set".
type ForkserverOverrides struct {
	Strategy string `yaml:"strategy,omitempty"`
	PoolSize int    `yaml:"pool_size,omitempty"`
	Seccomp  *bool  `yaml:"seccomp,omitempty"`
	Isolate  *bool  `yaml:"isolate,omitempty"`
}

// Duration is a time.Duration written in YAML as a Go duration string
// ("5s", "250ms").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string like \"5s\"", value.Line)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Prefix: "/var/lib/stepkernel",
			Base:   "${STEPKERNEL_PREFIX}/base",
			Worker: "stepkernel-worker",
		},
		Domains: []string{"editable", "readonly"},
		Kernel: KernelConfig{
			ResultMaxBytes: 32 << 20,
			LogMaxBytes:    1 << 20,
			ReapRetries:    20,
			ReapInterval:   Duration(5 * time.Millisecond),
			KillGrace:      Duration(2 * time.Second),
			CacheEntries:   256,
			Compression:    "auto",
		},
		Operations: map[string]OperationConfig{
			"validate":       {Timeout: Duration(10 * time.Second)},
			"migrate_params": {Timeout: Duration(10 * time.Second)},
			"render":         {Timeout: Duration(5 * time.Minute)},
			"fetch":          {Timeout: Duration(5 * time.Minute)},
		},
		Forkserver: ForkserverConfig{
			Strategy:    StrategyOnDemand,
			PoolSize:    4,
			ProcessName: "stepkernel-worker",
			UIDFirst:    200000,
			UIDCount:    1024,
			Seccomp:     true,
			Isolate:     true,
		},
	}
}

// Load loads configuration from the STEPKERNEL_CONFIG environment
// variable. There are no fallbacks - if STEPKERNEL_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("STEPKERNEL_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("STEPKERNEL_CONFIG environment variable not set; " +
			"set it to the path of your stepkernel.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// Operations named in the file replace the default entry for that
// operation as a whole; operations not named keep their defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// yaml.v3 merges into an existing map rather than replacing it, so
	// default operations survive unless the file names them.
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: pooled workers, full isolation.
		if overrides == nil {
			enabled := true
			overrides = &ConfigOverrides{
				Forkserver: &ForkserverOverrides{
					Strategy: StrategyPool,
					Seccomp:  &enabled,
					Isolate:  &enabled,
				},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Prefix != "" {
			c.Paths.Prefix = overrides.Paths.Prefix
		}
		if overrides.Paths.Base != "" {
			c.Paths.Base = overrides.Paths.Base
		}
		if overrides.Paths.Bin != "" {
			c.Paths.Bin = overrides.Paths.Bin
		}
		if overrides.Paths.Worker != "" {
			c.Paths.Worker = overrides.Paths.Worker
		}
	}

	if overrides.Kernel != nil {
		if overrides.Kernel.ResultMaxBytes != 0 {
			c.Kernel.ResultMaxBytes = overrides.Kernel.ResultMaxBytes
		}
		if overrides.Kernel.LogMaxBytes != 0 {
			c.Kernel.LogMaxBytes = overrides.Kernel.LogMaxBytes
		}
		if overrides.Kernel.ReapRetries != 0 {
			c.Kernel.ReapRetries = overrides.Kernel.ReapRetries
		}
		if overrides.Kernel.ReapInterval != 0 {
			c.Kernel.ReapInterval = overrides.Kernel.ReapInterval
		}
		if overrides.Kernel.CacheEntries != 0 {
			c.Kernel.CacheEntries = overrides.Kernel.CacheEntries
		}
		if overrides.Kernel.Compression != "" {
			c.Kernel.Compression = overrides.Kernel.Compression
		}
	}

	if overrides.Forkserver != nil {
		if overrides.Forkserver.Strategy != "" {
			c.Forkserver.Strategy = overrides.Forkserver.Strategy
		}
		if overrides.Forkserver.PoolSize != 0 {
			c.Forkserver.PoolSize = overrides.Forkserver.PoolSize
		}
		if overrides.Forkserver.Seccomp != nil {
			c.Forkserver.Seccomp = *overrides.Forkserver.Seccomp
		}
		if overrides.Forkserver.Isolate != nil {
			c.Forkserver.Isolate = *overrides.Forkserver.Isolate
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"STEPKERNEL_PREFIX": c.Paths.Prefix,
		"HOME":              os.Getenv("HOME"),
	}

	c.Paths.Prefix = expandVars(c.Paths.Prefix, vars)
	vars["STEPKERNEL_PREFIX"] = c.Paths.Prefix // Update for dependent paths.

	c.Paths.Base = expandVars(c.Paths.Base, vars)
	c.Paths.Bin = expandVars(c.Paths.Bin, vars)
	c.Paths.Worker = expandVars(c.Paths.Worker, vars)

	for name, operation := range c.Operations {
		for i := range operation.ProvidePaths {
			operation.ProvidePaths[i].Host = expandVars(operation.ProvidePaths[i].Host, vars)
		}
		c.Operations[name] = operation
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

		// Check provided vars first, then environment.
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
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if !filepath.IsAbs(c.Paths.Prefix) {
		errs = append(errs, fmt.Errorf("paths.prefix must be an absolute path, got %q", c.Paths.Prefix))
	}
	if !filepath.IsAbs(c.Paths.Base) {
		errs = append(errs, fmt.Errorf("paths.base must be an absolute path, got %q", c.Paths.Base))
	}
	if c.Paths.Worker == "" {
		errs = append(errs, errors.New("paths.worker is required"))
	}

	if len(c.Domains) == 0 {
		errs = append(errs, errors.New("at least one domain is required"))
	}
	seen := make(map[string]bool, len(c.Domains))
	for _, domain := range c.Domains {
		if err := validateDomainName(domain); err != nil {
			errs = append(errs, err)
		}
		if seen[domain] {
			errs = append(errs, fmt.Errorf("domain %q listed twice", domain))
		}
		seen[domain] = true
	}

	if c.Kernel.ResultMaxBytes <= 0 {
		errs = append(errs, errors.New("kernel.result_max_bytes must be positive"))
	}
	if c.Kernel.LogMaxBytes <= 0 {
		errs = append(errs, errors.New("kernel.log_max_bytes must be positive"))
	}
	if c.Kernel.ReapRetries < 0 {
		errs = append(errs, errors.New("kernel.reap_retries must not be negative"))
	}
	if c.Kernel.ReapInterval <= 0 {
		errs = append(errs, errors.New("kernel.reap_interval must be positive"))
	}
	if c.Kernel.KillGrace <= 0 {
		errs = append(errs, errors.New("kernel.kill_grace must be positive"))
	}
	if c.Kernel.CacheEntries <= 0 {
		errs = append(errs, errors.New("kernel.cache_entries must be positive"))
	}
	compressionValues := []string{"none", "lz4", "zstd", "auto"}
	if !contains(compressionValues, c.Kernel.Compression) {
		errs = append(errs, fmt.Errorf("kernel.compression must be one of: %v", compressionValues))
	}

	for name, operation := range c.Operations {
		if operation.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("operations.%s.timeout must be positive", name))
		}
		for _, mapping := range operation.ProvidePaths {
			if !filepath.IsAbs(mapping.Host) || !filepath.IsAbs(mapping.Chroot) {
				errs = append(errs, fmt.Errorf("operations.%s.provide_paths: %q -> %q must both be absolute",
					name, mapping.Host, mapping.Chroot))
			}
		}
	}

	strategyValues := []string{StrategyOnDemand, StrategyPool}
	if !contains(strategyValues, c.Forkserver.Strategy) {
		errs = append(errs, fmt.Errorf("forkserver.strategy must be one of: %v", strategyValues))
	}
	if c.Forkserver.Strategy == StrategyPool && c.Forkserver.PoolSize < 1 {
		errs = append(errs, errors.New("forkserver.pool_size must be at least 1 for the pool strategy"))
	}
	if c.Forkserver.ProcessName == "" {
		errs = append(errs, errors.New("forkserver.process_name is required"))
	}
	if c.Forkserver.UIDFirst <= 0 {
		errs = append(errs, errors.New("forkserver.uid_first must be positive (never root)"))
	}
	if c.Forkserver.UIDCount < 1 {
		errs = append(errs, errors.New("forkserver.uid_count must be at least 1"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateDomainName(name string) error {
	if name == "" || name == "." || name == ".." || name == "base" {
		return fmt.Errorf("invalid domain name %q", name)
	}
	if strings.ContainsAny(name, "/,\n") {
		return fmt.Errorf("domain name %q contains a path separator, comma or newline", name)
	}
	return nil
}

// DomainPaths returns the root, upper and work directories of a domain.
func (c *Config) DomainPaths(domain string) (root, upper, work string) {
	directory := filepath.Join(c.Paths.Prefix, domain)
	return filepath.Join(directory, "root"), filepath.Join(directory, "upper"), filepath.Join(directory, "work")
}

// Operation returns the configuration of one operation kind.
func (c *Config) Operation(name string) (OperationConfig, bool) {
	operation, ok := c.Operations[name]
	return operation, ok
}

// EnsurePaths creates the base layer and every domain's directories if
// they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{c.Paths.Prefix, c.Paths.Base}
	for _, domain := range c.Domains {
		root, upper, work := c.DomainPaths(domain)
		paths = append(paths, root, upper, work)
	}

	for _, path := range paths {
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}

// WorkerPath returns the full path to the worker binary. An absolute
// Paths.Worker is used as is. Otherwise Paths.Bin is searched first,
// then PATH.
func (c *Config) WorkerPath() (string, error) {
	name := c.Paths.Worker
	if filepath.IsAbs(name) {
		return name, nil
	}

	if c.Paths.Bin != "" {
		binPath := filepath.Join(c.Paths.Bin, name)
		if _, err := os.Stat(binPath); err == nil {
			return binPath, nil
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		if c.Paths.Bin != "" {
			return "", fmt.Errorf("%s not found in %s or PATH", name, c.Paths.Bin)
		}
		return "", fmt.Errorf("%s not found in PATH", name)
	}
	return path, nil
}
