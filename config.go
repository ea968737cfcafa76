// Package gantry drives one cross-environment test run: it owns the run
// lifecycle state machine, the shared test server and tunnel, and the single
// coverage sink every execution origin merges into.
package gantry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/gantrylabs/gantry/coverage"
	"github.com/gantrylabs/gantry/flags"
	"github.com/gantrylabs/gantry/tunnel"
	"github.com/gantrylabs/gantry/types"
)

const (
	// DefaultPort is the test server port used when the config sets none.
	DefaultPort = 9876
	// DefaultSuiteTimeout bounds suites that set no timeout of their own.
	DefaultSuiteTimeout = 30 * time.Second
)

// Config holds one run's resolved configuration.
type Config struct {
	// BasePath is the absolute directory served to browsers. Coverage
	// patterns resolve against it.
	BasePath string
	// Port is the test server HTTP port. Zero picks an ephemeral port.
	Port int
	// SocketPort is the dedicated WebSocket result port. Zero disables it.
	SocketPort int
	// MaxConcurrentRequests bounds in-flight static requests on the server.
	MaxConcurrentRequests int64

	// MaxConcurrency caps simultaneous remote sessions. Zero means unbounded.
	MaxConcurrency int
	Grep           *regexp.Regexp
	Bail           bool
	DefaultTimeout time.Duration

	// Capabilities apply to every declared environment.
	Capabilities types.Capabilities
	Environments []types.EnvironmentSpec

	TunnelName    string
	TunnelOptions map[string]any

	// Suites are server-relative scripts executed inside each remote browser.
	Suites []string

	// CoverageFiles is the set of instrumentable paths; nil when coverage
	// is disabled.
	CoverageFiles *coverage.FileSet
	// FunctionalCoverage also pulls coverage out of remote sessions after
	// functional suites finish.
	FunctionalCoverage bool

	LeaveRemoteOpen types.LeavePolicy
	ServeOnly       bool

	LogDir string
	Log    log.Logger
}

// coverageOption is the tri-state `coverage` config key: absent or false
// disables instrumentation, a pattern list enables it for matching files.
type coverageOption struct {
	Disabled bool
	Patterns types.StringList
}

func (o *coverageOption) UnmarshalYAML(value *yaml.Node) error {
	var enabled bool
	if err := value.Decode(&enabled); err == nil {
		if enabled {
			return fmt.Errorf("line %d: coverage wants a pattern list, not true", value.Line)
		}
		o.Disabled = true
		return nil
	}
	var patterns types.StringList
	if err := value.Decode(&patterns); err != nil {
		return fmt.Errorf("line %d: coverage wants false or a list of glob patterns", value.Line)
	}
	o.Patterns = patterns
	return nil
}

// fileConfig is the YAML schema of the run configuration file. Every option
// is statically declared; unknown keys are rejected at load time.
type fileConfig struct {
	BasePath              string                  `yaml:"basePath"`
	Port                  *int                    `yaml:"port"`
	SocketPort            *int                    `yaml:"socketPort"`
	MaxConcurrentRequests int64                   `yaml:"maxConcurrentRequests"`
	MaxConcurrency        *int                    `yaml:"maxConcurrency"`
	Grep                  string                  `yaml:"grep"`
	Bail                  bool                    `yaml:"bail"`
	DefaultTimeout        *types.Duration         `yaml:"defaultTimeout"`
	Capabilities          types.Capabilities      `yaml:"capabilities"`
	Environments          []types.EnvironmentSpec `yaml:"environments"`
	Tunnel                string                  `yaml:"tunnel"`
	TunnelOptions         map[string]any          `yaml:"tunnelOptions"`
	Suites                types.StringList        `yaml:"suites"`
	Coverage              coverageOption          `yaml:"coverage"`
	FunctionalCoverage    bool                    `yaml:"functionalCoverage"`
	LeaveRemoteOpen       types.LeavePolicy       `yaml:"leaveRemoteOpen"`
	LogDir                string                  `yaml:"logDir"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return &fc, nil
}

// NewConfig creates a new Config from the config file named by the cli
// context, applying CLI overrides on top of file values.
func NewConfig(ctx *cli.Context, logger log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	fc, err := loadFileConfig(ctx.String(flags.ConfigFile.Name))
	if err != nil {
		return nil, err
	}

	basePath := fc.BasePath
	if basePath == "" {
		basePath = "."
	}
	basePath, err = filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for base path '%s': %w", fc.BasePath, err)
	}

	port := DefaultPort
	if fc.Port != nil {
		port = *fc.Port
	}
	if ctx.IsSet(flags.Port.Name) {
		port = ctx.Int(flags.Port.Name)
	}

	socketPort := 0
	if fc.SocketPort != nil {
		socketPort = *fc.SocketPort
	}
	if ctx.IsSet(flags.SocketPort.Name) {
		socketPort = ctx.Int(flags.SocketPort.Name)
	}

	maxConcurrency := 0
	if fc.MaxConcurrency != nil {
		maxConcurrency = *fc.MaxConcurrency
	}
	if ctx.IsSet(flags.MaxConcurrency.Name) {
		maxConcurrency = ctx.Int(flags.MaxConcurrency.Name)
	}
	if maxConcurrency < 0 {
		return nil, fmt.Errorf("maxConcurrency must not be negative, got %d", maxConcurrency)
	}

	grepStr := fc.Grep
	if ctx.IsSet(flags.Grep.Name) {
		grepStr = ctx.String(flags.Grep.Name)
	}
	var grep *regexp.Regexp
	if grepStr != "" {
		grep, err = regexp.Compile(grepStr)
		if err != nil {
			return nil, fmt.Errorf("invalid grep pattern %q: %w", grepStr, err)
		}
	}

	bail := fc.Bail
	if ctx.IsSet(flags.Bail.Name) {
		bail = ctx.Bool(flags.Bail.Name)
	}

	defaultTimeout := DefaultSuiteTimeout
	if fc.DefaultTimeout != nil {
		defaultTimeout = fc.DefaultTimeout.Std()
	}
	if ctx.IsSet(flags.DefaultTimeout.Name) {
		defaultTimeout = ctx.Duration(flags.DefaultTimeout.Name)
	}

	leavePolicy := fc.LeaveRemoteOpen
	if ctx.IsSet(flags.LeaveRemoteOpen.Name) {
		leavePolicy, err = types.ParseLeavePolicy(ctx.String(flags.LeaveRemoteOpen.Name))
		if err != nil {
			return nil, err
		}
	}
	if leavePolicy == "" {
		leavePolicy = types.LeaveNever
	}

	for i, env := range fc.Environments {
		if err := env.Validate(); err != nil {
			return nil, fmt.Errorf("environments[%d]: %w", i, err)
		}
	}

	tunnelName := fc.Tunnel
	if tunnelName == "" {
		tunnelName = "null"
	}
	if !slices.Contains(tunnel.Names(), tunnelName) {
		return nil, fmt.Errorf("unknown tunnel %q (registered: %v)", tunnelName, tunnel.Names())
	}

	var fileSet *coverage.FileSet
	if !fc.Coverage.Disabled && len(fc.Coverage.Patterns) > 0 {
		fileSet, err = coverage.ResolveFileSet(basePath, fc.Coverage.Patterns)
		if err != nil {
			return nil, fmt.Errorf("resolving coverage patterns: %w", err)
		}
	}

	// Get log directory, default to "logs" if not specified
	logDir := fc.LogDir
	if ctx.IsSet(flags.LogDir.Name) {
		logDir = ctx.String(flags.LogDir.Name)
	}
	if logDir == "" {
		logDir = "logs"
	}
	logDir, err = filepath.Abs(logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for log directory '%s': %w", logDir, err)
	}

	return &Config{
		BasePath:              basePath,
		Port:                  port,
		SocketPort:            socketPort,
		MaxConcurrentRequests: fc.MaxConcurrentRequests,
		MaxConcurrency:        maxConcurrency,
		Grep:                  grep,
		Bail:                  bail,
		DefaultTimeout:        defaultTimeout,
		Capabilities:          fc.Capabilities,
		Environments:          fc.Environments,
		TunnelName:            tunnelName,
		TunnelOptions:         fc.TunnelOptions,
		Suites:                fc.Suites,
		CoverageFiles:         fileSet,
		FunctionalCoverage:    fc.FunctionalCoverage,
		LeaveRemoteOpen:       leavePolicy,
		ServeOnly:             ctx.Bool(flags.ServeOnly.Name),
		LogDir:                logDir,
		Log:                   logger,
	}, nil
}
