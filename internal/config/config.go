package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"chatrelay/internal/locator"
	"chatrelay/internal/pipeline"
)

// Config is the root configuration for chatrelay.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Browser  BrowserConfig  `json:"browser"`
	Pipeline PipelineConfig `json:"pipeline"`
	Locators LocatorsConfig `json:"locators"`
	Capture  CaptureConfig  `json:"capture"`
	History  HistoryConfig  `json:"history"`
	Artifact ArtifactConfig `json:"artifact"`
	Channels ChannelsConfig `json:"channels"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	Workspace string `json:"workspace"`
	LogLevel  string `json:"logLevel"`
	LogFile   string `json:"logFile,omitempty"` // optional log file path
}

type BrowserConfig struct {
	// URL overrides the site's home page.
	URL         string `json:"url,omitempty"`
	ProfileDir  string `json:"profileDir"`
	CacheSizeMB int    `json:"cacheSizeMB"`
	Headless    bool   `json:"headless"`
	UserAgent   string `json:"userAgent,omitempty"`

	// ProbeTimeoutMs bounds a single script evaluation.
	ProbeTimeoutMs int `json:"probeTimeoutMs"`

	// WaitStable waits for the page to finish loading before accepting input.
	WaitStable        bool `json:"waitStable"`
	StartupTimeoutSec int  `json:"startupTimeoutSeconds"`
}

// PipelineConfig holds the delivery heuristics. Durations are milliseconds
// unless the name says otherwise.
type PipelineConfig struct {
	SettleDelayMs   int  `json:"settleDelayMs"`
	SendDelayMs     int  `json:"sendDelayMs"`
	EchoDelayMs     int  `json:"echoDelayMs"`
	EchoIntervalMs  int  `json:"echoIntervalMs"`
	EchoMaxAttempts int  `json:"echoMaxAttempts"`
	EchoPrefixLen   int  `json:"echoPrefixLen"`
	OptimisticEcho  bool `json:"optimisticEcho"`
	ReplyIntervalMs int  `json:"replyIntervalMs"`
	StableThreshold int  `json:"stableThreshold"`
	ReplyTimeoutSec int  `json:"replyTimeoutSeconds"` // 0 waits forever
	// Pages that cap rendered replies never pass the baseline, so pair
	// requireNewReply with replyTimeoutSeconds.
	RequireNewReply bool `json:"requireNewReply"`
	KeepRunOnStop   bool `json:"keepRunOnStop"`
	Supersede       bool `json:"supersede"` // a new message cancels the in-flight one instead of being rejected
}

type LocatorsConfig struct {
	Site       string `json:"site"` // preset name
	File       string `json:"file"` // YAML overrides, optional
	Watch      bool   `json:"watch"`
	DebounceMs int    `json:"debounceMs"`
}

type CaptureConfig struct {
	Enabled    bool     `json:"enabled"`
	Command    []string `json:"command,omitempty"` // external capture tool writing an image to stdout; empty uses the browser
	MaxWidth   int      `json:"maxWidth"`
	Format     string   `json:"format"` // "png" | "jpeg"
	Quality    int      `json:"quality"`
	TimeoutSec int      `json:"timeoutSeconds"`
}

type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

type ArtifactConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // defaults to <workspace>/reply.txt
}

type ChannelsConfig struct {
	CLI      CLIConfig      `json:"cli"`
	Telegram TelegramConfig `json:"telegram"`
}

type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

type TelegramConfig struct {
	Enabled     bool           `json:"enabled"`
	Token       string         `json:"token"`
	AllowFrom   FlexStringList `json:"allowFrom"`
	NotifyChats FlexStringList `json:"notifyChats,omitempty"`
	ParseMode   string         `json:"parseMode"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Timings converts the pipeline section.
func (p PipelineConfig) Timings() pipeline.Timings {
	return pipeline.Timings{
		SettleDelay:     ms(p.SettleDelayMs),
		SendDelay:       ms(p.SendDelayMs),
		EchoDelay:       ms(p.EchoDelayMs),
		EchoInterval:    ms(p.EchoIntervalMs),
		EchoMaxAttempts: p.EchoMaxAttempts,
		EchoPrefixLen:   p.EchoPrefixLen,
		OptimisticEcho:  p.OptimisticEcho,
		ReplyInterval:   ms(p.ReplyIntervalMs),
		StableThreshold: p.StableThreshold,
		ReplyTimeout:    time.Duration(p.ReplyTimeoutSec) * time.Second,
		RequireNewReply: p.RequireNewReply,
		KeepRunOnStop:   p.KeepRunOnStop,
	}
}

// ArtifactPath returns where finished replies are written.
func (c *Config) ArtifactPath() string {
	if c.Artifact.Path != "" {
		return c.Artifact.Path
	}
	return filepath.Join(c.General.Workspace, "reply.txt")
}

// DefaultConfigDir returns the default config directory (~/.chatrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatrelay"
	}
	return filepath.Join(home, ".chatrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	cfg.ExpandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// ExpandPaths resolves ~ in every path setting.
func (c *Config) ExpandPaths() {
	c.General.Workspace = ExpandPath(c.General.Workspace)
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.Browser.ProfileDir = ExpandPath(c.Browser.ProfileDir)
	c.Locators.File = ExpandPath(c.Locators.File)
	c.History.DBPath = ExpandPath(c.History.DBPath)
	c.Artifact.Path = ExpandPath(c.Artifact.Path)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Sprintf(format, args...))
		}
	}

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	b := cfg.Browser
	check(b.CacheSizeMB >= 0, "browser.cacheSizeMB must be >= 0")
	check(b.ProbeTimeoutMs >= 100, "browser.probeTimeoutMs must be >= 100")
	check(b.StartupTimeoutSec >= 1, "browser.startupTimeoutSeconds must be >= 1")

	p := cfg.Pipeline
	for name, v := range map[string]int{
		"settleDelayMs": p.SettleDelayMs,
		"sendDelayMs":   p.SendDelayMs,
		"echoDelayMs":   p.EchoDelayMs,
	} {
		check(v >= 0, "pipeline.%s must be >= 0", name)
	}
	check(p.EchoIntervalMs >= 50, "pipeline.echoIntervalMs must be >= 50")
	check(p.ReplyIntervalMs >= 50, "pipeline.replyIntervalMs must be >= 50")
	check(p.EchoMaxAttempts >= 1 && p.EchoMaxAttempts <= 1000, "pipeline.echoMaxAttempts must be between 1 and 1000")
	check(p.EchoPrefixLen >= 1, "pipeline.echoPrefixLen must be >= 1")
	check(p.StableThreshold >= 1 && p.StableThreshold <= 100, "pipeline.stableThreshold must be between 1 and 100")
	check(p.ReplyTimeoutSec >= 0, "pipeline.replyTimeoutSeconds must be >= 0")

	check(slices.Contains(locator.PresetNames(), cfg.Locators.Site),
		"locators.site must be one of: %s", strings.Join(locator.PresetNames(), ", "))
	check(cfg.Locators.DebounceMs >= 0, "locators.debounceMs must be >= 0")

	c := cfg.Capture
	switch c.Format {
	case "png", "jpeg":
	default:
		errs = append(errs, "capture.format must be one of: png, jpeg")
	}
	check(c.MaxWidth >= 0, "capture.maxWidth must be >= 0")
	check(c.Quality >= 0 && c.Quality <= 100, "capture.quality must be between 0 and 100")
	check(c.TimeoutSec >= 1, "capture.timeoutSeconds must be >= 1")

	check(!cfg.History.Enabled || cfg.History.DBPath != "", "history.dbPath is required when history is enabled")
	check(!cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "",
		"channels.telegram.token is required when telegram is enabled")
	check(!cfg.Metrics.Enabled || cfg.Metrics.Addr != "", "metrics.addr is required when metrics are enabled")

	if len(errs) > 0 {
		slices.Sort(errs)
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
