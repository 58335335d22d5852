package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatrelay/internal/pipeline"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.General.LogLevel = "loud" }, "general.logLevel"},
		{"stable threshold", func(c *Config) { c.Pipeline.StableThreshold = 0 }, "pipeline.stableThreshold"},
		{"echo attempts", func(c *Config) { c.Pipeline.EchoMaxAttempts = 0 }, "pipeline.echoMaxAttempts"},
		{"negative delay", func(c *Config) { c.Pipeline.SendDelayMs = -1 }, "pipeline.sendDelayMs"},
		{"poll interval", func(c *Config) { c.Pipeline.ReplyIntervalMs = 10 }, "pipeline.replyIntervalMs"},
		{"reply timeout", func(c *Config) { c.Pipeline.ReplyTimeoutSec = -5 }, "pipeline.replyTimeoutSeconds"},
		{"site", func(c *Config) { c.Locators.Site = "nowhere" }, "locators.site"},
		{"capture format", func(c *Config) { c.Capture.Format = "gif" }, "capture.format"},
		{"capture quality", func(c *Config) { c.Capture.Quality = 101 }, "capture.quality"},
		{"probe timeout", func(c *Config) { c.Browser.ProbeTimeoutMs = 0 }, "browser.probeTimeoutMs"},
		{"telegram token", func(c *Config) { c.Channels.Telegram.Enabled = true }, "channels.telegram.token"},
		{"history path", func(c *Config) { c.History.DBPath = "" }, "history.dbPath"},
		{"metrics addr", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Addr = ""
		}, "metrics.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "loud"
	cfg.Capture.Format = "gif"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "general.logLevel") || !strings.Contains(err.Error(), "capture.format") {
		t.Fatalf("expected both problems, got: %v", err)
	}
}

func TestValidate_EveryPresetIsAccepted(t *testing.T) {
	for _, site := range []string{"doubao", "chatgpt", "gemini"} {
		cfg := Defaults()
		cfg.Locators.Site = site
		if err := Validate(cfg); err != nil {
			t.Errorf("site %q: %v", site, err)
		}
	}
}

// --- Pipeline timings ---

func TestDefaults_MatchPipelineTimings(t *testing.T) {
	got := Defaults().Pipeline.Timings()
	if got != pipeline.DefaultTimings() {
		t.Fatalf("timings = %+v, want %+v", got, pipeline.DefaultTimings())
	}
}

func TestTimings_Conversion(t *testing.T) {
	p := Defaults().Pipeline
	p.ReplyTimeoutSec = 90
	p.EchoIntervalMs = 250
	tm := p.Timings()
	if tm.ReplyTimeout != 90*time.Second || tm.EchoInterval != 250*time.Millisecond {
		t.Fatalf("timings = %+v", tm)
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.Locators.Site = "chatgpt"
	original.Pipeline.Supersede = true

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Locators.Site != "chatgpt" || !loaded.Pipeline.Supersede {
		t.Fatalf("loaded = %+v", loaded.Locators)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"pipeline": {"stableThreshold": 5}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.StableThreshold != 5 {
		t.Errorf("stableThreshold = %d", cfg.Pipeline.StableThreshold)
	}
	if !cfg.Pipeline.OptimisticEcho {
		t.Error("boolean defaults lost")
	}
	if cfg.Pipeline.RequireNewReply || cfg.Pipeline.KeepRunOnStop {
		t.Error("requireNewReply and keepRunOnStop must default to off")
	}
	if strings.HasPrefix(cfg.History.DBPath, "~") {
		t.Errorf("path not expanded: %s", cfg.History.DBPath)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{"pipeline": {"stableThreshold": 0}}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(cfgFile); err == nil {
		t.Fatal("expected validation error for stableThreshold=0")
	}
}

func TestArtifactPath(t *testing.T) {
	cfg := Defaults()
	cfg.General.Workspace = "/tmp/ws"
	if got := cfg.ArtifactPath(); got != filepath.Join("/tmp/ws", "reply.txt") {
		t.Errorf("default artifact path = %s", got)
	}
	cfg.Artifact.Path = "/var/out.txt"
	if got := cfg.ArtifactPath(); got != "/var/out.txt" {
		t.Errorf("explicit artifact path = %s", got)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()
	val, err := GetByPath(cfg, "locators.site")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "doubao" {
		t.Fatalf("expected 'doubao', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	if _, err := GetByPath(Defaults(), "nonexistent.path"); err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "locators.site", "gemini"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Locators.Site != "gemini" {
		t.Fatalf("expected 'gemini', got %q", cfg.Locators.Site)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "pipeline.optimisticEcho", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Pipeline.OptimisticEcho {
		t.Fatal("expected pipeline.optimisticEcho=false")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "pipeline.replyTimeoutSeconds", "120"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Pipeline.ReplyTimeoutSec != 120 {
		t.Fatalf("expected 120, got %d", cfg.Pipeline.ReplyTimeoutSec)
	}
}

func TestSetByPath_RejectsUnknownPath(t *testing.T) {
	cfg := Defaults()
	for _, path := range []string{"providers.openai.apiKey", "pipeline", "pipeline.stableThreshold.x"} {
		if err := SetByPath(cfg, path, "1"); err == nil {
			t.Errorf("SetByPath(%q) should fail", path)
		}
	}
}

func TestSetByPath_RejectsWrongKind(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "pipeline.stableThreshold", "three"); err == nil {
		t.Error("non-integer accepted for an int path")
	}
	if err := SetByPath(cfg, "metrics.enabled", "maybe"); err == nil {
		t.Error("non-bool accepted for a bool path")
	}
	if cfg.Pipeline.StableThreshold != 3 {
		t.Errorf("stableThreshold changed to %d", cfg.Pipeline.StableThreshold)
	}
}

func TestSetByPath_StringAndListValues(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "channels.telegram.token", "123456"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	if cfg.Channels.Telegram.Token != "123456" {
		t.Errorf("numeric-looking token = %q, want it kept as text", cfg.Channels.Telegram.Token)
	}
	if err := SetByPath(cfg, "channels.telegram.allowFrom", "111, 222,"); err != nil {
		t.Fatalf("set allowFrom: %v", err)
	}
	if got := cfg.Channels.Telegram.AllowFrom; len(got) != 2 || got[0] != "111" || got[1] != "222" {
		t.Errorf("allowFrom = %v", got)
	}
	if err := SetByPath(cfg, "capture.command", "grim,-"); err != nil {
		t.Fatalf("set capture.command: %v", err)
	}
	if got := cfg.Capture.Command; len(got) != 2 || got[0] != "grim" {
		t.Errorf("capture.command = %v", got)
	}
}

func TestGetByPath_Section(t *testing.T) {
	val, err := GetByPath(Defaults(), "pipeline")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	section, ok := val.(map[string]any)
	if !ok || section["stableThreshold"] != 3 {
		t.Errorf("pipeline section = %v", val)
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Telegram.Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"

	sanitized := Sanitize(cfg)
	if sanitized.Channels.Telegram.Token == cfg.Channels.Telegram.Token {
		t.Fatal("telegram token should be masked")
	}
	if cfg.Channels.Telegram.Token != "123456789:ABCdefGHIjklMNOpqrSTUvwxyz" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_KeepsEnvReference(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Telegram.Token = "${TELEGRAM_BOT_TOKEN}"
	cfg.Channels.Telegram.AllowFrom = FlexStringList{"111"}
	sanitized := Sanitize(cfg)
	if got := sanitized.Channels.Telegram.Token; got != "${TELEGRAM_BOT_TOKEN}" {
		t.Errorf("env reference masked: %q", got)
	}
	sanitized.Channels.Telegram.AllowFrom[0] = "999"
	if cfg.Channels.Telegram.AllowFrom[0] != "111" {
		t.Error("sanitized copy shares the allowFrom list")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Telegram.Token = "short"
	if got := Sanitize(cfg).Channels.Telegram.Token; got != "***" {
		t.Fatalf("short secret should be '***', got %q", got)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	for _, expected := range []string{"general.workspace", "pipeline.stableThreshold", "locators.site", "channels.telegram.enabled", "capture.command", "channels.telegram.notifyChats"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- FlexStringList ---

func TestFlexStringList_MixedTypes(t *testing.T) {
	input := `["hello", 123, "world", 456.0]`
	var list FlexStringList
	if err := json.Unmarshal([]byte(input), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 items, got %d", len(list))
	}
	if list[0] != "hello" || list[2] != "world" {
		t.Fatal("string items mismatch")
	}
	if list[1] != "123" || list[3] != "456" {
		t.Fatalf("number conversion mismatch: %v", list)
	}
}

func TestFlexStringList_PureStrings(t *testing.T) {
	input := `["a", "b", "c"]`
	var list FlexStringList
	if err := json.Unmarshal([]byte(input), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 3 || list[0] != "a" {
		t.Fatalf("unexpected: %v", list)
	}
}

func TestFlexStringList_InvalidJSON(t *testing.T) {
	var list FlexStringList
	err := json.Unmarshal([]byte(`not json`), &list)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	result := ExpandEnvVars(`{"apiKey": "${TEST_API_KEY}"}`)
	expected := `{"apiKey": "sk-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	// Ensure the var is unset
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("MY_PORT", "9090")
	result := ExpandEnvVars(`{"port": "${MY_PORT:-8080}"}`)
	expected := `{"port": "9090"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_MultipleVars(t *testing.T) {
	t.Setenv("HOST", "localhost")
	t.Setenv("PORT", "3000")
	result := ExpandEnvVars(`"${HOST}:${PORT}"`)
	expected := `"localhost:3000"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_NoVarsInInput(t *testing.T) {
	input := `{"key": "value", "number": 42}`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change, got %q", result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_CHATRELAY_WORKSPACE", "/tmp/test-workspace")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"general": {
			"workspace": "${TEST_CHATRELAY_WORKSPACE}",
			"logLevel": "${TEST_CHATRELAY_LEVEL:-debug}"
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.Workspace != "/tmp/test-workspace" {
		t.Fatalf("expected workspace '/tmp/test-workspace', got %q", cfg.General.Workspace)
	}
	if cfg.General.LogLevel != "debug" {
		t.Fatalf("expected default log level 'debug', got %q", cfg.General.LogLevel)
	}
}
