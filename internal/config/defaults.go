package config

import (
	"chatrelay/internal/browser"
	"chatrelay/internal/locator"
	"chatrelay/internal/pipeline"
)

func Defaults() *Config {
	t := pipeline.DefaultTimings()
	return &Config{
		General: GeneralConfig{
			Workspace: "~/.chatrelay/workspace",
			LogLevel:  "info",
		},
		Browser: BrowserConfig{
			ProfileDir:        "~/.chatrelay/chrome-profile",
			CacheSizeMB:       browser.DefaultCacheSizeMB,
			Headless:          false,
			ProbeTimeoutMs:    10000,
			WaitStable:        true,
			StartupTimeoutSec: 60,
		},
		Pipeline: PipelineConfig{
			SettleDelayMs:   int(t.SettleDelay.Milliseconds()),
			SendDelayMs:     int(t.SendDelay.Milliseconds()),
			EchoDelayMs:     int(t.EchoDelay.Milliseconds()),
			EchoIntervalMs:  int(t.EchoInterval.Milliseconds()),
			EchoMaxAttempts: t.EchoMaxAttempts,
			EchoPrefixLen:   t.EchoPrefixLen,
			OptimisticEcho:  t.OptimisticEcho,
			ReplyIntervalMs: int(t.ReplyInterval.Milliseconds()),
			StableThreshold: t.StableThreshold,
			RequireNewReply: t.RequireNewReply,
			KeepRunOnStop:   t.KeepRunOnStop,
		},
		Locators: LocatorsConfig{
			Site:       locator.DefaultSite,
			File:       "~/.chatrelay/locators.yaml",
			Watch:      true,
			DebounceMs: 300,
		},
		Capture: CaptureConfig{
			Enabled:    true,
			MaxWidth:   1600,
			Format:     "png",
			Quality:    85,
			TimeoutSec: 10,
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  "~/.chatrelay/history.db",
		},
		Artifact: ArtifactConfig{
			Enabled: true,
		},
		Channels: ChannelsConfig{
			CLI: CLIConfig{Enabled: true},
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}
