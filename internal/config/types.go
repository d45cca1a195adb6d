package config

// Config is the daemon's full configuration surface. YAML and JSON are
// both accepted; durations are Go duration strings ("30s", "1h30m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Engine tunes the scheduling coordinator.
	Engine EngineConfig `json:"engine"`

	// Platforms overrides or extends the built-in platform profiles,
	// keyed by platform id. Omitted platforms keep their defaults.
	Platforms map[string]PlatformConfig `json:"platforms,omitempty"`

	// Telegram configures the real telegram publisher. Disabled means
	// telegram-bound jobs go through the simulated publisher.
	Telegram TelegramConfig `json:"telegram,omitempty"`

	// Storage is the optional persistence layer. Nil or driver "none"
	// runs fully in-memory.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Analytics feeds the static per-platform performance summaries used
	// for priority boosting, keyed by platform id.
	Analytics map[string]AnalyticsConfig `json:"analytics,omitempty"`

	Pprof PprofConfig `json:"pprof,omitempty"`
}

// EngineConfig tunes the coordinator.
//
// Defaults (when fields are omitted/zero):
//   - max_retry_attempts: 3
//   - retry_delay: "30s" (linear backoff: delay × attempt number)
//   - retry_sweep_interval: "10s"
//   - cleanup_interval: "1h"
//   - lookahead_days: 7
//   - enable_analytics: true
//   - quota_wait: true (block for the window boundary, retry once)
//   - timezone: "UTC"
//
// EnableAnalytics and QuotaWait are pointers to distinguish "omitted"
// from an explicit false.
type EngineConfig struct {
	MaxRetryAttempts   int    `json:"max_retry_attempts,omitempty"`
	RetryDelay         string `json:"retry_delay,omitempty"`
	RetrySweepInterval string `json:"retry_sweep_interval,omitempty"`
	CleanupInterval    string `json:"cleanup_interval,omitempty"`
	LookaheadDays      int    `json:"lookahead_days,omitempty"`
	EnableAnalytics    *bool  `json:"enable_analytics,omitempty"`
	QuotaWait          *bool  `json:"quota_wait,omitempty"`
	Timezone           string `json:"timezone,omitempty"`
}

// PlatformConfig describes one platform's posting profile.
//
// Example:
//
//	"tiktok": {
//	  "windows": ["16:00-19:00"],
//	  "min_gap": "60m",
//	  "quota_limit": 20,
//	  "rate_per_sec": 1,
//	  "publisher": "sim"
//	}
type PlatformConfig struct {
	// Windows are optimal posting windows, "HH:00-HH:00", hour granular.
	Windows []string `json:"windows,omitempty"`
	// MinGap is the minimum spacing between posts; slot length.
	MinGap string `json:"min_gap,omitempty"`
	// QuotaLimit is publishes per wall-clock hour.
	QuotaLimit int `json:"quota_limit,omitempty"`
	// RatePerSec paces outbound requests to the platform.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	// Publisher names the transport implementation ("telegram", "sim").
	Publisher string `json:"publisher,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

// TelegramConfig configures the telegram publisher.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	// ChatID is the channel or chat posts are delivered to.
	ChatID int64 `json:"chat_id,omitempty"`
	// SendTimeout bounds each Bot API call (default "30s").
	SendTimeout string `json:"send_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./postpilot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// AnalyticsConfig is one platform's static performance summary.
type AnalyticsConfig struct {
	AvgEngagement float64 `json:"avg_engagement"`
	BestHour      int     `json:"best_hour,omitempty"`
	BestDay       int     `json:"best_day,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
