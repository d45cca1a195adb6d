package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"postpilot/internal/analytics"
	"postpilot/internal/config"
	"postpilot/internal/engine/coordinator"
	"postpilot/internal/observability/pprof"
	"postpilot/internal/platform"
	telegram "postpilot/internal/publisher/telegram"
)

func mapEngineConfig(cfg *config.Config) (coordinator.Config, error) {
	if cfg == nil {
		return coordinator.Config{}, nil
	}
	ec := cfg.Engine
	if ec.MaxRetryAttempts < 0 {
		return coordinator.Config{}, fmt.Errorf("engine.max_retry_attempts must be >= 0")
	}
	if ec.LookaheadDays < 0 {
		return coordinator.Config{}, fmt.Errorf("engine.lookahead_days must be >= 0")
	}
	retryDelay, err := parseDurationField("engine.retry_delay", ec.RetryDelay)
	if err != nil {
		return coordinator.Config{}, err
	}
	sweep, err := parseDurationField("engine.retry_sweep_interval", ec.RetrySweepInterval)
	if err != nil {
		return coordinator.Config{}, err
	}
	cleanup, err := parseDurationField("engine.cleanup_interval", ec.CleanupInterval)
	if err != nil {
		return coordinator.Config{}, err
	}
	if tz := strings.TrimSpace(ec.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return coordinator.Config{}, fmt.Errorf("engine.timezone: invalid %q: %w", tz, err)
		}
	}
	return coordinator.Config{
		MaxRetryAttempts: ec.MaxRetryAttempts,
		RetryDelay:       retryDelay,
		SweepInterval:    sweep,
		CleanupInterval:  cleanup,
		LookaheadDays:    ec.LookaheadDays,
		EnableAnalytics:  boolOr(ec.EnableAnalytics, true),
		Timezone:         ec.Timezone,
	}, nil
}

// mapPlatformProfiles merges config overrides into the built-in profile set.
// Overrides are per field: an omitted field keeps the built-in (or registry
// default) value, so a config entry can raise one quota without restating
// the whole profile. Unknown names add new platforms.
func mapPlatformProfiles(cfg *config.Config) ([]platform.Profile, error) {
	base := platform.Defaults()
	if cfg == nil || len(cfg.Platforms) == 0 {
		return base, nil
	}
	byID := make(map[platform.ID]int, len(base))
	for i, p := range base {
		byID[p.ID] = i
	}

	names := make([]string, 0, len(cfg.Platforms))
	for name := range cfg.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := cfg.Platforms[name]
		id := platform.ID(strings.ToLower(strings.TrimSpace(name)))
		if id == "" {
			return nil, fmt.Errorf("platforms: empty platform name")
		}

		var prof platform.Profile
		if i, ok := byID[id]; ok {
			prof = base[i]
		} else {
			prof = platform.Profile{ID: id}
		}

		if len(pc.Windows) > 0 {
			ws := make([]platform.Window, 0, len(pc.Windows))
			for _, raw := range pc.Windows {
				w, err := platform.ParseWindow(raw)
				if err != nil {
					return nil, fmt.Errorf("platforms.%s.windows: %w", name, err)
				}
				ws = append(ws, w)
			}
			prof.Windows = ws
		}
		if strings.TrimSpace(pc.MinGap) != "" {
			gap, err := parseDurationField("platforms."+name+".min_gap", pc.MinGap)
			if err != nil {
				return nil, err
			}
			prof.MinGap = gap
		}
		if pc.QuotaLimit != 0 {
			if pc.QuotaLimit < 0 {
				return nil, fmt.Errorf("platforms.%s.quota_limit must be >= 0", name)
			}
			prof.QuotaLimit = pc.QuotaLimit
		}
		if pc.RatePerSec != 0 {
			if pc.RatePerSec < 0 {
				return nil, fmt.Errorf("platforms.%s.rate_per_sec must be >= 0", name)
			}
			prof.RatePerSec = pc.RatePerSec
		}
		if p := strings.TrimSpace(pc.Publisher); p != "" {
			prof.Publisher = p
		}
		if tz := strings.TrimSpace(pc.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return nil, fmt.Errorf("platforms.%s.timezone: invalid %q: %w", name, tz, err)
			}
			prof.Timezone = tz
		}

		if i, ok := byID[id]; ok {
			base[i] = prof
		} else {
			byID[id] = len(base)
			base = append(base, prof)
		}
	}
	return base, nil
}

func mapAnalytics(cfg *config.Config) (map[platform.ID]analytics.Performance, error) {
	if cfg == nil || len(cfg.Analytics) == 0 {
		return nil, nil
	}
	out := make(map[platform.ID]analytics.Performance, len(cfg.Analytics))
	for name, ac := range cfg.Analytics {
		id := platform.ID(strings.ToLower(strings.TrimSpace(name)))
		if id == "" {
			return nil, fmt.Errorf("analytics: empty platform name")
		}
		if ac.AvgEngagement < 0 {
			return nil, fmt.Errorf("analytics.%s.avg_engagement must be >= 0", name)
		}
		if ac.BestHour < 0 || ac.BestHour > 23 {
			return nil, fmt.Errorf("analytics.%s.best_hour must be in [0,23]", name)
		}
		if ac.BestDay < 0 || ac.BestDay > 6 {
			return nil, fmt.Errorf("analytics.%s.best_day must be in [0,6]", name)
		}
		out[id] = analytics.Performance{
			AvgEngagement: ac.AvgEngagement,
			BestHour:      ac.BestHour,
			BestDay:       ac.BestDay,
		}
	}
	return out, nil
}

// mapTelegramConfig is only consulted when telegram.enabled is true.
func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Telegram
	if strings.TrimSpace(tc.Token) == "" {
		return telegram.Config{}, fmt.Errorf("telegram.token is required when telegram.enabled=true")
	}
	if tc.ChatID == 0 {
		return telegram.Config{}, fmt.Errorf("telegram.chat_id is required when telegram.enabled=true")
	}
	timeout, err := parseDurationOrDefault("telegram.send_timeout", tc.SendTimeout, 30*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       tc.Token,
		ChatID:      tc.ChatID,
		SendTimeout: timeout,
	}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	pc := cfg.Pprof
	readTimeout, err := parseDurationField("pprof.read_timeout", pc.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	writeTimeout, err := parseDurationField("pprof.write_timeout", pc.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idleTimeout, err := parseDurationField("pprof.idle_timeout", pc.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:       pc.Enabled,
		Addr:          pc.Addr,
		Prefix:        pc.Prefix,
		Token:         pc.Token,
		AllowInsecure: pc.AllowInsecure,
		ReadTimeout:   readTimeout,
		WriteTimeout:  writeTimeout,
		IdleTimeout:   idleTimeout,
	}, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
