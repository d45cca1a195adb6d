// Package app wires the daemon together: config, logging, storage, the
// platform registry, publishers, the scheduling engine, and pprof. It owns
// startup order, config hot-reload fan-out, and bounded shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postpilot/internal/analytics"
	"postpilot/internal/engine/coordinator"
	"postpilot/internal/engine/gateway"
	"postpilot/internal/engine/slots"
	"postpilot/internal/eventbus"
	"postpilot/internal/observability/pprof"
	"postpilot/internal/platform"
	"postpilot/internal/publisher/sim"
	telegram "postpilot/internal/publisher/telegram"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store

	registry *platform.Registry
	an       *analytics.Static
	gw       *gateway.Gateway
	coord    *coordinator.Service
	pprof    *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Map (and thereby validate) the whole config surface before
	// constructing anything that holds resources.
	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	profiles, err := mapPlatformProfiles(cfg)
	if err != nil {
		return nil, err
	}
	perf, err := mapAnalytics(cfg)
	if err != nil {
		return nil, err
	}
	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}

	registry, err := platform.NewRegistry(profiles...)
	if err != nil {
		return nil, err
	}

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	// Publishers: the simulator is always wired; telegram only when
	// configured. With telegram disabled, telegram-bound profiles post
	// through the simulator so scheduling stays observable end to end.
	simPub := sim.New(sim.Config{}, log.With(logx.String("comp", "sim")))
	pubs := map[string]gateway.Publisher{
		"sim":      simPub,
		"telegram": simPub,
	}
	if cfg.Telegram.Enabled {
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		pubs["telegram"] = tg
		log.Info("telegram publishing enabled")
	}

	gw := gateway.New(registry, pubs, gateway.Config{
		QuotaWait: boolOr(cfg.Engine.QuotaWait, true),
	}, log.With(logx.String("comp", "gateway")))

	an := analytics.NewStatic(perf)

	coord := coordinator.New(engCfg, coordinator.Deps{
		Registry:  registry,
		Slots:     slots.NewAllocator(registry),
		Gateway:   gw,
		Analytics: an,
		Store:     store,
	}, log.With(logx.String("comp", "coordinator")), bus)

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		registry: registry,
		an:       an,
		gw:       gw,
		coord:    coord,
		pprof:    pprof.New(pprofCfg, log.With(logx.String("comp", "pprof"))),
	}, nil
}

// Coordinator exposes the scheduling engine for embedding callers.
func (a *App) Coordinator() *coordinator.Service { return a.coord }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
			if _, err := mapEngineConfig(cfg); err != nil {
				return err
			}
			profiles, err := mapPlatformProfiles(cfg)
			if err != nil {
				return err
			}
			// Dry-run registry construction so profile-level invariants
			// (at least one window per platform) reject the reload too.
			if _, err := platform.NewRegistry(profiles...); err != nil {
				return err
			}
			if _, err := mapAnalytics(cfg); err != nil {
				return err
			}
			if cfg.Telegram.Enabled {
				if _, err := mapTelegramConfig(cfg); err != nil {
					return err
				}
			} else if _, err := parseDurationField("telegram.send_timeout", cfg.Telegram.SendTimeout); err != nil {
				return err
			}
			// pprof validation (safe even when disabled)
			if _, err := mapPprofConfig(cfg); err != nil {
				return err
			}
			// storage validation
			if _, _, err := mapStorageConfig(cfg); err != nil {
				return err
			}
			return nil
		})
	}

	a.coord.Start(a.sup.Context())

	if a.pprof != nil && a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Keep this debug-level to avoid noise during drain bursts.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logx.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs, platformsChanged := SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
					if len(platformsChanged) > 0 {
						a.log.Debug("platform profile changes detected", logx.Any("platforms", platformsChanged))
					}
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				// Structural collaborators are built once at startup.
				for _, s := range sections {
					if s == "storage" || s == "telegram" {
						a.log.Warn("config changed; restart required for changes to take effect", logx.String("section", s))
					}
				}

				// apply logging updates
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				// apply platform profile updates (live)
				if profiles, err := mapPlatformProfiles(newCfg); err != nil {
					a.log.Warn("invalid platforms config; keeping previous", logx.Err(err))
				} else if err := a.registry.Apply(profiles); err != nil {
					a.log.Warn("invalid platforms config; keeping previous", logx.Err(err))
				}

				// apply engine updates (live)
				if engCfg, err := mapEngineConfig(newCfg); err != nil {
					a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
				} else {
					a.coord.Apply(engCfg)
				}

				a.gw.Apply(gateway.Config{QuotaWait: boolOr(newCfg.Engine.QuotaWait, true)})

				// apply analytics updates (live)
				if perf, err := mapAnalytics(newCfg); err != nil {
					a.log.Warn("invalid analytics config; keeping previous", logx.Err(err))
				} else {
					a.an.Apply(perf)
				}

				// apply pprof updates (live)
				if a.pprof != nil {
					if ppc, err := mapPprofConfig(newCfg); err != nil {
						a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
					} else {
						a.pprof.Reconfigure(c, ppc)
					}
				}

				// Keep the final log line concise and human-friendly (details are in debug logs).
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Coordinator first: it stops intake, disarms timers, and persists jobs.
	step("coordinator", 5*time.Second, func(c context.Context) error { a.coord.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error {
		if a.pprof != nil {
			a.pprof.Stop(c)
		}
		return nil
	})
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
