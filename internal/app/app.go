// Package app wires the moderation services together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatwarden/internal/api"
	"chatwarden/internal/broadcast"
	"chatwarden/internal/config"
	"chatwarden/internal/eventbus"
	"chatwarden/internal/moderation"
	"chatwarden/internal/platform"
	"chatwarden/internal/platform/telegram"
	"chatwarden/internal/reaper"
	"chatwarden/internal/runtime/supervisor"
	"chatwarden/internal/status"
	"chatwarden/internal/storage"
	"chatwarden/internal/task/scheduler"
	"chatwarden/internal/transport"
	logx "chatwarden/pkg/logx"
)

// Bot is the chat platform as the app uses it: outbound calls plus the
// inbound update stream.
type Bot interface {
	platform.Platform
	transport.Adapter
}

const (
	updateBuffer    = 256
	updateTimeout   = 30 * time.Second
	dispatchTimeout = 10 * time.Minute
	reaperTimeout   = 30 * time.Minute
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	bot  Bot

	openStore func(ctx context.Context) (storage.Store, error)
	store     storage.Store

	reg        *status.Registry
	groups     *moderation.Groups
	tracker    *moderation.Tracker
	clear      *moderation.Orchestrator
	dispatcher *broadcast.Dispatcher
	reaper     *reaper.Reaper
	sched      *scheduler.Service
	api        *api.Server

	updates chan transport.Update
}

// New loads the config at cfgPath and builds the Telegram client. Nothing
// runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Start with the Telegram sink off: the sender only exists after the bot does.
	bootCfg := logConfig(cfg)
	bootCfg.Telegram.Enabled = false
	logs, log := logx.New(bootCfg, nil)

	bot, err := telegram.New(telegramConfig(cfg), log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logs.SetSender(bot)
	applyLogging(logs, cfg)

	return newApp(cfgm, cfg, bot, logs, log), nil
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config, bot Bot, logs *logx.Service, log logx.Logger) *App {
	a := &App{
		cfgm:    cfgm,
		cfg:     cfg,
		log:     log.With(logx.String("comp", "app")),
		logs:    logs,
		bus:     eventbus.New(),
		bot:     bot,
		updates: make(chan transport.Update, updateBuffer),
	}
	a.openStore = func(ctx context.Context) (storage.Store, error) {
		return storage.Open(ctx, storageConfig(cfg), log.With(logx.String("comp", "storage")))
	}
	return a
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start opens the store, restores statuses, then starts polling, the HTTP
// API, the periodic loops and the config watcher. A panic in any of them
// cancels the whole app.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()
	cfg := a.cfg

	store, err := a.openStore(runCtx)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	a.reg = status.NewRegistry(status.WithBus(a.bus))
	a.groups = moderation.NewGroups(store, a.reg, a.bus, a.log)
	n, err := a.groups.Fill(runCtx)
	if err != nil {
		return fmt.Errorf("restore statuses: %w", err)
	}
	a.log.Info("statuses restored", logx.Int("groups", n))

	a.tracker = moderation.NewTracker(a.groups, store, a.bot, a.log)
	a.clear = moderation.NewOrchestrator(
		moderation.NewCleaner(store, a.reg, a.bot, a.log),
		a.reg, a.log,
		moderation.WithWorkers(cfg.Clear.Workers),
		moderation.WithJobLimits(config.DurationOr(cfg.Clear.JobTTL, 0), cfg.Clear.JobMax),
		moderation.WithSupervisor(a.sup),
	)
	a.dispatcher = broadcast.NewDispatcher(store, a.bot, a.bus, dispatcherConfig(cfg), a.log)
	a.reaper = reaper.New(a.groups, a.bot, a.log)

	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone},
		a.log.With(logx.String("comp", "scheduler")), scheduler.WithSupervisor(a.sup))
	if err := a.registerSchedules(); err != nil {
		return err
	}

	if cfg.HTTP.On() {
		a.api = api.New(apiConfig(cfg), api.Deps{
			Groups:   a.groups,
			Clear:    a.clear,
			Registry: a.reg,
			Sender:   a.dispatcher,
			Bus:      a.bus,
		}, a.log)
		if err := a.api.Start(runCtx); err != nil {
			return fmt.Errorf("http api: %w", err)
		}
	}

	if err := a.bot.Start(runCtx, a.updates); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	a.sup.Go("updates.dispatch", a.dispatchUpdates)

	a.sched.Start(runCtx)

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started",
		logx.Bool("http", a.api != nil),
		logx.Bool("dispatcher", cfg.Dispatcher.On()),
		logx.Bool("reaper", cfg.Reaper.On()),
	)
	return nil
}

func (a *App) registerSchedules() error {
	cfg := a.cfg
	if cfg.Dispatcher.On() {
		err := a.sched.AddSchedule("dispatcher", cfg.Dispatcher.Schedule, dispatchTimeout, true, a.dispatcher.Tick)
		if err != nil {
			return err
		}
	}
	if cfg.Reaper.On() {
		err := a.sched.AddSchedule("reaper", cfg.Reaper.Schedule, reaperTimeout, true, func(ctx context.Context) error {
			res, err := a.reaper.Tick(ctx)
			if len(res.Removed) > 0 || res.Errors > 0 {
				a.log.Info("reaper pass", logx.Int("checked", res.Checked), logx.Int64s("removed", res.Removed), logx.Int("errors", res.Errors))
			}
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// dispatchUpdates hands every inbound update to the tracker on its own
// goroutine. The adapter blocks while the channel is full, so a burst slows
// intake down instead of losing updates.
func (a *App) dispatchUpdates(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up := <-a.updates:
			a.sup.Go0("updates.handle", func(c context.Context) {
				hctx, cancel := context.WithTimeout(c, updateTimeout)
				defer cancel()
				if err := a.tracker.Handle(hctx, up); err != nil && !errors.Is(err, context.Canceled) {
					a.log.Warn("update handling failed",
						logx.String("kind", string(up.Kind)),
						logx.Int64("chat_id", up.Chat.ID),
						logx.Err(err),
					)
				}
			})
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so loops start unwinding while the steps below run.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		runStep(ctx, a.log, name, limit, fn)
	}

	step("api", 3*time.Second, func(c context.Context) error {
		if a.api == nil {
			return nil
		}
		return a.api.Stop(c)
	})
	step("scheduler", 3*time.Second, func(c context.Context) error {
		if a.sched == nil {
			return nil
		}
		return a.sched.Stop(c)
	})
	step("adapter", 3*time.Second, a.bot.Stop)
	// Sweeps and update handlers observe the canceled context between calls.
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// runStep bounds one shutdown step so a stuck component cannot stall the
// rest. The caller's deadline is never extended.
func runStep(ctx context.Context, log logx.Logger, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = max(0, rem)
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

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
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
