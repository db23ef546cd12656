// Package app assembles the daemon: config, logging, storage, transport,
// scheduler, the reminder core, and the notification pipeline.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dosewatch/internal/bot"
	"dosewatch/internal/config"
	"dosewatch/internal/eventbus"
	"dosewatch/internal/notify"
	"dosewatch/internal/reconcile"
	"dosewatch/internal/reminder"
	rtsup "dosewatch/internal/runtime/supervisor"
	"dosewatch/internal/scheduler"
	"dosewatch/internal/storage"
	"dosewatch/internal/transport/telegram"
	"dosewatch/pkg/logx"
)

const (
	tickJobID  = "reminder.tick"
	resetJobID = "reminder.daily_reset"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	sched   *scheduler.Service
	notif   *notify.Service
	rem     *reminder.Service
	router  *bot.Router
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		AdminChatID: cfg.Telegram.AdminChatID,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), ad)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	policy, err := mapReminderPolicy(cfg)
	if err != nil {
		return nil, err
	}
	remSvc := reminder.New(store, bus, log.With(logx.String("comp", "reminder")), policy)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc := scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notify.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus)

	router := bot.NewRouter(log.With(logx.String("comp", "bot")), ad, bot.Services{Reminder: remSvc})

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		sched:   schedSvc,
		notif:   notifSvc,
		rem:     remSvc,
		router:  router,
	}, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.router.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	if err := a.registerJobs(); err != nil {
		return err
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	// reminder events -> notification pipeline
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("events.notify", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.forwardEvent(c, e)
			}
		}
	})

	// publish the command menu; purely cosmetic, failure is logged and ignored
	a.sup.Go0("menu.update", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.adapter.UpdateMenuCommands(mctx, a.router.Commands()); err != nil {
			a.log.Debug("menu update failed", logx.Err(err))
		}
	})

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts, keep only the latest
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
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) registerJobs() error {
	cfg := a.cfgm.Get()

	tick, err := config.ParseDurationOrDefault("reminder.tick_interval", cfg.Reminder.TickInterval, time.Minute)
	if err != nil {
		return err
	}
	err = a.sched.AddInterval(tickJobID, "minute reconciliation", tick, 50*time.Second, scheduler.TaskOptions{}, func(c context.Context) error {
		_, err := a.rem.RunMinuteTick(c, time.Now())
		return err
	})
	if err != nil {
		return err
	}

	resetAt := strings.TrimSpace(cfg.Reminder.DailyResetAt)
	if resetAt == "" {
		resetAt = "00:00"
	}
	return a.sched.AddDaily(resetJobID, "daily slot reset", resetAt, 2*time.Minute, scheduler.TaskOptions{}, func(c context.Context) error {
		_, err := a.rem.RunDailyReset(c, time.Now())
		return err
	})
}

func (a *App) forwardEvent(ctx context.Context, e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeReminderDue:
		due, ok := e.Data.(reconcile.DueEvent)
		if !ok {
			return
		}
		n, ok := bot.DueNotification(due)
		if !ok {
			return
		}
		if err := a.notif.Notify(ctx, n); err != nil {
			a.log.Warn("due reminder not queued", logx.String("med", due.MedicationID), logx.Err(err))
		}
	case eventbus.TypeReminderMissed:
		me, ok := e.Data.(reminder.MissedEvent)
		if !ok {
			return
		}
		n, ok := bot.MissedNotification(me.OwnerID, me.Name, me.Dosage, me.TimeOfDay, me.ForDate)
		if !ok {
			return
		}
		if err := a.notif.Notify(ctx, n); err != nil {
			a.log.Warn("missed alert not queued", logx.String("med", me.MedicationID), logx.Err(err))
		}
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}

	a.logs.Apply(mapLoggingConfig(cfg))

	if policy, err := mapReminderPolicy(cfg); err != nil {
		a.log.Warn("invalid reminder config; keeping previous", logx.Err(err))
	} else {
		a.rem.Apply(policy)
	}

	prevSched := a.sched.Enabled()
	if schedCfg, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(schedCfg)
		if prevSched && !schedCfg.Enabled {
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		} else if !prevSched && schedCfg.Enabled {
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	prevNotif := a.notif.Enabled()
	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		if prevNotif && !ncfg.Enabled {
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prevNotif && ncfg.Enabled {
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// Bound each shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("router", 2*time.Second, func(c context.Context) error { a.router.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
