// Package app wires configuration, logging, connections and the relay into
// a runnable process with hot reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crosspost/internal/config"
	"crosspost/internal/eventbus"
	"crosspost/internal/message"
	"crosspost/internal/relay"
	rtsup "crosspost/internal/runtime/supervisor"
	logx "crosspost/pkg/logx"
)

const defaultStatsInterval = time.Minute

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	relay *relay.Orchestrator

	statsEvery time.Duration
}

// NewApp loads and validates the config file, then builds the app.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return New(cfgm, cfg)
}

// New builds the app from an already validated config. cfgm may be nil, in
// which case hot reload is off.
func New(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is nil")
	}
	rs, err := cfg.Relay.Resolve()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg.Logging))
	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	conns, schedOpts, err := BuildConnections(cfg, log)
	if err != nil {
		return fail(err)
	}
	bus := eventbus.New()
	opts := append(relayOptions(rs), schedOpts...)
	opts = append(opts, relay.WithLogger(log), relay.WithEventBus(bus))
	o, err := relay.New(conns, opts...)
	if err != nil {
		return fail(err)
	}
	for _, c := range conns {
		log.Info("connection",
			logx.String("name", c.Name()),
			logx.String("modes", c.Modes().String()),
			logx.String("caps", c.Capabilities().String()),
		)
	}

	return &App{
		cfgm:       cfgm,
		log:        log.With(logx.String("comp", "app")),
		logs:       logSvc,
		bus:        bus,
		relay:      o,
		statsEvery: defaultStatsInterval,
	}, nil
}

func (a *App) Relay() *relay.Orchestrator { return a.relay }

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

// PostNow publishes msg to every writer immediately.
func (a *App) PostNow(ctx context.Context, msg message.Message) (relay.Report, error) {
	return a.relay.PostNow(ctx, msg)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if err := a.relay.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}

	events, unsub := a.bus.Subscribe(256, "relay.")
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
				a.logEvent(e)
			}
		}
	})

	if a.statsEvery > 0 {
		a.sup.Go0("stats.report", func(c context.Context) {
			t := time.NewTicker(a.statsEvery)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-t.C:
					st := a.relay.Snapshot()
					a.log.Info("stats",
						logx.Uint64("accepted", st.Accepted),
						logx.Uint64("delivered", st.Delivered),
						logx.Uint64("filtered", st.Filtered),
						logx.Uint64("skipped", st.Skipped),
						logx.Uint64("failed", st.Failed),
						logx.Uint64("rate_limited", st.RateLimited),
						logx.Uint64("read_errors", st.ReadErrors),
						logx.Int("queued", st.Queued),
						logx.Int("pending", st.Pending),
						logx.Int("budget_used", st.BudgetUsed),
						logx.Uint64("events_dropped", a.bus.Dropped()),
					)
				}
			}
		})
	}

	if a.cfgm != nil && a.cfgm.Path() != "" {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
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
				drain:
					for {
						select {
						case newer := <-sub:
							if newer != nil {
								newCfg = newer
							}
						default:
							break drain
						}
					}
					a.applyConfig(lastApplied, newCfg)
					lastApplied = newCfg
				}
			}
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started")
	return nil
}

// applyConfig applies the live-reloadable parts of newCfg: logging and the
// relay tunables. Connection changes only take effect after a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	if newCfg == nil {
		return
	}
	ch := config.Summarize(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)...)

	a.logs.Apply(logConfig(newCfg.Logging))

	if rs, err := newCfg.Relay.Resolve(); err != nil {
		a.log.Warn("invalid relay config; keeping previous", logx.Err(err))
	} else {
		a.relay.Apply(tunables(rs))
	}

	if len(ch.Connections) > 0 {
		a.log.Warn("connections changed; restart required for changes to take effect",
			logx.Strs("connections", ch.Connections))
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)...)
}

func (a *App) logEvent(e eventbus.Event) {
	ev, ok := e.Data.(relay.MessageEvent)
	if !ok {
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		return
	}
	fields := []logx.Field{
		logx.String("type", e.Type),
		logx.String("message_id", ev.MessageID),
		logx.String("origin", ev.OriginName),
		logx.String("target", ev.TargetName),
	}
	if ev.Reason != "" {
		fields = append(fields, logx.String("reason", ev.Reason))
	}
	if ev.Attempts > 0 {
		fields = append(fields, logx.Int("attempts", ev.Attempts))
	}
	if ev.ExternalID != "" {
		fields = append(fields, logx.String("external_id", ev.ExternalID))
	}
	switch e.Type {
	case relay.EventFailed:
		a.log.Warn("delivery failed", append(fields, logx.String("err", ev.Error))...)
	case relay.EventDelivered:
		a.log.Info("delivered", fields...)
	default:
		a.log.Debug("relay event", fields...)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// Never started: only release the relay's connections and the log sinks.
		err := a.relay.Stop(ctx)
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop the relay first so in-flight deliveries settle before background loops unwind.
	a.step(ctx, "relay", 10*time.Second, a.relay.Stop)
	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	st := a.relay.Snapshot()
	a.log.Info("stopped",
		logx.Uint64("delivered", st.Delivered),
		logx.Uint64("failed", st.Failed),
		logx.Uint64("dropped", st.Dropped),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs a shutdown step with an upper bound so one component can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		var cancel context.CancelFunc
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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
