// Package app wires configuration, storage, the messaging adapter, and the
// queue orchestrator into a running process.
package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"challengebot/internal/adapters/slack"
	"challengebot/internal/config"
	"challengebot/internal/problems"
	"challengebot/internal/queue"
	"challengebot/internal/schedule"
	"challengebot/internal/store"
	"challengebot/pkg/logx"
	"challengebot/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	st  store.Store
	svc *queue.Service

	jobs   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
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
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", cfg.Storage.Driver))

	msg, err := slack.New(slack.Config{
		Token:      cfg.Slack.Token,
		Channel:    cfg.Slack.Channel,
		RatePerSec: cfg.Slack.RatePerSec,
	}, log.With(logx.String("comp", "slack")))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	probTimeout, err := config.ParseDurationField("problems.timeout", cfg.Problems.Timeout)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	probs := problems.New(problems.Config{
		BaseURL:    cfg.Problems.BaseURL,
		MaxID:      cfg.Problems.MaxID,
		MaxRetries: cfg.Problems.MaxRetries,
		Timeout:    probTimeout,
	}, log.With(logx.String("comp", "problems")))

	weekday := cfg.Queue.CadenceWeekday
	hour := cfg.Queue.CadenceHour
	if weekday == 0 && hour == 0 {
		// Unset cadence falls back to Tuesday 09:00.
		weekday, hour = 2, 9
	}
	cad, err := schedule.New(schedule.Config{
		Timezone: cfg.Queue.Timezone,
		Weekday:  weekday,
		Hour:     hour,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	svc := queue.New(st, cad, msg, probs,
		queue.Options{AdminOnly: cfg.Queue.AdminOnly},
		log.With(logx.String("comp", "queue")))

	return &App{
		cfgm: cfgm,
		logs: logSvc,
		log:  log,
		st:   st,
		svc:  svc,
	}, nil
}

func (a *App) Queue() *queue.Service { return a.svc }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	cfg := a.cfgm.Get()

	// Startup reconciliation repairs drift from a crash between an external
	// reservation call and the local write-back. A down messaging API must
	// not prevent startup.
	if rep, err := a.svc.Reconcile(runCtx); err != nil {
		a.log.Warn("startup reconciliation failed", logx.Err(err))
	} else if rep.Recovered > 0 || rep.Cancelled > 0 {
		a.log.Info("startup reconciliation done",
			logx.Int("recovered", rep.Recovered), logx.Int("cancelled", rep.Cancelled))
	}

	reconcileEvery, err := config.ParseDurationOrDefault(
		"queue.reconcile_every", cfg.Queue.ReconcileEvery, time.Hour)
	if err != nil {
		return err
	}
	if reconcileEvery > 0 {
		a.jobs = cron.New()
		_, err := a.jobs.AddFunc("@every "+reconcileEvery.String(), func() {
			jobCtx, cancel := context.WithTimeout(runCtx, 2*time.Minute)
			defer cancel()
			rep, err := a.svc.Reconcile(jobCtx)
			if err != nil {
				a.log.Warn("periodic reconciliation failed", logx.Err(err))
				return
			}
			if rep.Recovered > 0 || rep.Cancelled > 0 {
				a.log.Info("periodic reconciliation done",
					logx.Int("recovered", rep.Recovered), logx.Int("cancelled", rep.Cancelled))
			}
		})
		if err != nil {
			return err
		}
		a.jobs.Start()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()

	sub := a.cfgm.Subscribe(4)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.applyReloads(runCtx, sub)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		systemd.WatchdogLoop(runCtx)
	}()

	systemd.NotifyReady()
	a.log.Info("bot started")
	return nil
}

// applyReloads consumes config updates from the watcher. Logging changes
// take effect live; storage, slack, and cadence changes need a restart.
func (a *App) applyReloads(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if last != nil && restartRequired(last, cfg) {
				a.log.Warn("storage/slack/queue config changed; restart required to take effect")
			}
			last = cfg
			a.log.Info("config reloaded")
		}
	}
}

func restartRequired(prev, next *config.Config) bool {
	return prev.Storage != next.Storage ||
		prev.Slack != next.Slack ||
		prev.Queue != next.Queue ||
		!strings.EqualFold(prev.Problems.BaseURL, next.Problems.BaseURL)
}

func (a *App) Stop(ctx context.Context) error {
	systemd.NotifyStopping()
	a.log.Info("stopping")

	if a.jobs != nil {
		stopped := a.jobs.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
	}
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown deadline reached before workers finished")
	}

	err := a.st.Close()
	a.log.Info("stopped")
	a.logs.Close()
	return err
}
