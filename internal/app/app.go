// Package app composes the bot: config, logging, storage, the feed
// monitor, the command router, and the cron scheduler that drives poll
// cycles and automatic backups.
package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	telegram "ixbot/internal/adapters/telegram"
	"ixbot/internal/backup"
	"ixbot/internal/config"
	"ixbot/internal/feed"
	"ixbot/internal/monitor"
	"ixbot/internal/ratelimit"
	"ixbot/internal/store"
	"ixbot/internal/subscription"
	kit "ixbot/internal/transport"
	"ixbot/pkg/logx"
)

const (
	backupCronSpec     = "0 3 * * *"
	healthItv          = 30 * time.Second
	shutdownCycleGrace = 10 * time.Second
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	store   store.Store
	adapter kit.Adapter
	fetcher *feed.Fetcher
	mon     *monitor.Monitor
	subs    *subscription.Manager
	limiter *ratelimit.Limiter
	backups *backup.Engine

	cron *cron.Cron

	// pollEntry and pollInterval let a config reload reschedule the poll
	// job without a restart.
	pollMu       sync.Mutex
	pollEntry    cron.EntryID
	pollInterval time.Duration
	pollCtx      context.Context

	updates chan kit.Update

	// restoreMode remembers an admin's pending /restore choice until they
	// upload the backup document.
	restoreMu   sync.Mutex
	restoreMode map[int64]backup.Mode

	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewApp(cfgPath string) (*App, error) {
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
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logSvc.Logger().With(logx.String("comp", "config")))

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.TelegramPollTimeout(),
	}, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	// The Telegram log sink sends through the same adapter.
	logSvc.SetTelegramSender(func(ctx context.Context, chatID int64, text string) error {
		_, err := ad.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil)
		return err
	})

	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.StorageBusyTimeout(),
	}, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	fetcher := feed.NewFetcher(feed.Config{
		URL:          cfg.Feed.URL,
		MaxEventAge:  cfg.MaxEventAge(),
		FetchTimeout: cfg.FetchTimeout(),
	}, logSvc.Logger().With(logx.String("comp", "feed")))

	subs := subscription.NewManager(st, logSvc.Logger().With(logx.String("comp", "subs")))
	limiter := ratelimit.New(st, cfg.CommandsPerMinute(), logSvc.Logger().With(logx.String("comp", "ratelimit")))
	backups := backup.NewEngine(st, logSvc.Logger().With(logx.String("comp", "backup")))

	mon := monitor.New(monitor.Config{
		MaxEventAge: cfg.MaxEventAge(),
		FeedURL:     cfg.Feed.URL,
	}, st, fetcher, ad, subs, logSvc.Logger().With(logx.String("comp", "monitor")))

	return &App{
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		store:       st,
		adapter:     ad,
		fetcher:     fetcher,
		mon:         mon,
		subs:        subs,
		limiter:     limiter,
		backups:     backups,
		cron:        cron.New(),
		updates:     make(chan kit.Update, 256),
		restoreMode: map[int64]backup.Mode{},
		stopped:     make(chan struct{}),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	cfg := a.cfgm.Get()

	if err := a.adapter.Start(ctx, a.updates); err != nil {
		return err
	}
	go a.dispatchLoop(ctx)

	go func() {
		if err := a.cfgm.Watch(ctx, a.onConfigChange); err != nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()

	interval := cfg.PollInterval()
	entry, err := a.cron.AddFunc("@every "+interval.String(), func() {
		a.mon.RunCycle(ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduling poll cycle: %w", err)
	}
	a.pollMu.Lock()
	a.pollEntry = entry
	a.pollInterval = interval
	a.pollCtx = ctx
	a.pollMu.Unlock()
	if cfg.Backup.Enabled {
		if _, err := a.cron.AddFunc(backupCronSpec, func() {
			a.autoBackup(ctx)
		}); err != nil {
			return fmt.Errorf("scheduling backup: %w", err)
		}
		a.log.Info("automatic backup scheduled", logx.Int64("chat_id", cfg.Backup.ChatID))
	}
	a.cron.Start()

	if cfg.Health.File != "" {
		go a.healthLoop(ctx, cfg.Health.File)
	}

	if menu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		if err := menu.UpdateMenuCommands(ctx, commandMenu()); err != nil {
			a.log.Warn("updating command menu failed", logx.Err(err))
		}
	}

	// First cycle right away; the cron entry only fires after one interval.
	go a.mon.RunCycle(ctx)

	a.log.Info("started",
		logx.Duration("poll_interval", interval),
		logx.String("feed_url", cfg.Feed.URL))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")

	// Stop scheduling first and give a running cycle a bounded grace.
	cronCtx := a.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(shutdownCycleGrace):
		a.log.Warn("poll cycle still running at shutdown; abandoning")
	case <-ctx.Done():
	}

	if a.cancel != nil {
		a.cancel()
	}
	<-a.stopped

	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("adapter stop failed", logx.Err(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing storage failed", logx.Err(err))
	}
	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func (a *App) dispatchLoop(ctx context.Context) {
	defer close(a.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-a.updates:
			switch up.Kind {
			case kit.UpdateMessage:
				if up.Message != nil {
					a.handleMessage(ctx, up.Message)
				}
			case kit.UpdateDocument:
				if up.Document != nil {
					a.handleDocument(ctx, up.Document)
				}
			}
		}
	}
}

// onConfigChange applies what can change at runtime: logging sinks and
// the poll interval. The Telegram token and storage path are fixed until
// restart.
func (a *App) onConfigChange(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	})
	a.log.Info("runtime config applied", logx.String("level", cfg.Logging.Level))

	a.pollMu.Lock()
	defer a.pollMu.Unlock()
	if next := cfg.PollInterval(); next != a.pollInterval && a.pollCtx != nil {
		ctx := a.pollCtx
		a.cron.Remove(a.pollEntry)
		entry, err := a.cron.AddFunc("@every "+next.String(), func() {
			a.mon.RunCycle(ctx)
		})
		if err != nil {
			a.log.Error("rescheduling poll cycle failed", logx.Err(err))
			return
		}
		a.pollEntry = entry
		a.pollInterval = next
		a.log.Info("poll interval changed", logx.Duration("interval", next))
	}
}

func (a *App) autoBackup(ctx context.Context) {
	cfg := a.cfgm.Get()
	if !cfg.Backup.Enabled || cfg.Backup.ChatID == 0 {
		return
	}
	doc, err := a.backups.Export(ctx)
	if err != nil {
		a.log.Error("automatic backup export failed", logx.Err(err))
		return
	}
	data, err := a.backups.EncodeJSON(doc)
	if err != nil {
		a.log.Error("automatic backup encode failed", logx.Err(err))
		return
	}
	caption := fmt.Sprintf("Daily backup: %d chats (%d active)",
		doc.Stats.TotalChats, doc.Stats.ActiveChats)
	err = a.adapter.SendFile(ctx, kit.ChatTarget{ChatID: cfg.Backup.ChatID},
		data, backup.Filename(time.Now().UTC()), caption)
	if err != nil {
		a.log.Error("automatic backup upload failed", logx.Err(err))
		return
	}
	a.log.Info("automatic backup sent", logx.Int("chats", doc.Stats.TotalChats))
}

// healthLoop touches the liveness file so a container probe can tell the
// process is alive even when the feed is quiet.
func (a *App) healthLoop(ctx context.Context, path string) {
	ticker := time.NewTicker(healthItv)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
				a.log.Warn("writing health file failed", logx.String("path", path), logx.Err(err))
			}
		}
	}
}
