package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/alphawatch/go-alphawatch/buildinfo"
	"github.com/alphawatch/go-alphawatch/pkg/collector"
	"github.com/alphawatch/go-alphawatch/pkg/collector/chromedpsession"
	"github.com/alphawatch/go-alphawatch/pkg/database"
	"github.com/alphawatch/go-alphawatch/pkg/logging"
	"github.com/alphawatch/go-alphawatch/pkg/metrics"
	"github.com/alphawatch/go-alphawatch/pkg/notifier"
	"github.com/alphawatch/go-alphawatch/pkg/reminder"
	storeimpl "github.com/alphawatch/go-alphawatch/pkg/store/impl"
	"github.com/alphawatch/go-alphawatch/pkg/timeutil"
	"github.com/alphawatch/go-alphawatch/pkg/watcher"
)

func main() {
	cfg := setupConfig()
	logging.SetupLogger(buildinfo.GitCommit, cfg.Log.Level, parseBool(cfg.Log.Human))
	if err := metrics.SetupInstrumentation(":"+cfg.Metrics.Port, "alphawatch"); err != nil {
		log.Fatal().Err(err).Str("port", cfg.Metrics.Port).Msg("could not setup instrumentation")
	}

	checkInterval, err := time.ParseDuration(cfg.Watch.CheckInterval)
	if err != nil {
		log.Fatal().Err(err).Msgf("check interval has invalid format: %s", cfg.Watch.CheckInterval)
	}
	offsets, err := parseOffsets(cfg.Reminder.Offsets)
	if err != nil {
		log.Fatal().Err(err).Msg("parsing reminder offsets")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	db := database.New(database.Config{
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		Name:     cfg.DB.Name,
		MinSize:  cfg.DB.PoolMinSize,
		MaxSize:  cfg.DB.PoolMaxSize,
	})
	if err := db.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("connecting to database")
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx, cfg.DB.SchemaPath); err != nil {
		log.Fatal().Err(err).Msg("ensuring database schema")
	}

	eventStore, err := storeimpl.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing store")
	}

	session := chromedpsession.New(chromedpsession.Config{
		URL:          cfg.Page.URL,
		Locale:       cfg.Page.Language,
		WaitSelector: cfg.Page.WaitSelector,
		ExtraWait:    time.Duration(cfg.Page.ExtraWaitMS) * time.Millisecond,
		GotoTimeout:  time.Duration(cfg.Page.GotoTimeoutSeconds) * time.Second,
		Proxy:        cfg.Page.Proxy,
	})
	pageCollector, err := collector.New(session, cfg.Page.URL, cfg.Page.Timezone)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing collector")
	}

	push, err := notifier.New(notifier.Config{
		BaseURL:        cfg.Spug.BaseURL,
		Token:          cfg.Spug.Token,
		TimeoutSeconds: cfg.Spug.TimeoutSeconds,
		Channel:        cfg.Spug.Channel,
		QuietChannel:   cfg.Spug.QuietChannel,
		XsendUserID:    cfg.Spug.XsendUserID,
		TemplateID:     cfg.Spug.TemplateID,
		Targets:        splitList(cfg.Spug.Targets),
		Proxy:          cfg.Spug.Proxy,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("initializing notifier")
	}

	var quietWindow *timeutil.QuietWindow
	if cfg.Reminder.QuietHours != "" {
		window, ok := timeutil.ParseQuietHours(cfg.Reminder.QuietHours)
		if !ok {
			log.Warn().Str("quietHours", cfg.Reminder.QuietHours).Msg("ignoring malformed quiet hours")
		} else {
			quietWindow = &window
		}
	}

	var announcer *reminder.Engine
	if parseBool(cfg.Reminder.NotifyTBAOnce) {
		state, err := reminder.NewStateStore(
			cfg.Reminder.StateFile,
			time.Duration(cfg.Reminder.StateTTLHours)*time.Hour,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("initializing reminder state")
		}
		announcer = reminder.NewEngine(state, offsets, cfg.Reminder.AheadMinutes, true)
	}

	w, err := watcher.New(watcher.Config{
		Interval:   checkInterval,
		Timezone:   cfg.Page.Timezone,
		Offsets:    offsets,
		Channel:    cfg.Spug.Channel,
		QuietHours: quietWindow,
		Announcer:  announcer,
	}, pageCollector, eventStore, push)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing watcher")
	}

	if parseBool(cfg.Watch.RunOnce) {
		if err := w.Tick(ctx); err != nil {
			log.Fatal().Err(err).Msg("run-once tick failed")
		}
		log.Info().Msg("run-once tick complete")
		return
	}

	w.Start()
	<-ctx.Done()
	w.Stop()
	log.Info().Msg("daemon closed")
}
