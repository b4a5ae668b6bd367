package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"innkeep/internal/channel/email"
	"innkeep/internal/channel/whatsapp"
	"innkeep/internal/config"
	"innkeep/internal/content"
	"innkeep/internal/deliverylog"
	"innkeep/internal/dispatch"
	"innkeep/internal/eventbus"
	tgfront "innkeep/internal/frontend/telegram"
	"innkeep/internal/scheduler"
	"innkeep/internal/store"
	"innkeep/internal/vault"
	logx "innkeep/pkg/logx"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	var err error
	if args := flag.Args(); len(args) > 0 {
		err = runAdmin(*configPath, args, os.Stdout)
	} else {
		err = run(*configPath)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "innkeep:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	boot := logx.NewConsole("info")

	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, logCloser, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig(cfg.Logging.File),
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	mgr.SetLogger(log)
	boot.Info("config loaded", logx.String("path", configPath))

	busyTimeout, err := cfg.Storage.BusyTimeout.Or("storage.busy_timeout", 5*time.Second)
	if err != nil {
		return err
	}
	st, err := store.Open(store.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout})
	if err != nil {
		return err
	}
	defer st.Close()

	masterKey, err := vault.LoadOrCreateKey(cfg.Vault.KeyPath)
	if err != nil {
		return err
	}
	vlt, err := vault.Open(st.DB(), masterKey, log)
	if err != nil {
		return err
	}

	bus := eventbus.New()
	journal := deliverylog.New(st.DB(), log)

	dcfg, err := dispatchConfig(cfg)
	if err != nil {
		return err
	}
	dispatcher := dispatch.New(dcfg, vlt, journal, bus, log)
	dispatcher.Register(email.New(email.Config{
		Host:     cfg.Email.Host,
		Port:     cfg.Email.Port,
		FromName: cfg.Email.FromName,
	}, log))
	dispatcher.Register(whatsapp.New(whatsapp.Config{
		BaseURL: cfg.WhatsApp.BaseURL,
	}, log))
	dispatcher.Start(ctx)

	gen, err := content.NewTemplated()
	if err != nil {
		return err
	}
	scfg, err := schedulerConfig(cfg)
	if err != nil {
		return err
	}
	sched := scheduler.New(scfg, st, dispatcher, gen, log)
	sched.Start(ctx)

	var front *tgfront.Bot
	if cfg.Telegram.Enabled {
		front, err = startFrontend(ctx, cfg, vlt, bus, journal, log)
		if err != nil {
			// The pipeline works without the chat mirror; don't die for it.
			log.Warn("telegram front-end unavailable", logx.Err(err))
		}
	}

	// Hot reload: dispatch and scheduler settings apply live.
	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	updates := mgr.Subscribe(1)
	defer mgr.Unsubscribe(updates)
	go func() {
		for next := range updates {
			if dcfg, err := dispatchConfig(next); err == nil {
				dispatcher.Apply(dcfg)
			}
			if scfg, err := schedulerConfig(next); err == nil {
				sched.Apply(scfg)
			}
			log.Info("runtime settings applied")
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("innkeep running",
		logx.String("db", cfg.Storage.Path),
		logx.Bool("scheduler", cfg.Scheduler.Enabled),
		logx.Bool("telegram", cfg.Telegram.Enabled),
	)

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down")

	if front != nil {
		front.Stop()
	}
	sched.Stop()
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	dispatcher.Stop(stopCtx)
	return nil
}

func startFrontend(ctx context.Context, cfg *config.Config, vlt *vault.Vault, bus eventbus.Bus, journal *deliverylog.Log, log logx.Logger) (*tgfront.Bot, error) {
	token, err := vlt.Retrieve(ctx, vault.KeyTelegramToken)
	if err != nil {
		return nil, fmt.Errorf("resolving bot token: %w", err)
	}
	pollTimeout, err := cfg.Telegram.PollTimeout.Or("telegram.poll_timeout", 10*time.Second)
	if err != nil {
		return nil, err
	}
	front, err := tgfront.New(tgfront.Config{
		Token:       token,
		AdminChatID: cfg.Telegram.AdminChatID,
		PollTimeout: pollTimeout,
	}, bus, journal, log)
	if err != nil {
		return nil, err
	}
	front.Start(ctx)
	return front, nil
}

func dispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	retryBase, err := cfg.Dispatch.RetryBase.Or("dispatch.retry_base", 2*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryMaxDelay, err := cfg.Dispatch.RetryMaxDelay.Or("dispatch.retry_max_delay", 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	sendTimeout, err := cfg.Dispatch.SendTimeout.Or("dispatch.send_timeout", 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:       cfg.Dispatch.Workers,
		QueueSize:     cfg.Dispatch.QueueSize,
		RatePerSec:    cfg.Dispatch.RatePerSec,
		RetryMax:      cfg.Dispatch.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		SendTimeout:   sendTimeout,
	}, nil
}

func schedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	interval, err := cfg.Scheduler.Interval.Or("scheduler.interval", time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	cadence, err := cfg.Scheduler.EscalationCadence.Or("scheduler.escalation_cadence", 24*time.Hour)
	if err != nil {
		return scheduler.Config{}, err
	}
	lead, err := cfg.Scheduler.ShiftReminderLead.Or("scheduler.shift_reminder_lead", 30*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:           cfg.Scheduler.Enabled,
		Interval:          interval,
		ScanLimit:         cfg.Scheduler.ScanLimit,
		EscalationCadence: cadence,
		ShiftReminderLead: lead,
	}, nil
}
