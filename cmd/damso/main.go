package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/damso/damso/internal/analysis"
	"github.com/damso/damso/internal/api"
	"github.com/damso/damso/internal/calls"
	"github.com/damso/damso/internal/config"
	"github.com/damso/damso/internal/database"
	"github.com/damso/damso/internal/email"
	"github.com/damso/damso/internal/emergency"
	"github.com/damso/damso/internal/eventbus"
	"github.com/damso/damso/internal/metrics"
	"github.com/damso/damso/internal/push"
	"github.com/damso/damso/internal/rtc"
	"github.com/damso/damso/internal/scheduler"
	"github.com/damso/damso/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "create-admin" {
		if err := runCreateAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(cfg.SlogHandler(os.Stdout)))

	slog.Info("starting damso",
		"http_port", cfg.HTTPPort,
		"tls", cfg.TLSEnabled(),
		"data_dir", cfg.DataDir,
		"livekit", cfg.LiveKitConfigured(),
		"apns", cfg.APNsConfigured(),
		"fcm", cfg.FCMCredentials != "",
		"redis", cfg.RedisURL != "",
		"smtp", cfg.SMTPConfigured(),
	)
	startTime := time.Now()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	openCtx, openCancel := context.WithTimeout(appCtx, 30*time.Second)
	db, err := database.Open(openCtx, cfg.DatabaseURL)
	openCancel()
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	users := database.NewUserRepository(db)
	wards := database.NewWardRepository(db)
	settings := database.NewNotificationSettingsRepository(db)
	rooms := database.NewRoomRepository(db)
	devices := database.NewDeviceRepository(db)
	callRepo := database.NewCallRepository(db)
	summaries := database.NewSummaryRepository(db)
	alerts := database.NewHealthAlertRepository(db)
	schedules := database.NewScheduleRepository(db)
	emergencies := database.NewEmergencyRepository(db)
	admins := database.NewAdminRepository(db)
	pushLogs := database.NewPushLogRepository(db)

	var events eventbus.Publisher = eventbus.NopBus{}
	if cfg.RedisURL != "" {
		bus, err := eventbus.NewRedisBus(appCtx, cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer bus.Close()
		events = bus
	} else {
		slog.Warn("no redis url configured, ops events will not be published")
	}

	dispatcher := push.NewDispatcher(newSenders(appCtx, cfg), push.ParseEnvMode(cfg.APNsEnv), devices, pushLogs)

	spool, err := worker.OpenSpool(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open task spool", "error", err)
		os.Exit(1)
	}
	defer spool.Close()
	pool := worker.NewPool(cfg.WorkerCount, cfg.WorkerQueueSize, spool)

	callSvc := calls.NewService(calls.Deps{
		Calls:       callRepo,
		Users:       users,
		Rooms:       rooms,
		Devices:     devices,
		Settings:    settings,
		Pusher:      dispatcher,
		Tasks:       pool,
		Events:      events,
		DedupWindow: cfg.CallDedupWindow,
	})
	analysisSvc := analysis.NewService(analysis.NewOpenAIClient(cfg.OpenAIAPIKey), cfg.OpenAIModel,
		callRepo, summaries, alerts, events)

	pool.Register(calls.TaskNotifyComplete, callSvc.NotifyCompleteTask)
	pool.Register(calls.TaskAnalyze, analysisSvc.AnalyzeTask)
	pool.Start()

	if !cfg.LiveKitConfigured() {
		slog.Warn("livekit credentials not set, room tokens will not be issued")
	}
	issuer := rtc.NewTokenIssuer(cfg.LiveKitAPIKey, cfg.LiveKitAPISecret, cfg.LiveKitTokenTTL)
	rtcSvc := rtc.NewService(issuer, cfg.LiveKitURL, users, rooms, devices, events)

	emergencySvc := emergency.NewService(emergencies, wards, callSvc)
	if cfg.SMTPConfigured() {
		emergencySvc.SetMailer(email.NewSender(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			TLS:      cfg.SMTPTLS,
		}, slog.Default()))
	}

	sched := scheduler.New(schedules, callSvc)
	sched.Start(appCtx, scheduler.ReminderInterval, scheduler.MissedInterval)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)
	reg.MustRegister(metrics.NewCollector(callRepo, emergencies, pool, startTime))

	handler := api.NewServer(api.Deps{
		Config:     cfg,
		TLSEnabled: cfg.TLSEnabled(),
		Calls:      callSvc,
		Analysis:   analysisSvc,
		RTC:        rtcSvc,
		Emergency:  emergencySvc,
		Tasks:      pool,
		Users:      users,
		Wards:      wards,
		Devices:    devices,
		Admins:     admins,
		Events:     events,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Ready:      db.PingContext,
	})
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr, "tls", cfg.TLSEnabled())
		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	if err := pool.Shutdown(ctx); err != nil {
		slog.Error("worker pool shutdown error", "error", err)
	}

	slog.Info("damso stopped")
}

// newSenders builds the push providers that have credentials. A kind without
// a sender is reported as failed by the dispatcher.
func newSenders(ctx context.Context, cfg *config.Config) *push.MultiSender {
	senders := make(map[push.Kind]push.Sender)

	if cfg.APNsConfigured() {
		apns, err := push.NewAPNsSender(push.APNsConfig{
			KeyFile:   cfg.APNsKeyPath,
			KeyID:     cfg.APNsKeyID,
			TeamID:    cfg.APNsTeamID,
			BundleID:  cfg.APNsBundleID,
			VoIPTopic: cfg.APNsVoIPTopic,
		})
		if err != nil {
			slog.Error("apns sender not available", "error", err)
		} else {
			senders[push.KindVoIP] = apns
			senders[push.KindAlert] = apns
		}
	} else {
		slog.Warn("apns credentials not set, voip and alert pushes will fail")
	}

	if cfg.FCMCredentials != "" {
		fcm, err := push.NewFCMSender(ctx, cfg.FCMCredentials)
		if err != nil {
			slog.Error("fcm sender not available", "error", err)
		} else {
			senders[push.KindFCM] = fcm
		}
	} else {
		slog.Warn("fcm credentials not set, android pushes will fail")
	}

	return push.NewMultiSender(senders)
}
