package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"attendanced/internal/api"
	"attendanced/internal/browser"
	"attendanced/internal/config"
	"attendanced/internal/core"
	"attendanced/internal/credentials"
	"attendanced/internal/lock"
	"attendanced/internal/logging"
	attendancemcp "attendanced/internal/mcp"
	"attendanced/internal/notify"
	"attendanced/internal/portal"
	"attendanced/internal/store"
)

var version = "dev"

// engine bundles the automation pieces that only exist when it is enabled.
type engine struct {
	coordinator *core.Coordinator
	scheduler   *core.Scheduler
	locker      *lock.Redis
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout belongs to the MCP protocol when it is served on stdio.
	logOut := os.Stdout
	if cfg.Mode != config.ModeHTTP {
		logOut = os.Stderr
	}
	logger := logging.NewWithWriter(logOut, cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting attendanced", "version", version, "config", cfg)

	baseCtx := context.Background()
	ledger, err := store.Open(baseCtx, cfg.StateDir)
	if err != nil {
		logger.Error("open ledger", "err", err)
		os.Exit(1)
	}
	defer ledger.Close()

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	var eng *engine
	if cfg.Enabled {
		eng, err = startEngine(ctx, cfg, ledger, logger)
		if err != nil {
			logger.Error("start automation engine", "err", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("automation engine disabled; triggers will be rejected")
	}

	// Keep the interfaces nil when the engine is off so handlers report "disabled".
	var (
		apiEngine api.Engine
		mcpEngine attendancemcp.Engine
		schedule  api.Schedule
	)
	if eng != nil {
		apiEngine, mcpEngine, schedule = eng.coordinator, eng.coordinator, eng.scheduler
	}
	mcpServer := attendancemcp.NewMCPServer(mcpEngine, ledger, logger, cfg.Location, version)

	switch cfg.Mode {
	case config.ModeHTTP:
		server := newHTTPServer(cfg, apiEngine, ledger, schedule, mcpServer, logger)
		runHTTP(cfg, server, nil, logger)
	case config.ModeMCP:
		runMCP(mcpServer, logger, cancel)
	case config.ModeBoth:
		server := newHTTPServer(cfg, apiEngine, ledger, schedule, mcpServer, logger)
		mcpErr := make(chan error, 1)
		go func() {
			if err := mcpServer.Run(); err != nil {
				mcpErr <- err
			}
		}()
		runHTTP(cfg, server, mcpErr, logger)
	}

	if eng != nil {
		eng.stop(cfg, logger)
	}
	logger.Info("shutdown complete")
}

func startEngine(ctx context.Context, cfg *config.Config, ledger *store.Store, logger *slog.Logger) (*engine, error) {
	creds, err := credentials.Resolve(cfg.Portal.URL, cfg.Portal.Username, cfg.Portal.Password)
	if err != nil {
		return nil, err
	}
	logger.Info("portal credentials resolved", "credentials", creds)

	acquirer := browser.NewAcquirer(browser.Config{
		ExecPath:        cfg.Browser.ExecPath,
		Headless:        cfg.Browser.Headless,
		NoSandbox:       cfg.Browser.NoSandbox,
		PageLoadTimeout: cfg.Browser.PageLoadTimeout,
		FieldTimeout:    cfg.Browser.FieldTimeout,
		LoginTimeout:    cfg.Browser.LoginTimeout,
		SuccessURLMarks: cfg.Browser.SuccessMarkers,
		SuccessSelector: cfg.Browser.SuccessSelector,
		ErrorSelector:   cfg.Browser.ErrorSelector,
	}, logger.With("component", "browser"))

	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		Sender:   buildSender(cfg, logger),
		Logger:   logger.With("component", "notify"),
		Location: cfg.Location,
		Tries:    cfg.Notification.Tries,
		Backoff:  cfg.Notification.Backoff,
	})

	eng := &engine{}
	coordCfg := core.CoordinatorConfig{
		Credentials:  creds,
		Acquirer:     acquirer,
		Transplanter: &portal.Transplanter{Timeout: cfg.Portal.RequestTimeout},
		Client:       portal.NewClient(creds.BaseURL, logger.With("component", "portal")),
		Ledger:       ledger,
		Notifier:     dispatcher,
		Logger:       logger.With("component", "coordinator"),
		Location:     cfg.Location,
		Policy: core.RetryPolicy{
			MaxRetries: cfg.Engine.MaxRetries,
			Backoff:    cfg.Engine.RetryBackoff,
		},
		Workers:   cfg.Engine.Workers,
		Retention: cfg.Engine.JobRetention,
		LockTTL:   cfg.Engine.LockTTL,
	}
	if cfg.Redis.Addr != "" {
		locker, err := lock.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger.With("component", "lock"))
		if err != nil {
			return nil, err
		}
		eng.locker = locker
		coordCfg.Locker = locker
		logger.Info("distributed attendance lock enabled", "redis", cfg.Redis.Addr)
	}

	eng.coordinator = core.NewCoordinator(coordCfg)
	eng.coordinator.Start(ctx)

	eng.scheduler = core.NewScheduler(eng.coordinator, logger.With("component", "scheduler"), cfg.Location)
	for action, expr := range map[core.ActionKind]string{
		core.ActionSignIn:  cfg.Engine.SignInCron,
		core.ActionSignOut: cfg.Engine.SignOutCron,
	} {
		if err := eng.scheduler.Schedule(action, expr); err != nil {
			return nil, err
		}
	}
	eng.scheduler.Start(ctx)
	return eng, nil
}

func (e *engine) stop(cfg *config.Config, logger *slog.Logger) {
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	select {
	case <-e.scheduler.Stop().Done():
	case <-stopCtx.Done():
		logger.Warn("scheduler stop timed out")
	}
	if err := e.coordinator.Stop(stopCtx); err != nil {
		logger.Warn("in-flight attendance jobs were cancelled", "err", err)
	}
	if e.locker != nil {
		if err := e.locker.Close(); err != nil {
			logger.Warn("close redis", "err", err)
		}
	}
}

func buildSender(cfg *config.Config, logger *slog.Logger) notify.Sender {
	var senders []notify.Sender
	if cfg.Notification.TelegramBotToken != "" {
		tg, err := notify.NewTelegram(cfg.Notification.TelegramBotToken, cfg.Notification.TelegramChatID)
		if err != nil {
			logger.Warn("telegram notifications disabled", "err", err)
		} else {
			senders = append(senders, tg)
		}
	}
	if cfg.Notification.BarkURL != "" {
		bark, err := notify.NewBark(cfg.Notification.BarkURL)
		if err != nil {
			logger.Warn("bark notifications disabled", "err", err)
		} else {
			senders = append(senders, bark)
		}
	}
	if len(senders) == 0 {
		logger.Warn("no notification channel configured; outcomes are only logged and recorded")
		return notify.NoOp{}
	}
	return notify.NewMulti(senders...)
}

func newHTTPServer(cfg *config.Config, eng api.Engine, ledger *store.Store, schedule api.Schedule, mcpServer *attendancemcp.MCPServer, logger *slog.Logger) *api.Server {
	server, err := api.NewServer(api.Options{
		Addr:      cfg.Server.Addr,
		AuthToken: cfg.Server.AuthToken,
		Engine:    eng,
		History:   ledger,
		Schedule:  schedule,
		MCP:       mcpServer.HTTPHandler(),
		Logger:    logger.With("component", "http"),
		Location:  cfg.Location,
	})
	if err != nil {
		logger.Error("create server", "err", err)
		os.Exit(1)
	}
	return server
}

// runHTTP serves until a signal, a server error or an MCP error arrives.
func runHTTP(cfg *config.Config, server *api.Server, mcpErr <-chan error, logger *slog.Logger) {
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
}

// runMCP serves stdio until stdin closes or a signal arrives.
func runMCP(mcpServer *attendancemcp.MCPServer, logger *slog.Logger, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() {
		done <- mcpServer.Run()
	}()

	select {
	case sig := <-sigs:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-done:
		if err != nil {
			logger.Error("mcp server error", "err", err)
		}
	}
	cancel()
}
