// TradeGate — a multi-broker trading gateway that turns signed
// TradingView webhook alerts into broker orders.
//
// Architecture:
//
//	main.go                   — entry point: loads config, wires components, handles shutdown
//	internal/webhook          — intake authentication: content type, rate limit, HMAC, body size
//	internal/alert            — alert payload validation with a content denylist
//	internal/vault            — credential storage: OS keystore or encrypted file, env fallback
//	internal/broker           — adapter contract, registry, and the generic REST live adapter
//	internal/sim              — paper simulator: synthetic quotes, slippage, commissions, sessions
//	internal/funded           — funded-account rule engine: loss/drawdown limits, violations
//	internal/router           — account_group → (account, adapter) resolution, paper overrides
//	internal/orchestrator     — per-alert pipeline with per-account serialization
//	internal/strategy         — set-based win-rate tracking with live/paper auto-rotation
//	internal/journal          — batched, retrying upload of fills to the external journal
//	internal/bus              — in-process event fan-out with drop-oldest backpressure
//	internal/api              — REST + websocket surface for dashboards
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"tradegate/internal/api"
	"tradegate/internal/broker"
	"tradegate/internal/bus"
	"tradegate/internal/config"
	"tradegate/internal/funded"
	"tradegate/internal/journal"
	"tradegate/internal/orchestrator"
	"tradegate/internal/router"
	"tradegate/internal/sim"
	"tradegate/internal/strategy"
	"tradegate/internal/vault"
	"tradegate/internal/webhook"
)

func main() {
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GATEWAY_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	creds, err := vault.Open(cfg.Vault.Service, cfg.Vault.FilePath, logger)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	b := bus.New()

	loc, err := time.LoadLocation(cfg.Sim.ExchangeTimezone)
	if err != nil {
		return fmt.Errorf("exchange timezone: %w", err)
	}
	simulator := sim.New(sim.Options{
		Location:           loc,
		TestMode:           cfg.Sim.TestMode,
		InitialBalance:     cfg.Sim.InitialBalance,
		MaxFuturesPosition: cfg.Sim.MaxFuturesPosition,
		SnapshotTTL:        cfg.Sim.SnapshotTTL,
		PerturbInterval:    cfg.Sim.PerturbInterval,
		MinLatency:         cfg.Sim.MinLatency,
		MaxLatency:         cfg.Sim.MaxLatency,
		DataPath:           filepath.Join(cfg.Store.DataDir, "paper_accounts.json"),
	}, b, logger)
	go simulator.Run(ctx)

	registry := broker.NewRegistry()
	registry.Register(sim.BrokerKey, simulator)
	for key, bc := range cfg.Brokers {
		adapter := broker.NewLive(broker.LiveConfig{
			Key:        key,
			BaseURL:    bc.BaseURL,
			APIKeyName: bc.APIKeyName,
			SecretName: bc.SecretName,
			Sandbox:    bc.Sandbox,
			Timeout:    bc.Timeout,
			DryRun:     cfg.DryRun,
		}, creds, logger)
		initCtx, initCancel := context.WithTimeout(ctx, 15*time.Second)
		if _, err := adapter.Initialize(initCtx); err != nil {
			logger.Warn("broker unavailable, registered anyway", "broker", key, "error", err)
		}
		initCancel()
		registry.Register(key, adapter)
	}

	eng := funded.NewEngine(b, logger)
	for _, acct := range cfg.Accounts {
		rules, ok := cfg.Funded.Groups[acct.Group]
		if !ok {
			continue
		}
		eng.Register(acct.ID, acct.Group, funded.RulesFromConfig(rules),
			decimal.NewFromFloat(acct.InitialBalance))
	}
	stopReset, err := eng.StartDailyReset(cfg.Funded.DailyResetCron, loc)
	if err != nil {
		return fmt.Errorf("daily reset schedule: %w", err)
	}
	defer stopReset()

	var store strategy.Store
	if cfg.Strategy.DBPath != "" {
		s, err := strategy.OpenSQLite(cfg.Strategy.DBPath)
		if err != nil {
			return fmt.Errorf("strategy store: %w", err)
		}
		store = s
	}
	tracker, err := strategy.NewTracker(cfg.Strategy.SetSize, cfg.Strategy.ConsecutiveSets, cfg.Strategy.DefaultMinWinRate, store, b, logger)
	if err != nil {
		return err
	}
	defer tracker.Close()

	uploader := journal.New(journal.Options{
		Enabled:       cfg.Journal.Enabled,
		BaseURL:       cfg.Journal.BaseURL,
		AppID:         cfg.Journal.AppID,
		MasterKey:     cfg.Journal.MasterKey,
		BrokerName:    cfg.Journal.BrokerName,
		UploadMFE:     cfg.Journal.UploadMFE,
		Timeout:       cfg.Journal.Timeout,
		Retries:       cfg.Journal.Retries,
		BatchSize:     cfg.Journal.BatchSize,
		FlushInterval: cfg.Journal.FlushInterval,
		QueueSize:     cfg.Journal.QueueSize,
		BackoffCeil:   cfg.Journal.BackoffCeil,
	}, logger)
	go uploader.Run(ctx)

	fundedGroups := make([]string, 0, len(cfg.Funded.Groups))
	for g := range cfg.Funded.Groups {
		fundedGroups = append(fundedGroups, g)
	}
	rt := router.New(registry, cfg.Accounts, fundedGroups, tracker, logger)

	orch := orchestrator.New(orchestrator.Options{
		Router:          rt,
		Funded:          eng,
		Strategies:      tracker,
		Journal:         uploader,
		Simulator:       simulator,
		Bus:             b,
		ExecuteDeadline: cfg.Orchestrator.ExecuteDeadline,
		DrainTimeout:    cfg.Orchestrator.DrainTimeout,
	}, logger)

	server := api.New(api.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,

		Auth:         webhook.New(cfg.Webhook.Secret, cfg.Webhook.RateLimit, cfg.Webhook.RateWindow, cfg.Webhook.MaxBodyBytes, logger),
		Orchestrator: orch,
		Funded:       eng,
		Simulator:    simulator,
		Strategies:   tracker,
		Journal:      uploader,
		Registry:     registry,
		Router:       rt,
		Bus:          b,
	}, logger)
	go server.Run(ctx)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.Routes(),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no live orders will reach the wire")
	}
	logger.Info("trading gateway started",
		"port", cfg.Server.Port,
		"brokers", registry.Keys(),
		"funded_groups", fundedGroups,
		"journal", cfg.Journal.Enabled,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	// shutdown order: webhooks, orchestrator, journal, websockets, adapters
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := orch.Drain(shutdownCtx); err != nil {
		logger.Warn("orchestrator drain", "error", err)
	}
	cancel()
	if err := uploader.Flush(shutdownCtx); err != nil {
		logger.Warn("journal flush", "error", err)
	}
	server.CloseConnections()
	if err := registry.CloseAll(); err != nil {
		logger.Warn("adapter close", "error", err)
	}
	logger.Info("trading gateway stopped")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
