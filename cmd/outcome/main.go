package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/outcomefi/outcome/internal/config"
	"github.com/outcomefi/outcome/internal/ledger"
	"github.com/outcomefi/outcome/internal/mcp"
	"github.com/outcomefi/outcome/internal/ratelimit"
	"github.com/outcomefi/outcome/internal/server"
	"github.com/outcomefi/outcome/internal/service/agents"
	"github.com/outcomefi/outcome/internal/service/llm"
	"github.com/outcomefi/outcome/internal/service/universes"
	"github.com/outcomefi/outcome/internal/storage"
	"github.com/outcomefi/outcome/internal/telemetry"
	"github.com/outcomefi/outcome/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("OUTCOME_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("outcome starting", "version", version, "port", cfg.Port, "seal_policy", cfg.SealHashPolicy)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() { _ = db.Close() }()

	// RunMigrations records applied files, so a failure here is a real one.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	logger.Info("storage: ready", "dialect", db.Dialect().String())

	gateway, err := newLedgerClient(cfg, logger)
	if err != nil {
		return err
	}

	generator, err := llm.NewOpenAIClient(llm.Options{
		BaseURL: cfg.AIBaseURL,
		APIKey:  cfg.AIAPIKey,
		Model:   cfg.AIModel,
		Referer: cfg.AIReferer,
		Title:   cfg.AITitle,
		Timeout: cfg.AITimeout,
	})
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if cfg.AIAPIKey == "" {
		logger.Warn("llm: OPENROUTER_API_KEY is empty, generative calls will likely be rejected")
	}

	// Universe service (shared by HTTP and MCP handlers).
	svc := universes.New(db, gateway,
		agents.NewPlanner(generator, cfg.AIAttempts, logger),
		agents.NewComposer(generator, cfg.AIAttempts, logger),
		universes.Options{SealPolicy: cfg.SealHashPolicy, Logger: logger},
	)

	mcpSrv := mcp.New(svc, logger, version)

	limiter := ratelimit.New(cfg.AIRateLimitPerMinute, cfg.AIRateLimitBurst)
	defer func() { _ = limiter.Close() }()
	if cfg.AIRateLimitPerMinute > 0 {
		logger.Info("rate limiting: generative endpoints",
			"per_minute", cfg.AIRateLimitPerMinute, "burst", cfg.AIRateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Universes:           svc,
		AdminAddress:        cfg.AdminAddress,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		SignerAddress:       gateway.SignerAddress(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// In-flight publishes may be waiting on ledger confirmations; give them
	// the confirmation timeout to finish.
	slog.Info("outcome shutting down")
	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.LedgerTxTimeout)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("outcome stopped")
	return nil
}

// newLedgerClient builds the ledger gateway. Without an admin key the client
// is read-only and ledger writes fail with ledger.ErrNoSigner.
func newLedgerClient(cfg config.Config, logger *slog.Logger) (*ledger.Client, error) {
	var signer *ledger.Signer
	if cfg.AdminPrivateKey != "" {
		s, err := ledger.ParsePrivateKey(cfg.AdminPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		if err := ledger.VerifySignerAddress(s, cfg.LedgerModuleAddr); err != nil {
			return nil, err
		}
		signer = s
		logger.Info("ledger: signer ready", "address", s.Address())
	} else {
		logger.Warn("ledger: OUTCOME_ADMIN_PRIVATE_KEY not set, running read-only")
	}

	c, err := ledger.New(ledger.Options{
		FullnodeURL:   cfg.LedgerFullnodeURL,
		ModuleAddress: cfg.LedgerModuleAddr,
		ModuleName:    cfg.LedgerModuleName,
		Signer:        signer,
		Logger:        logger,
		TxTimeout:     cfg.LedgerTxTimeout,
		PollInterval:  cfg.LedgerPollInterval,
		MaxGasAmount:  cfg.LedgerMaxGas,
		TxTTL:         cfg.LedgerTxTTL,
		ChainID:       uint8(cfg.LedgerChainID), //nolint:gosec // validated to [0,255]
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	return c, nil
}
