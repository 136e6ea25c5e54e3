// cmd/vaultd/main.go
// Package main implements the entry point for the vault service.
// It initializes all components and starts the HTTP server.
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

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/futurevault/futurevault-go/internal/archive"
	"github.com/futurevault/futurevault-go/internal/config"
	"github.com/futurevault/futurevault-go/internal/event"
	"github.com/futurevault/futurevault-go/internal/export"
	"github.com/futurevault/futurevault-go/internal/fhe"
	"github.com/futurevault/futurevault-go/internal/gateway"
	"github.com/futurevault/futurevault-go/internal/jwks"
	"github.com/futurevault/futurevault-go/internal/metrics"
	"github.com/futurevault/futurevault-go/internal/network"
	"github.com/futurevault/futurevault-go/internal/reveal"
	"github.com/futurevault/futurevault-go/internal/schema"
	"github.com/futurevault/futurevault-go/internal/server"
	"github.com/futurevault/futurevault-go/internal/stats"
	"github.com/futurevault/futurevault-go/internal/storage"
	"github.com/futurevault/futurevault-go/internal/telemetry"
	"github.com/futurevault/futurevault-go/internal/wallet"
)

// version is stamped at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("vaultd exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if _, err := telemetry.InitTracer(telemetry.Options{Version: version, Env: cfg.Env}); err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Chain connection; the node must serve the configured chain
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	defer client.Close()
	nodeChain, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("query chain id: %w", err)
	}
	if err := network.CheckNodeChain(nodeChain, cfg.ChainID); err != nil {
		return err
	}
	contract, err := network.Resolve(cfg.ChainID, cfg.ContractAddress)
	if err != nil {
		return err
	}

	registry, err := gateway.NewRegistry(cfg.ContractVersion, contract, client, client)
	if err != nil {
		return err
	}

	var session wallet.Session
	if cfg.PrivateKey != "" {
		ks, err := wallet.NewKeySession(cfg.PrivateKey, cfg.ChainID)
		if err != nil {
			return err
		}
		session = ks
		logger.Info("wallet connected", "address", ks.Address().Hex())
	} else {
		logger.Warn("no wallet key configured, write endpoints are disabled")
	}

	m := metrics.NewMetrics()
	gw := gateway.New(registry, gateway.Options{
		Session:          session,
		Miner:            gateway.BackendMiner{Backend: client},
		FetchConcurrency: cfg.FetchConcurrency,
		Metrics:          m,
		Logger:           logger,
	})

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		if store, err = storage.NewPostgres(ctx, cfg.DatabaseDSN); err != nil {
			return fmt.Errorf("initialize postgres storage: %w", err)
		}
	} else {
		store = storage.NewMemory()
	}
	defer store.Close()

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisher(cfg.NATSURL)
	defer pub.Close()

	validator, err := schema.NewValidator()
	if err != nil {
		return fmt.Errorf("initialize schema validator: %w", err)
	}
	codec := export.NewCodec(validator)

	var archiver *archive.Archiver
	if cfg.S3Bucket != "" {
		s3c, err := archive.NewS3Client(ctx, cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			return fmt.Errorf("initialize S3 client: %w", err)
		}
		archiver = archive.NewArchiver(s3c, codec, 0)
	}

	var (
		decrypter reveal.Decrypter = reveal.SimulatedDecrypter{Delay: cfg.RevealDelay}
		manager   *fhe.Manager
	)
	if cfg.DecryptMode == config.DecryptFHE {
		manager = fhe.NewManager(fhe.NewRelayer(cfg.RelayerURL))
		if err := manager.Init(ctx, cfg.ChainID); err != nil {
			// decrypt requests report FV_INSTANCE_NOT_READY until a restart succeeds
			logger.Error("decryption instance init failed", "error", err)
		}
		decrypter = reveal.FHEDecrypter{Manager: manager}
	}

	workflow := reveal.NewWorkflow(gw, decrypter, reveal.Options{
		Contract: contract,
		ChainID:  cfg.ChainID,
		Metrics:  m,
		Logger:   logger,
		OnTransition: func(id uint64, s reveal.State) {
			logger.Debug("reveal transition", "capsule_id", id, "state", s)
		},
	})

	statsSvc := stats.NewService(gw, stats.Options{Timeline: cfg.TimelineOrder}, nil, logger)
	refresher := stats.NewRefresher(statsSvc, cfg.StatsRefresh, pub, m, logger)
	refresher.Start(ctx)
	defer refresher.Stop()

	handler := server.NewMux(server.Deps{
		Gateway:   gw,
		Stats:     statsSvc,
		Workflow:  workflow,
		Pacer:     reveal.NewPacer(cfg.CharDelay),
		Codec:     codec,
		Validator: validator,
		Archiver:  archiver,
		FHE:       manager,
		Store:     store,
		Publisher: pub,
		Metrics:   m,
		Logger:    logger,

		JWKS:        jwks.NewClient(cfg.JWKSURL),
		JWTIssuer:   cfg.JWTIssuer,
		JWTAudience: cfg.JWTAudience,

		ChainID:            cfg.ChainID,
		ContractAddress:    contract,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      2 * time.Minute, // streamed reveals outlast a plain response
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "chain_id", cfg.ChainID,
			"contract", contract.Hex(), "contract_version", cfg.ContractVersion, "decrypt_mode", cfg.DecryptMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server exited")
	return nil
}
