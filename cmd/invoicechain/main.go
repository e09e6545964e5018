// Package main provides the main entry point for the invoicechain service.
// It wires the ledger, backend, lock registry and flow orchestrator, then
// runs the outer surfaces through the service registry.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/cmatc13/invoicechain/internal/api"
	"github.com/cmatc13/invoicechain/internal/backend"
	"github.com/cmatc13/invoicechain/internal/dispatch"
	"github.com/cmatc13/invoicechain/internal/events"
	"github.com/cmatc13/invoicechain/internal/flow"
	"github.com/cmatc13/invoicechain/internal/ledger"
	"github.com/cmatc13/invoicechain/internal/lock"
	"github.com/cmatc13/invoicechain/internal/reconcile"
	"github.com/cmatc13/invoicechain/internal/storage"
	"github.com/cmatc13/invoicechain/internal/wallet"
	"github.com/cmatc13/invoicechain/pkg/config"
	"github.com/cmatc13/invoicechain/pkg/health"
	"github.com/cmatc13/invoicechain/pkg/logging"
	"github.com/cmatc13/invoicechain/pkg/metrics"
	"github.com/cmatc13/invoicechain/pkg/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "invoicechain: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:       logging.ParseLevel(cfg.Log.Level),
		Output:      os.Stdout,
		ServiceName: "invoicechain",
		Environment: cfg.Environment,
	})
	m := metrics.New(metrics.DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("dial ledger %s: %w", cfg.Chain.RPCURL, err)
	}
	defer client.Close()

	signer, err := loadSigner(cfg, logger)
	if err != nil {
		return err
	}
	contract := common.HexToAddress(cfg.Chain.ContractAddress)

	submitter, err := ledger.NewSubmitter(client, signer, ledger.SubmitterConfig{
		ChainID:  big.NewInt(cfg.Chain.ChainID),
		GasLimit: cfg.Chain.GasLimit,
	}, logger, m)
	if err != nil {
		return err
	}
	waiter := ledger.NewWaiter(client, cfg.Chain.ConfirmTimeout, cfg.Chain.PollInterval, logger, m)
	reader, err := ledger.NewReader(client, contract)
	if err != nil {
		return err
	}

	backendClient := backend.NewClient(backend.Config{
		BaseURL:      cfg.Backend.BaseURL,
		Timeout:      cfg.Backend.Timeout,
		AuthToken:    cfg.Backend.AuthToken,
		RateLimitRPS: cfg.Backend.RateLimitRPS,
		Burst:        cfg.Backend.Burst,
	}, logger).WithMetrics(m)

	healthRegistry := health.NewRegistry(logger)
	healthRegistry.Register("ledger", health.ChainChecker(cfg.Chain.RPCURL, client.BlockNumber))
	healthRegistry.Register("backend", health.BackendChecker(cfg.Backend.BaseURL, backendClient.Ping))

	var (
		locks    lock.Registry
		partials storage.PartialStore
	)
	switch cfg.Lock.Backend {
	case "redis":
		rdb, err := storage.Connect(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		locks = lock.NewRedisRegistry(rdb, cfg.Lock.TTL, logger, m)
		partials = storage.NewRedisPartialStore(rdb)
		healthRegistry.Register("redis", health.RedisChecker(cfg.Redis.Address, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	default:
		locks = lock.NewMemoryRegistry(m)
		partials = storage.NewMemoryPartialStore()
	}

	registry := service.NewRegistry(logger)

	var publisher flow.Publisher = flow.NopPublisher{}
	var apiDeps []string
	if cfg.Kafka.Enabled {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.OutcomeTopic, logger)
		if err != nil {
			return err
		}
		if err := registry.Register(kp); err != nil {
			return err
		}
		publisher = kp
		apiDeps = append(apiDeps, kp.Name())
	}

	reconciler := reconcile.New(reconcile.Policy{
		MaxAttempts: cfg.Reconcile.MaxAttempts,
		Delay:       cfg.Reconcile.Delay,
		Jitter:      cfg.Reconcile.Jitter,
	}, logger, m)

	orch, err := flow.New(flow.Deps{
		Contract:   contract,
		Submitter:  submitter,
		Waiter:     waiter,
		Backend:    backendClient,
		Locks:      locks,
		Reconciler: reconciler,
		Partials:   partials,
		Publisher:  publisher,
		Tokens: flow.TokenDefaults{
			InterestRateAPY: cfg.Tokenization.DefaultInterestRateAPY,
			MaturityMonths:  cfg.Tokenization.DefaultMaturityMonths,
		},
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	if cfg.Kafka.Enabled {
		d, err := dispatch.NewKafkaDispatcher(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, cfg.Kafka.RequestTopic,
			dispatch.NewHandler(orch), logger)
		if err != nil {
			return err
		}
		if err := registry.Register(d); err != nil {
			return err
		}
	}

	if cfg.Auth.JWTSecret != "" {
		server, err := api.NewServer(api.Options{
			Config:         cfg,
			Orchestrator:   orch,
			Ledger:         reader,
			Logger:         logger,
			Metrics:        m,
			HealthRegistry: healthRegistry,
		})
		if err != nil {
			return err
		}
		if err := registry.Register(api.NewAPIService(server, logger, apiDeps...)); err != nil {
			return err
		}
	} else {
		logger.Warn("auth.jwt_secret is empty, HTTP API disabled")
	}

	if pending, err := orch.PendingPartials(ctx); err == nil && len(pending) > 0 {
		logger.Warn("Partial failures awaiting resume", "count", len(pending))
	}

	logger.Info("Starting all services", "contract", contract.Hex(), "signer", signer.Address().Hex())
	if err := registry.StartAll(ctx); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	logger.Info("Shutting down gracefully")
	cancel()

	stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := registry.StopAll(stopCtx); err != nil {
		logger.Error("Error during shutdown", "error", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

// loadSigner uses the configured key. Outside production a missing key gets
// a throwaway one so read paths and local runs still start.
func loadSigner(cfg *config.Config, logger *logging.Logger) (*wallet.KeySigner, error) {
	if cfg.Chain.PrivateKey != "" {
		return wallet.NewKeySigner(cfg.Chain.PrivateKey)
	}
	if cfg.Environment == "production" {
		return nil, fmt.Errorf("chain.private_key is required in production")
	}
	s, err := wallet.GenerateKeySigner()
	if err != nil {
		return nil, err
	}
	logger.Warn("chain.private_key is empty, using an ephemeral key", "address", s.Address().Hex())
	return s, nil
}
