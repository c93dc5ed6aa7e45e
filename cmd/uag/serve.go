package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/spaceai-governance-kernel/internal/audit"
	"github.com/xela07ax/spaceai-governance-kernel/internal/connectors"
	"github.com/xela07ax/spaceai-governance-kernel/internal/console/handler"
	"github.com/xela07ax/spaceai-governance-kernel/internal/console/server"
	"github.com/xela07ax/spaceai-governance-kernel/internal/console/service"
	"github.com/xela07ax/spaceai-governance-kernel/internal/engine"
	"github.com/xela07ax/spaceai-governance-kernel/internal/infra"
	"github.com/xela07ax/spaceai-governance-kernel/internal/infra/auth"
	"github.com/xela07ax/spaceai-governance-kernel/internal/policy"
	"github.com/xela07ax/spaceai-governance-kernel/internal/repository/postgres"
	"github.com/xela07ax/spaceai-governance-kernel/internal/repository/sqlite"
	"github.com/xela07ax/spaceai-governance-kernel/internal/risk"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kernel with the operator HTTP API and the gRPC gateway",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := infra.LoadConfig(configFile)
	if err != nil {
		return err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин.
	// SIGTERM отменяет его и запускает Graceful Shutdown.
	appCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Инфраструктура и ресурсы
	var (
		db        *sql.DB
		logStore  audit.Store
		agentRepo *postgres.AgentRepo
	)
	switch {
	case cfg.Database.URL != "":
		initCtx, cancel := context.WithTimeout(appCtx, 10*time.Second)
		db, err = postgres.Open(initCtx, cfg.Database.URL)
		if err == nil {
			err = postgres.Migrate(initCtx, db)
		}
		cancel()
		if err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
		defer db.Close()
		logStore = postgres.NewAuditRepo(db)
		agentRepo = postgres.NewAgentRepo(db)
	case cfg.SQLite.Path != "":
		store, err := sqlite.Open(appCtx, cfg.SQLite.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		logStore = store
	default:
		logger.Warn("no audit store configured, the ledger lives in memory only")
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 2. Журнал аудита: память + асинхронная запись пачками
	ledgerOpts := []audit.LedgerOption{audit.WithLogger(logger)}
	var agentFS *audit.AgentFS
	if logStore != nil {
		agentFS = audit.NewAgentFS(logStore, audit.AgentFSConfig{
			BufferSize:    cfg.Engine.AuditBufferSize,
			BatchSize:     cfg.Engine.AuditBatchSize,
			FlushInterval: cfg.Engine.AuditFlushInterval,
		}, logger)
		agentFS.Start()
		defer agentFS.Stop()
		// Вытеснять из памяти можно только то, что уже уходит в хранилище
		ledgerOpts = append(ledgerOpts, audit.WithSink(agentFS), audit.WithRetention(cfg.Engine.AuditRetention))
		go reportBufferFill(appCtx, agentFS, metrics)
	}
	ledger := audit.NewLedger(ledgerOpts...)
	if logStore != nil {
		seq, head, err := logStore.Tail(appCtx)
		if err != nil {
			return fmt.Errorf("audit tail: %w", err)
		}
		ledger.Resume(seq, head)
		logger.Info("audit chain resumed", zap.Int64("sequence", seq))
	}

	// 3. Политики
	var (
		source     policy.Source = policy.FileSource{Path: cfg.Policy.Path}
		policyRepo *postgres.PolicyRepo
	)
	if cfg.Policy.Source == "postgres" {
		policyRepo = postgres.NewPolicyRepo(db)
		source = policyRepo
	}
	registry := policy.NewRegistry(source, logger)
	if err := registry.Refresh(appCtx); err != nil {
		return fmt.Errorf("load policies: %w", err)
	}

	graph, err := cfg.MaskingGraph()
	if err != nil {
		return fmt.Errorf("masking rules: %w", err)
	}

	// 4. Control Plane: диспетчер сигналов и его рассылка
	dispatcher := engine.NewSignalDispatcher(logger)
	if agentRepo != nil {
		dispatcher.OnTransition(persistTransitions(agentRepo, logger))
	}
	bridge := engine.NewSignalBridge(rdb, dispatcher, engine.BridgeKeys{
		SignalChannel: infra.RedisChanSignals,
		PolicyChannel: infra.RedisChanPolicyUpdate,
		TerminatedSet: infra.RedisKeyTerminatedAgents,
		WarmupLock:    infra.GetWarmupLockKey("terminated"),
	}, logger)

	var loadTerminated engine.TerminatedLoader
	if agentRepo != nil {
		loadTerminated = agentRepo.TerminatedAgents
	}
	if err := bridge.Warmup(appCtx, loadTerminated); err != nil {
		return err
	}
	if rdb != nil {
		go bridge.Run(appCtx)
		if cfg.Policy.Source == "postgres" {
			go bridge.RunPolicyUpdates(appCtx, registry.Refresh)
		}
	}

	// 5. Очередь HITL
	reviewOpts := []engine.ReviewOption{}
	if db != nil {
		reviewOpts = append(reviewOpts, engine.WithReviewStore(postgres.NewApprovalRepo(db)))
	}
	reviews := engine.NewReviewQueue(logger, reviewOpts...)
	if err := reviews.Restore(appCtx); err != nil {
		return err
	}
	reviews.Start()
	defer reviews.Stop()

	// 6. Core (Сборка ядра)
	kernelOpts, err := kernelOptions(cfg, logger)
	if err != nil {
		return err
	}
	kernel := engine.NewKernel(registry, ledger, append(kernelOpts,
		engine.WithGraph(graph),
		engine.WithDispatcher(dispatcher),
		engine.WithReviews(reviews),
		engine.WithMetrics(metrics),
	)...)

	// 7. Execution Layer (Исполнение + Надежность)
	executor, closeExec, err := buildExecutor(cfg.Executor)
	if err != nil {
		return err
	}
	defer closeExec()
	safeExecutor := engine.NewReliabilityWrapper(executor, engine.ReliabilityConfig{
		Name:                   cfg.Executor.Kind,
		RatePerSec:             cfg.Executor.RatePerSec,
		Burst:                  cfg.Executor.Burst,
		Attempts:               cfg.Executor.Attempts,
		CallTimeout:            cfg.Executor.CallTimeout,
		MaxConsecutiveFailures: cfg.Executor.CBFailures,
		OpenTimeout:            cfg.Executor.CBTimeout,
	}, metrics, logger)
	gateway := engine.NewGateway(kernel, safeExecutor, logger)

	// 8. Операторский API
	var publisher service.PolicyPublisher
	if policyRepo != nil {
		publisher = policyRepo
	}
	var notifier service.UpdateNotifier
	if rdb != nil {
		notifier = bridge
	}
	auditOpts := []service.AuditOption{}
	if logStore != nil {
		auditOpts = append(auditOpts, service.WithLogStore(logStore))
	}
	if db != nil {
		auditOpts = append(auditOpts, service.WithStatsProvider(postgres.NewAuditRepo(db)))
	}
	if v, ok := logStore.(service.StoreVerifier); ok {
		auditOpts = append(auditOpts, service.WithStoreVerifier(v))
	}

	serverOpts := []server.Option{
		server.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		server.WithReadiness(readiness(agentRepo, rdb)),
	}
	if cfg.Auth.Enabled {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, server.WithValidator(auth.NewBaseValidator(pub, cfg.Auth.Issuer)))
	}
	api := server.NewConsoleServer(logger, server.Handlers{
		Intercept: handler.NewInterceptHandler(kernel, gateway),
		Agents:    handler.NewAgentHandler(service.NewAgentService(kernel, logger)),
		Policies:  handler.NewPolicyHandler(service.NewPolicyService(registry, publisher, notifier, logger)),
		Reviews:   handler.NewApprovalHandler(service.NewReviewService(kernel, logger)),
		Audit:     handler.NewAuditHandler(service.NewAuditService(ledger, auditOpts...)),
	}, serverOpts...)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("operator API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	// gRPC вход шлюза: тот же пайплайн, что и POST /v1/execute
	var grpcSrv *grpc.Server
	if cfg.Server.GRPCPort > 0 {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr())
		if err != nil {
			return fmt.Errorf("failed to listen gRPC: %w", err)
		}
		grpcSrv = grpc.NewServer()
		engine.NewGRPCGatewayServer(gateway).Register(grpcSrv)
		go func() {
			logger.Info("gRPC gateway started", zap.String("addr", lis.Addr().String()))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	// 9. Graceful Shutdown
	select {
	case <-appCtx.Done():
		logger.Info("kernel stopping...")
	case err = <-errCh:
		logger.Error("server failed", zap.Error(err))
	}
	stop()

	// Даем 5 секунд на завершение запросов
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("http shutdown failed", zap.Error(serr))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	// Остальное закрывают defer в обратном порядке: очередь ревью, AgentFS, хранилища
	logger.Info("kernel exited properly")
	return err
}

func kernelOptions(cfg *infra.Config, logger *zap.Logger) ([]engine.Option, error) {
	confCmp, err := risk.ParseComparator(cfg.Engine.ConfidenceComparator)
	if err != nil {
		return nil, err
	}
	driftCmp, err := risk.ParseComparator(cfg.Engine.DriftComparator)
	if err != nil {
		return nil, err
	}
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithConfig(engine.Config{
			RateWindow:           cfg.Engine.RateWindow,
			PerAgentRate:         cfg.Engine.PerAgentRate,
			ConfidenceComparator: confCmp,
			DriftComparator:      driftCmp,
			HistoryLimit:         cfg.Engine.HistoryLimit,
		}),
	}
	if cfg.Engine.HashKey != "" {
		h, err := audit.NewIdentifierHasher([]byte(cfg.Engine.HashKey))
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithHasher(h))
	} else {
		logger.Warn("engine.hash_key is empty, audit subject hashes will not survive a restart")
	}
	return opts, nil
}

func buildExecutor(cfg infra.ExecutorConfig) (engine.ExecutionProvider, func(), error) {
	if cfg.Kind != "grpc" {
		return &connectors.MockSystemsConnector{}, func() {}, nil
	}
	// В реальном проде адрес будет из Service Discovery
	conn, err := grpc.NewClient(cfg.Target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to connector: %w", err)
	}
	return connectors.NewGRPCAdapter(conn, cfg.Method), func() { conn.Close() }, nil
}

// persistTransitions сохраняет состояние агента после сигнала.
// Регистрации и переходы, пришедшие с других инстансов, не пишутся: их сохранил источник.
func persistTransitions(repo *postgres.AgentRepo, logger *zap.Logger) func(engine.Transition) {
	return func(t engine.Transition) {
		if t.Signal == "" || t.Remote {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := repo.UpdateState(ctx, t.AgentID, t.To, t.At); err != nil {
			logger.Error("failed to persist agent state",
				zap.String("agent_id", t.AgentID),
				zap.String("state", string(t.To)),
				zap.Error(err))
		}
	}
}

func readiness(repo *postgres.AgentRepo, rdb *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if repo != nil {
			if err := repo.Ping(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
}

func reportBufferFill(ctx context.Context, fs *audit.AgentFS, m *engine.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.AuditBufferFill.Set(float64(fs.Len()))
		}
	}
}
