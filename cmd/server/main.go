package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/escrow-flow/internal/config"
	"github.com/ignatzorin/escrow-flow/internal/db"
	"github.com/ignatzorin/escrow-flow/internal/decompose"
	"github.com/ignatzorin/escrow-flow/internal/domain/repository"
	httpHandlers "github.com/ignatzorin/escrow-flow/internal/http/handlers"
	httpRouter "github.com/ignatzorin/escrow-flow/internal/http/router"
	"github.com/ignatzorin/escrow-flow/internal/jobs"
	"github.com/ignatzorin/escrow-flow/internal/lease"
	"github.com/ignatzorin/escrow-flow/internal/ledger"
	"github.com/ignatzorin/escrow-flow/internal/logger"
	repo "github.com/ignatzorin/escrow-flow/internal/repository"
	"github.com/ignatzorin/escrow-flow/internal/service"
	"github.com/ignatzorin/escrow-flow/internal/storage"
	"github.com/ignatzorin/escrow-flow/internal/workflow"
	"github.com/ignatzorin/escrow-flow/internal/ws"
)

// workflowStore - хранилище процесса вместе с журналом операций реестра.
type workflowStore interface {
	repository.WorkflowStore
	ledger.OperationStore
}

func main() {
	// Готовим контекст для graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: ошибка загрузки конфигурации: %v", err)
	}

	if cfg.Env == "development" {
		logger.Init("debug")
		logger.SetTextFormatter()
	} else {
		logger.Init("info")
	}
	mainLog := logger.WithComponent("main")

	// Хранилище: Postgres или память для локального запуска.
	var (
		store  workflowStore
		dbConn *sqlx.DB
	)
	if cfg.InMemoryStore {
		mainLog.Warn("используется хранилище в памяти, данные не переживут перезапуск")
		store = repo.NewMemoryStore()
	} else {
		dbConn, err = db.NewPostgres(ctx, cfg.DatabaseURL, db.PoolOptions{MaxOpenConns: int(cfg.DBMaxOpenConns)})
		if err != nil {
			log.Fatalf("main: ошибка подключения к базе: %v", err)
		}
		defer safeClose(dbConn)

		if err := db.RunMigrations(ctx, dbConn, cfg.MigrationsPath); err != nil {
			log.Fatalf("main: ошибка миграций: %v", err)
		}
		store = repo.NewWorkflowStore(dbConn)
	}

	// Реестр эскроу.
	var ledgerClient ledger.Client
	if cfg.LedgerURL != "" {
		ledgerClient = ledger.NewHTTPClient(cfg.LedgerURL, cfg.LedgerAPIKey)
	} else {
		mainLog.Warn("LEDGER_URL не задан, используется реестр в памяти")
		ledgerClient = ledger.NewMemoryLedger()
	}
	bridge := ledger.NewBridge(ledgerClient, store, ledger.Options{
		Timeout:     cfg.LedgerTimeout,
		MaxAttempts: cfg.LedgerMaxAttempts,
		Backoff:     cfg.LedgerBackoff,
	})

	blobs, err := storage.NewBlobStorage(cfg.BlobStoragePath, cfg.MaxArtifactMB, cfg.AllowedArtifactTypes)
	if err != nil {
		log.Fatalf("main: не удалось подготовить хранилище артефактов: %v", err)
	}

	hub := ws.NewHub(ctx)
	go hub.Run()

	engine := workflow.NewEngine(store, bridge, lease.NewManager(), workflow.Policy{
		LeaseDuration:           cfg.LeaseDuration,
		AllowReclaimAfterReject: cfg.AllowReclaimAfterReject,
	})
	engine.SetBlobStore(blobs)
	engine.SetPublisher(ws.NewEventPublisher(hub))
	if cfg.AIBaseURL != "" && cfg.AIModel != "" {
		engine.SetGenerator(decompose.NewAIGenerator(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel))
	} else {
		mainLog.Info("AI_BASE_URL не задан, разбиение только по явному списку подзадач")
	}

	// Аренды живут в памяти процесса, восстанавливаем их из хранилища.
	restored, err := engine.RehydrateLeases(ctx)
	if err != nil {
		log.Fatalf("main: не удалось восстановить аренды: %v", err)
	}
	mainLog.Infof("восстановлено аренд: %d", restored)
	if _, err := engine.ReconcileTasks(ctx); err != nil {
		mainLog.WithError(err).Warn("сверка статусов задач при старте не удалась")
	}

	stopJobs := startJobs(ctx, cfg, engine)
	defer stopJobs()

	tokenManager := service.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTL)

	var pinger httpHandlers.Pinger
	if dbConn != nil {
		pinger = dbConn
	}
	router := httpRouter.SetupRouter(cfg, httpRouter.Handlers{
		Task:        httpHandlers.NewTaskHandler(engine),
		Subunit:     httpHandlers.NewSubunitHandler(engine, cfg.MaxArtifactMB),
		Dispute:     httpHandlers.NewDisputeHandler(engine),
		Maintenance: httpHandlers.NewMaintenanceHandler(engine),
		Health:      httpHandlers.NewHealthHandler(pinger),
		WS:          httpHandlers.NewWSHandler(hub, cfg.AllowedOrigins),
	}, tokenManager)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Завершаем сервер при получении сигнала.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			mainLog.WithError(err).Error("ошибка остановки http сервера")
		}
	}()

	mainLog.Infof("HTTP сервер запущен на порту %s", cfg.HTTPPort)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("main: сервер завершился с ошибкой: %v", err)
	}
}

// startJobs запускает периодические проходы: через river при Postgres, иначе тикером.
func startJobs(ctx context.Context, cfg *config.Config, m jobs.Maintainer) func() {
	noop := func() {}
	if !cfg.JobsEnabled {
		return noop
	}
	jobsLog := logger.WithComponent("jobs")

	if cfg.InMemoryStore {
		jobs.StartTicker(ctx, m, cfg.SweepInterval, cfg.ReconcileInterval)
		return noop
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("main: ошибка подключения пула задач: %v", err)
	}
	if err := jobs.Migrate(ctx, pool); err != nil {
		log.Fatalf("main: ошибка миграций очереди задач: %v", err)
	}
	client, err := jobs.NewClient(pool, m, cfg.SweepInterval, cfg.ReconcileInterval)
	if err != nil {
		log.Fatalf("main: ошибка создания клиента задач: %v", err)
	}
	if err := client.Start(ctx); err != nil {
		log.Fatalf("main: ошибка запуска очереди задач: %v", err)
	}
	jobsLog.Info("очередь фоновых задач запущена")

	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Stop(stopCtx); err != nil {
			jobsLog.WithError(err).Warn("ошибка остановки очереди задач")
		}
		pool.Close()
	}
}

// safeClose закрывает соединение с базой.
func safeClose(db *sqlx.DB) {
	if err := db.Close(); err != nil {
		log.Printf("main: ошибка закрытия базы: %v", err)
	}
}
