// Package app wires configuration, stores, clients and services into one
// App shared by the CLI, the HTTP server and the worker process.
package app

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"taxflow/internal/config"
	"taxflow/internal/executor"
	"taxflow/internal/models"
	"taxflow/internal/orchestrator"
	"taxflow/internal/pool"
	"taxflow/internal/router"
	"taxflow/internal/store"
	"taxflow/internal/store/memory"
	"taxflow/internal/store/primary"
)

type App struct {
	Config *config.Config

	Store     store.Store
	JobClient store.JobClient // nil when Redis is not configured

	Executor     *executor.Executor
	Router       *router.Router
	Pool         *pool.Coordinator
	Orchestrator *orchestrator.Orchestrator
}

func NewApp(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	ctx := context.Background()
	app := &App{Config: cfg}

	if err := app.initStore(ctx); err != nil {
		return nil, err
	}
	if err := app.initJobClient(); err != nil {
		app.cleanupPartialInit()
		return nil, err
	}
	if err := app.ensureDefaultQueues(ctx); err != nil {
		app.cleanupPartialInit()
		return nil, err
	}
	app.initServices()

	log.Info("application initialization complete")
	return app, nil
}

func (a *App) initStore(ctx context.Context) error {
	dsn := a.Config.Database.Primary.DSN
	if dsn == "" {
		log.Warn("no database DSN configured, using in-memory store")
		a.Store = memory.NewStore()
		return nil
	}
	ps, err := primary.NewStore(ctx, dsn)
	if err != nil {
		return fmt.Errorf("init primary store: %w", err)
	}
	a.Store = ps
	return nil
}

func (a *App) initJobClient() error {
	if a.Config.Redis.Address == "" {
		log.Warn("no Redis address configured, queue triggers run inline")
		return nil
	}
	jc, err := store.NewAsynqJobClient(
		a.Config.Redis.Address, a.Config.Redis.Password, a.Config.Redis.DB, a.Store)
	if err != nil {
		return fmt.Errorf("init job client: %w", err)
	}
	a.JobClient = jc
	return nil
}

// ensureDefaultQueues creates the well-known queues on first boot. Existing
// queues keep whatever configuration admins gave them.
func (a *App) ensureDefaultQueues(ctx context.Context) error {
	for _, cfg := range DefaultQueues() {
		if err := a.Store.EnsureQueue(ctx, cfg); err != nil {
			return fmt.Errorf("ensure queue %s: %w", cfg.QueueName, err)
		}
	}
	return nil
}

func (a *App) initServices() {
	cfg := a.Config

	reg := executor.NewRegistry()
	executor.RegisterDefaultHandlers(reg, executor.StubBooksProvider{}, executor.StubScoringClient{})

	a.Executor = executor.New(a.Store, reg, cfg.Orchestrator.MaxTaskRetries)
	a.Router = router.New(a.Store, cfg.Orchestrator.MaxTaskRetries)
	a.Pool = pool.New(a.Store, time.Duration(cfg.Orchestrator.HeartbeatTimeoutSeconds)*time.Second)
	a.Orchestrator = orchestrator.New(a.Store, a.Executor, a.Router, a.Pool, a.JobClient, orchestrator.Options{
		MaxTaskRetries:   cfg.Orchestrator.MaxTaskRetries,
		BatchConcurrency: cfg.Orchestrator.BatchConcurrency,
	})
}

// DefaultQueues is the built-in queue set: AI preparation for automated
// runs, manual for operator-driven jobs, human review for sign-off, urgent
// for expedited filings.
func DefaultQueues() []*models.QueueConfig {
	now := time.Now()
	rate := 30
	risk := 60
	return []*models.QueueConfig{
		{
			QueueName:          models.QueueAIPreparation,
			DisplayName:        "AI Preparation",
			Description:        "Automated filing preparation pipeline",
			IsActive:           true,
			MaxWorkers:         8,
			MaxBatchSize:       20,
			MaxParallelJobs:    10,
			RateLimitPerMinute: &rate,
			PriorityWeight:     5,
			RiskThreshold:      &risk,
			AutoAssign:         true,
			AutoStart:          true,
			Version:            1,
			UpdatedAt:          now,
		},
		{
			QueueName:       models.QueueManual,
			DisplayName:     "Manual Processing",
			Description:     "Operator-driven filing preparation",
			IsActive:        true,
			MaxWorkers:      4,
			MaxBatchSize:    10,
			MaxParallelJobs: 8,
			PriorityWeight:  3,
			Version:         1,
			UpdatedAt:       now,
		},
		{
			QueueName:        models.QueueHumanReview,
			DisplayName:      "Human Review",
			Description:      "Review and approval before submission",
			IsActive:         true,
			MaxWorkers:       6,
			MaxBatchSize:     15,
			MaxParallelJobs:  15,
			PriorityWeight:   8,
			RequiresApproval: true,
			Version:          1,
			UpdatedAt:        now,
		},
		{
			QueueName:       models.QueueUrgent,
			DisplayName:     "Urgent",
			Description:     "Expedited filings close to deadline",
			IsActive:        true,
			MaxWorkers:      4,
			MaxBatchSize:    5,
			MaxParallelJobs: 5,
			PriorityWeight:  10,
			AutoAssign:      true,
			AutoStart:       true,
			Version:         1,
			UpdatedAt:       now,
		},
	}
}

func (a *App) Close() {
	if a.JobClient != nil {
		if err := a.JobClient.Close(); err != nil {
			log.WithError(err).Warn("error closing job client")
		}
	}
	if a.Store != nil {
		a.Store.Close()
	}
}

func (a *App) cleanupPartialInit() {
	a.Close()
}
