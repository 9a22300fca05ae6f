package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"taxflow/internal/app"
	"taxflow/internal/tasks"
	"taxflow/internal/worker"
)

// workerCmd runs the background worker process.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background job worker",
	Long: `Starts the Asynq worker process that consumes run-job triggers, the
periodic queue-processing tick and the stale-worker reaper.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get application context: %w", err)
		}
		defer appInstance.Close()

		if appInstance.Config.Redis.Address == "" {
			return fmt.Errorf("worker requires redis.address to be configured")
		}
		return runWorker(appInstance)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

// runWorker starts the asynq server plus the periodic scheduler and blocks
// until a shutdown signal arrives.
func runWorker(appInstance *app.App) error {
	cfg := appInstance.Config

	redisOpts := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	srv := asynq.NewServer(
		redisOpts,
		asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Queues:      cfg.Worker.Queues,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.WithError(err).WithFields(log.Fields{
					"type":    task.Type(),
					"payload": string(task.Payload()),
				}).Error("asynq task failed")
			}),
		},
	)

	mux := asynq.NewServeMux()
	handlers := worker.NewHandlers(appInstance.Orchestrator, appInstance.Pool)
	handlers.Register(mux)

	scheduler := asynq.NewScheduler(redisOpts, nil)
	tick, err := tasks.NewProcessQueueTask("", cfg.Orchestrator.DefaultQueueLimit)
	if err != nil {
		return err
	}
	if _, err := scheduler.Register(cfg.Orchestrator.ProcessQueuesCron, tick); err != nil {
		return fmt.Errorf("register process-queues schedule: %w", err)
	}
	if _, err := scheduler.Register(cfg.Orchestrator.ReapWorkersCron, tasks.NewReapWorkersTask()); err != nil {
		return fmt.Errorf("register reap-workers schedule: %w", err)
	}

	log.Infof("Starting worker (concurrency: %d, queues: %v)", cfg.Worker.Concurrency, cfg.Worker.Queues)
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start Asynq server: %w", err)
	}
	if err := scheduler.Start(); err != nil {
		srv.Stop()
		srv.Shutdown()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	log.Info("Shutdown signal received. Initiating graceful shutdown...")
	scheduler.Shutdown()
	srv.Stop()
	srv.Shutdown()
	log.Info("Worker shutdown complete.")
	return nil
}
