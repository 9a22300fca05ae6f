package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"taxflow/internal/app"
	"taxflow/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "taxflow",
	Short: "Tax filing job orchestrator",
	Long: `Taxflow orchestrates UAE corporate tax filing jobs: each filing moves
through a fixed pipeline of bookkeeping, verification, computation and
review tasks, dispatched across configurable work queues.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	// PersistentPreRunE initializes the app once and hands it to every
	// subcommand through the command context.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		appInstance, err := app.NewApp(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}

		ctx := context.WithValue(cmd.Context(), appKey, appInstance)
		cmd.SetContext(ctx)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Custom context key type to avoid collisions.
type contextKey string

const appKey contextKey = "app"

// GetAppFromContext retrieves the app instance stored by PersistentPreRunE.
func GetAppFromContext(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application instance not found in context")
	}
	return appInstance, nil
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check store connectivity and other diagnostics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		appInstance, err := GetAppFromContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to get app instance: %w", err)
		}

		fmt.Println("Checking store connectivity...")
		if err := appInstance.Store.Ping(ctx); err != nil {
			return fmt.Errorf("store ping failed: %w", err)
		}
		fmt.Println("Store connection successful.")

		queues, err := appInstance.Store.ListQueues(ctx)
		if err != nil {
			return fmt.Errorf("listing queues failed: %w", err)
		}
		fmt.Printf("%d queues configured.\n", len(queues))
		return nil
	},
}
