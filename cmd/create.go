package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"taxflow/internal/models"
	"taxflow/internal/orchestrator"
)

var (
	createCustomer   string
	createTaxYear    int
	createStart      string
	createEnd        string
	createPeriodType string
	createPriority   string
	createMode       string
)

// createCmd creates a filing job from the CLI.
var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new tax filing job",
	Long: `Creates a filing job for a customer and period. The job materializes
the full task pipeline and is routed into its initial queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		start, err := time.Parse("2006-01-02", createStart)
		if err != nil {
			return fmt.Errorf("invalid --start date %q (want YYYY-MM-DD): %w", createStart, err)
		}
		end, err := time.Parse("2006-01-02", createEnd)
		if err != nil {
			return fmt.Errorf("invalid --end date %q (want YYYY-MM-DD): %w", createEnd, err)
		}

		job, err := appInstance.Orchestrator.CreateJob(cmd.Context(), orchestrator.CreateJobInput{
			CustomerID:       createCustomer,
			TaxYear:          createTaxYear,
			PeriodStart:      start,
			PeriodEnd:        end,
			FilingPeriodType: models.FilingPeriodType(createPeriodType),
			Priority:         models.Priority(createPriority),
			ExecutionMode:    models.ExecutionMode(createMode),
			TriggerType:      models.TriggerManual,
		})
		if err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}

		fmt.Printf("Created job %s (%s)\n", color.GreenString(job.Reference), job.ID)
		fmt.Printf("Customer: %s  Tax year: %d  Queue: %s  Status: %s\n",
			job.CustomerID, job.TaxYear, job.CurrentQueue, job.Status)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(createCmd)

	createCmd.Flags().StringVarP(&createCustomer, "customer", "c", "", "Customer ID (required)")
	createCmd.Flags().IntVarP(&createTaxYear, "year", "y", time.Now().Year(), "Tax year")
	createCmd.Flags().StringVar(&createStart, "start", "", "Period start date, YYYY-MM-DD (required)")
	createCmd.Flags().StringVar(&createEnd, "end", "", "Period end date, YYYY-MM-DD (required)")
	createCmd.Flags().StringVar(&createPeriodType, "period-type", "quarterly", "Filing period type (quarterly, monthly_internal)")
	createCmd.Flags().StringVarP(&createPriority, "priority", "p", "standard", "Priority (low, standard, high, premium, urgent)")
	createCmd.Flags().StringVarP(&createMode, "mode", "m", "ai_orchestrated", "Execution mode (manual, ai_orchestrated, background)")
	createCmd.MarkFlagRequired("customer")
	createCmd.MarkFlagRequired("start")
	createCmd.MarkFlagRequired("end")
}
