package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"taxflow/internal/models"
)

// queuesCmd shows the configured queues and their live stats.
var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Show queue configuration and live statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		stats, err := appInstance.Orchestrator.GetAllQueueStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to load queue stats: %w", err)
		}
		if len(stats) == 0 {
			fmt.Println("No queues configured.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Queue", "State", "Queued", "Processing", "Awaiting", "Done", "Failed", "Workers (idle/busy)", "Disp/min", "Last dispatch"})
		table.SetBorder(true)

		for _, st := range stats {
			state := color.GreenString("active")
			if !st.Queue.IsActive {
				state = color.RedString("inactive")
			} else if st.Queue.IsPaused {
				state = color.YellowString("paused")
			}
			last := "-"
			if st.LastDispatchAt != nil {
				last = st.LastDispatchAt.Format(time.RFC3339)
			}
			table.Append([]string{
				st.Queue.QueueName,
				state,
				fmt.Sprintf("%d", st.JobsByStatus[models.JobStatusQueued]),
				fmt.Sprintf("%d", st.JobsByStatus[models.JobStatusProcessing]),
				fmt.Sprintf("%d", st.JobsByStatus[models.JobStatusAwaitingReview]),
				fmt.Sprintf("%d", st.JobsByStatus[models.JobStatusCompleted]),
				fmt.Sprintf("%d", st.JobsByStatus[models.JobStatusFailed]),
				fmt.Sprintf("%d/%d", st.WorkersIdle, st.WorkersBusy),
				fmt.Sprintf("%d", st.DispatchesLastM),
				last,
			})
		}
		table.Render()
		return nil
	},
}

var processLimit int

// processCmd runs one processing pass over a queue.
var processCmd = &cobra.Command{
	Use:   "process <queue>",
	Short: "Dispatch eligible jobs from a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		n, err := appInstance.Orchestrator.ProcessQueue(cmd.Context(), args[0], processLimit)
		if err != nil {
			return fmt.Errorf("failed to process queue: %w", err)
		}
		fmt.Printf("Dispatched %d jobs from %s.\n", n, args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queuesCmd)
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().IntVarP(&processLimit, "limit", "l", 0, "Maximum jobs to dispatch (0 = queue batch size)")
}
