package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"taxflow/internal/clix"
	"taxflow/internal/models"
	"taxflow/internal/store"
)

var (
	jobsQueue    string
	jobsStatus   string
	jobsCustomer string
	jobsLimit    int
	jobsOffset   int
)

// jobsCmd lists filing jobs.
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List filing jobs",
	Long:  `Lists filing jobs with their status, queue and priority. Supports filtering by queue, status and customer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		pagination, err := clix.ParsePagination(cmd.Flags())
		if err != nil {
			return err
		}
		statuses, err := clix.ParseStatuses(cmd.Flags())
		if err != nil {
			return err
		}
		filter := store.ListJobsFilter{
			Queue:      jobsQueue,
			CustomerID: jobsCustomer,
			Statuses:   statuses,
			Limit:      pagination.Limit,
			Offset:     pagination.Offset,
		}

		jobs, err := appInstance.Store.ListJobs(cmd.Context(), filter)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Reference", "Customer", "Year", "Status", "Queue", "Priority", "Risk", "Created"})
		table.SetBorder(true)
		table.SetRowLine(false)

		for _, job := range jobs {
			risk := "-"
			if job.RiskScore != nil {
				risk = fmt.Sprintf("%d", *job.RiskScore)
				if job.RiskCategory != nil {
					risk += " (" + string(*job.RiskCategory) + ")"
				}
			}
			table.Append([]string{
				job.Reference,
				job.CustomerID,
				fmt.Sprintf("%d", job.TaxYear),
				colorStatus(job.Status),
				job.CurrentQueue,
				string(job.Priority),
				risk,
				job.CreatedAt.Format(time.RFC3339),
			})
		}
		table.Render()
		fmt.Printf("Displayed %d jobs.\n", len(jobs))
		return nil
	},
}

func colorStatus(s models.JobStatus) string {
	switch s {
	case models.JobStatusCompleted:
		return color.GreenString(string(s))
	case models.JobStatusFailed, models.JobStatusCancelled:
		return color.RedString(string(s))
	case models.JobStatusAwaitingReview, models.JobStatusApproved:
		return color.YellowString(string(s))
	case models.JobStatusProcessing:
		return color.CyanString(string(s))
	}
	return string(s)
}

// showCmd prints the full detail of one job, tasks and history included.
var showCmd = &cobra.Command{
	Use:   "show <job-reference-or-id>",
	Short: "Show one job with its tasks, queue history and audit log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		id, err := resolveJobID(cmd, args[0])
		if err != nil {
			return err
		}
		detail, err := appInstance.Orchestrator.GetJobDetail(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("failed to load job: %w", err)
		}
		job := detail.Job

		fmt.Printf("%s  customer=%s  year=%d  period=%s..%s\n",
			color.New(color.Bold).Sprint(job.Reference), job.CustomerID, job.TaxYear,
			job.PeriodStart.Format("2006-01-02"), job.PeriodEnd.Format("2006-01-02"))
		fmt.Printf("Status: %s  Queue: %s  Priority: %s  Mode: %s\n",
			colorStatus(job.Status), job.CurrentQueue, job.Priority, job.ExecutionMode)
		if job.TaxableIncome != 0 || job.TaxLiability != 0 {
			fmt.Printf("Revenue: %.2f  Expenses: %.2f  Taxable: %.2f  Liability: %.2f AED\n",
				job.Revenue, job.Expenses, job.TaxableIncome, job.TaxLiability)
		}
		if job.LastError != nil {
			fmt.Printf("Last error: %s\n", color.RedString(*job.LastError))
		}

		fmt.Println("\nTasks:")
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"#", "Task", "Type", "By", "Status", "Retries", "Confidence"})
		table.SetBorder(true)
		for _, t := range detail.Tasks {
			conf := "-"
			if t.ConfidenceScore != nil {
				conf = fmt.Sprintf("%.2f", *t.ConfidenceScore)
			}
			table.Append([]string{
				fmt.Sprintf("%d", t.TaskOrder),
				t.TaskKey,
				string(t.TaskType),
				string(t.ExecutedBy),
				string(t.Status),
				fmt.Sprintf("%d", t.RetryCount),
				conf,
			})
		}
		table.Render()

		fmt.Println("\nQueue history:")
		for _, tr := range detail.QueueHistory {
			fmt.Printf("  %s  %s  %s\n", tr.Timestamp.Format(time.RFC3339), tr.Queue, tr.Reason)
		}

		fmt.Println("\nAudit log:")
		for _, e := range detail.AuditLog {
			fmt.Printf("  %s  %-18s %-10s %s\n", e.Timestamp.Format(time.RFC3339), e.Action, e.Actor, e.Details)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(showCmd)

	jobsCmd.Flags().StringVarP(&jobsQueue, "queue", "q", "", "Filter by queue name")
	jobsCmd.Flags().StringVarP(&jobsStatus, "status", "s", "", "Comma-separated list of statuses to filter by")
	jobsCmd.Flags().StringVarP(&jobsCustomer, "customer", "c", "", "Filter by customer ID")
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "l", 50, "Number of jobs to display")
	jobsCmd.Flags().IntVarP(&jobsOffset, "offset", "o", 0, "Number of jobs to skip")
}
