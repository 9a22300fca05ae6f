package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"taxflow/internal/models"
)

// runCmd drives one or more jobs forward from the CLI.
var runCmd = &cobra.Command{
	Use:   "run <job-reference-or-id> [more...]",
	Short: "Run one or more filing jobs until they block or finish",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		ids := make([]uuid.UUID, 0, len(args))
		for _, arg := range args {
			id, err := resolveJobID(cmd, arg)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}

		if len(ids) == 1 {
			if err := appInstance.Orchestrator.RunJob(cmd.Context(), ids[0]); err != nil {
				return fmt.Errorf("run failed: %w", err)
			}
			return printJobOutcome(cmd, ids[0])
		}

		results := appInstance.Orchestrator.RunBatch(cmd.Context(), ids)
		failures := 0
		for _, id := range ids {
			if err := results[id]; err != nil {
				failures++
				fmt.Printf("%s %s: %v\n", color.RedString("FAIL"), id, err)
				continue
			}
			if err := printJobOutcome(cmd, id); err != nil {
				return err
			}
		}
		if failures > 0 {
			return fmt.Errorf("%d of %d jobs failed to run", failures, len(ids))
		}
		return nil
	},
}

func printJobOutcome(cmd *cobra.Command, id uuid.UUID) error {
	appInstance, err := GetAppFromContext(cmd.Context())
	if err != nil {
		return err
	}
	job, err := appInstance.Store.GetJob(cmd.Context(), id)
	if err != nil {
		return err
	}
	status := string(job.Status)
	switch job.Status {
	case models.JobStatusCompleted:
		status = color.GreenString(status)
	case models.JobStatusFailed, models.JobStatusCancelled:
		status = color.RedString(status)
	case models.JobStatusAwaitingReview, models.JobStatusApproved:
		status = color.YellowString(status)
	}
	fmt.Printf("%s: %s (queue %s)\n", job.Reference, status, job.CurrentQueue)
	return nil
}

// resolveJobID accepts either a UUID or a TF- reference.
func resolveJobID(cmd *cobra.Command, arg string) (uuid.UUID, error) {
	if id, err := uuid.Parse(arg); err == nil {
		return id, nil
	}
	appInstance, err := GetAppFromContext(cmd.Context())
	if err != nil {
		return uuid.Nil, err
	}
	job, err := appInstance.Store.GetJobByReference(cmd.Context(), arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("job %q: %w", arg, err)
	}
	return job.ID, nil
}

func init() {
	rootCmd.AddCommand(runCmd)
}
