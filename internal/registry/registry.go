// Package registry defines the fixed, ordered catalog of tasks that make up
// a filing job. The catalog is versionless: changing it is a deploy-time
// change, never a runtime operation.
package registry

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"taxflow/internal/models"
)

// TaskTemplate describes one catalog entry. Templates are pure data; a new
// job materializes one Task per template.
type TaskTemplate struct {
	TaskKey              string
	TaskName             string
	TaskOrder            int
	TaskType             models.TaskType
	ExecutedBy           models.ExecutorClass
	RequiresVerification bool
	DependsOn            []string
}

var catalog = []TaskTemplate{
	{
		TaskKey:    models.TaskKeyBookkeepingCheck,
		TaskName:   "Bookkeeping status check",
		TaskOrder:  1,
		TaskType:   models.TaskTypeSequential,
		ExecutedBy: models.ExecutorSystem,
	},
	{
		TaskKey:    models.TaskKeyRunBookkeeping,
		TaskName:   "Run bookkeeping for period",
		TaskOrder:  2,
		TaskType:   models.TaskTypeSequential,
		ExecutedBy: models.ExecutorAI,
		DependsOn:  []string{models.TaskKeyBookkeepingCheck},
	},
	{
		TaskKey:              models.TaskKeyVerifyInputs,
		TaskName:             "Verify filing inputs",
		TaskOrder:            3,
		TaskType:             models.TaskTypeSequential,
		ExecutedBy:           models.ExecutorAI,
		RequiresVerification: true,
		DependsOn:            []string{models.TaskKeyRunBookkeeping},
	},
	{
		TaskKey:    models.TaskKeyAnomalyDetection,
		TaskName:   "Anomaly detection",
		TaskOrder:  4,
		TaskType:   models.TaskTypeParallel,
		ExecutedBy: models.ExecutorAI,
		DependsOn:  []string{models.TaskKeyVerifyInputs},
	},
	{
		TaskKey:    models.TaskKeyTaxComputation,
		TaskName:   "Tax computation",
		TaskOrder:  5,
		TaskType:   models.TaskTypeSequential,
		ExecutedBy: models.ExecutorSystem,
		DependsOn:  []string{models.TaskKeyVerifyInputs},
	},
	{
		TaskKey:    models.TaskKeyPrefillChecklist,
		TaskName:   "Prefill filing checklist",
		TaskOrder:  6,
		TaskType:   models.TaskTypeParallel,
		ExecutedBy: models.ExecutorAI,
		DependsOn:  []string{models.TaskKeyTaxComputation},
	},
	{
		TaskKey:    models.TaskKeyRiskScoring,
		TaskName:   "Risk scoring",
		TaskOrder:  7,
		TaskType:   models.TaskTypeSequential,
		ExecutedBy: models.ExecutorSystem,
		DependsOn:  []string{models.TaskKeyTaxComputation, models.TaskKeyAnomalyDetection},
	},
	{
		TaskKey:              models.TaskKeyHumanReview,
		TaskName:             "Human review",
		TaskOrder:            8,
		TaskType:             models.TaskTypeSequential,
		ExecutedBy:           models.ExecutorHuman,
		RequiresVerification: true,
		DependsOn:            []string{models.TaskKeyRiskScoring, models.TaskKeyPrefillChecklist},
	},
	{
		TaskKey:    models.TaskKeySubmission,
		TaskName:   "Submission to FTA",
		TaskOrder:  9,
		TaskType:   models.TaskTypeSequential,
		ExecutedBy: models.ExecutorHuman,
		DependsOn:  []string{models.TaskKeyHumanReview},
	},
}

func init() {
	if err := validate(catalog); err != nil {
		panic(fmt.Sprintf("registry: invalid task catalog: %v", err))
	}
}

// TasksForNewJob returns the ordered task catalog for a new filing job.
// The returned slice is a copy; callers may not mutate the catalog.
func TasksForNewJob() []TaskTemplate {
	out := make([]TaskTemplate, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the template for a task key, if present.
func Lookup(taskKey string) (TaskTemplate, bool) {
	for _, t := range catalog {
		if t.TaskKey == taskKey {
			return t, true
		}
	}
	return TaskTemplate{}, false
}

// Materialize builds the full pending task set for a newly created job.
func Materialize(jobID uuid.UUID, now time.Time) []*models.Task {
	templates := TasksForNewJob()
	tasks := make([]*models.Task, 0, len(templates))
	for _, tpl := range templates {
		deps := make([]string, len(tpl.DependsOn))
		copy(deps, tpl.DependsOn)
		tasks = append(tasks, &models.Task{
			ID:                   uuid.New(),
			JobID:                jobID,
			TaskKey:              tpl.TaskKey,
			TaskName:             tpl.TaskName,
			TaskOrder:            tpl.TaskOrder,
			TaskType:             tpl.TaskType,
			DependsOn:            deps,
			Status:               models.TaskStatusPending,
			ExecutedBy:           tpl.ExecutedBy,
			RequiresVerification: tpl.RequiresVerification,
			CreatedAt:            now,
			UpdatedAt:            now,
		})
	}
	return tasks
}

// validate checks the catalog for duplicate keys, dangling or forward
// dependencies and cycles. Dependencies must point at lower task_order
// entries, which makes cycles unrepresentable.
func validate(templates []TaskTemplate) error {
	order := make(map[string]int, len(templates))
	for _, t := range templates {
		if _, dup := order[t.TaskKey]; dup {
			return fmt.Errorf("duplicate task key %q", t.TaskKey)
		}
		order[t.TaskKey] = t.TaskOrder
	}
	for _, t := range templates {
		for _, dep := range t.DependsOn {
			depOrder, ok := order[dep]
			if !ok {
				return fmt.Errorf("task %q depends on unknown key %q", t.TaskKey, dep)
			}
			if depOrder >= t.TaskOrder {
				return fmt.Errorf("task %q depends on %q which does not precede it", t.TaskKey, dep)
			}
		}
	}
	return nil
}
