package executor

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"taxflow/internal/models"
)

// UAE corporate tax parameters: 0% up to the small-business relief
// threshold, 9% on taxable income above it.
const (
	taxFreeThresholdAED = 375_000.0
	corporateTaxRate    = 0.09
)

// ScoringClient is the external risk-scoring collaborator. How scores are
// computed is out of scope here; the orchestrator only consumes the result.
type ScoringClient interface {
	ScoreJob(ctx context.Context, job *models.Job) (*models.RiskScoringOutput, error)
}

// BooksProvider supplies the bookkeeping state for a customer period. The
// production implementation talks to the bookkeeping service; tests and
// local mode use the deterministic stub below.
type BooksProvider interface {
	PeriodBooks(ctx context.Context, customerID string, start, end time.Time) (*models.RunBookkeepingOutput, error)
}

// RegisterDefaultHandlers wires the catalog's automated task keys into the
// registry. human_review and submission have no handler on purpose: they
// are completed through the verification API, never by the executor.
func RegisterDefaultHandlers(reg *Registry, books BooksProvider, scoring ScoringClient) {
	reg.Register(models.TaskKeyBookkeepingCheck, handleBookkeepingCheck(books))
	reg.Register(models.TaskKeyRunBookkeeping, handleRunBookkeeping(books))
	reg.Register(models.TaskKeyVerifyInputs, handleVerifyInputs)
	reg.Register(models.TaskKeyAnomalyDetection, handleAnomalyDetection)
	reg.Register(models.TaskKeyTaxComputation, handleTaxComputation)
	reg.Register(models.TaskKeyPrefillChecklist, handlePrefillChecklist)
	reg.Register(models.TaskKeyRiskScoring, handleRiskScoring(scoring))
}

func handleBookkeepingCheck(books BooksProvider) HandlerFunc {
	return func(ctx context.Context, job *models.Job, task *models.Task) (*models.TaskResult, error) {
		summary, err := books.PeriodBooks(ctx, job.CustomerID, job.PeriodStart, job.PeriodEnd)
		if err != nil {
			return nil, fmt.Errorf("bookkeeping service: %w", err)
		}
		out := &models.BookkeepingCheckOutput{
			BooksCurrent: summary.TransactionsPosted > 0,
		}
		if !out.BooksCurrent {
			out.MissingDocuments = []string{"period transaction ledger"}
			return &models.TaskResult{
				Success: false,
				Output:  out,
				Error:   "no transactions posted for filing period",
			}, nil
		}
		last := job.PeriodEnd
		out.LastEntryDate = &last
		return &models.TaskResult{Success: true, Output: out}, nil
	}
}

func handleRunBookkeeping(books BooksProvider) HandlerFunc {
	return func(ctx context.Context, job *models.Job, task *models.Task) (*models.TaskResult, error) {
		summary, err := books.PeriodBooks(ctx, job.CustomerID, job.PeriodStart, job.PeriodEnd)
		if err != nil {
			return nil, fmt.Errorf("bookkeeping service: %w", err)
		}
		conf := 0.97
		return &models.TaskResult{Success: true, Output: summary, Confidence: &conf}, nil
	}
}

func handleVerifyInputs(ctx context.Context, job *models.Job, task *models.Task) (*models.TaskResult, error) {
	out := &models.VerifyInputsOutput{Verified: true}
	if job.Revenue < 0 || job.Expenses < 0 {
		out.Verified = false
		out.Issues = append(out.Issues, "negative financial figures")
	}
	if job.PeriodEnd.Before(job.PeriodStart) {
		out.Verified = false
		out.Issues = append(out.Issues, "filing period ends before it starts")
	}
	if !out.Verified {
		return &models.TaskResult{Success: false, Output: out, Error: "input verification failed"}, nil
	}
	conf := 0.95
	return &models.TaskResult{Success: true, Output: out, Confidence: &conf}, nil
}

func handleAnomalyDetection(ctx context.Context, job *models.Job, task *models.Task) (*models.TaskResult, error) {
	out := &models.AnomalyDetectionOutput{Flags: []string{}}
	if job.Revenue > 0 && job.Expenses > job.Revenue {
		out.Flags = append(out.Flags, "expenses_exceed_revenue")
	}
	if job.Revenue == 0 {
		out.Flags = append(out.Flags, "zero_revenue_period")
	}
	conf := 0.9
	return &models.TaskResult{Success: true, Output: out, Confidence: &conf, Flags: out.Flags}, nil
}

func handleTaxComputation(ctx context.Context, job *models.Job, task *models.Task) (*models.TaskResult, error) {
	taxable := job.Revenue - job.Expenses
	if taxable < 0 {
		taxable = 0
	}
	liability := 0.0
	if taxable > taxFreeThresholdAED {
		liability = (taxable - taxFreeThresholdAED) * corporateTaxRate
	}
	out := &models.TaxComputationOutput{
		Revenue:       job.Revenue,
		Expenses:      job.Expenses,
		TaxableIncome: taxable,
		TaxLiability:  liability,
	}
	return &models.TaskResult{Success: true, Output: out}, nil
}

func handlePrefillChecklist(ctx context.Context, job *models.Job, task *models.Task) (*models.TaskResult, error) {
	out := &models.PrefillChecklistOutput{
		Items: []models.ChecklistItem{
			{Field: "reference", Value: job.Reference, Source: "orchestrator"},
			{Field: "tax_year", Value: fmt.Sprintf("%d", job.TaxYear), Source: "orchestrator"},
			{Field: "taxable_income", Value: fmt.Sprintf("%.2f", job.TaxableIncome), Source: "tax_computation"},
			{Field: "tax_liability", Value: fmt.Sprintf("%.2f", job.TaxLiability), Source: "tax_computation"},
		},
	}
	conf := 0.93
	return &models.TaskResult{Success: true, Output: out, Confidence: &conf}, nil
}

func handleRiskScoring(scoring ScoringClient) HandlerFunc {
	return func(ctx context.Context, job *models.Job, task *models.Task) (*models.TaskResult, error) {
		out, err := scoring.ScoreJob(ctx, job)
		if err != nil {
			return nil, fmt.Errorf("scoring service: %w", err)
		}
		return &models.TaskResult{Success: true, Output: out, Flags: out.AnomalyFlags}, nil
	}
}

// --- Deterministic stubs for local mode and tests ---

// StubBooksProvider derives a stable period summary from the customer ID so
// local runs behave repeatably without the bookkeeping service.
type StubBooksProvider struct{}

func (StubBooksProvider) PeriodBooks(ctx context.Context, customerID string, start, end time.Time) (*models.RunBookkeepingOutput, error) {
	h := fnv.New32a()
	h.Write([]byte(customerID))
	seed := h.Sum32()
	revenue := 200_000 + float64(seed%900_000)
	return &models.RunBookkeepingOutput{
		TransactionsPosted: int(seed%400) + 20,
		Revenue:            revenue,
		Expenses:           revenue * (0.35 + float64(seed%40)/100),
	}, nil
}

// StubScoringClient is a placeholder for the external scoring collaborator:
// it buckets risk from the anomaly flags and filing size already on the job.
type StubScoringClient struct{}

func (StubScoringClient) ScoreJob(ctx context.Context, job *models.Job) (*models.RiskScoringOutput, error) {
	score := 10
	score += 20 * len(job.AnomalyFlags)
	if job.TaxLiability > 100_000 {
		score += 15
	}
	if score > 100 {
		score = 100
	}
	return &models.RiskScoringOutput{
		Score:        score,
		Category:     models.CategorizeRisk(score),
		AnomalyFlags: job.AnomalyFlags,
	}, nil
}
