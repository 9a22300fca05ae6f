package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Typed task outputs. Task.OutputData is a tagged union keyed by
// Task.TaskKey: each handler produces exactly one of the structs below, so
// downstream consumers never need runtime type inspection of an opaque blob.

// Catalog task keys. The registry package builds its templates from these.
const (
	TaskKeyBookkeepingCheck = "bookkeeping_check"
	TaskKeyRunBookkeeping   = "run_bookkeeping"
	TaskKeyVerifyInputs     = "verify_inputs"
	TaskKeyAnomalyDetection = "anomaly_detection"
	TaskKeyTaxComputation   = "tax_computation"
	TaskKeyPrefillChecklist = "prefill_checklist"
	TaskKeyRiskScoring      = "risk_scoring"
	TaskKeyHumanReview      = "human_review"
	TaskKeySubmission       = "submission"
)

// BookkeepingCheckOutput reports whether the customer's books are current
// enough to file from.
type BookkeepingCheckOutput struct {
	BooksCurrent     bool       `json:"books_current"`
	LastEntryDate    *time.Time `json:"last_entry_date,omitempty"`
	MissingDocuments []string   `json:"missing_documents,omitempty"`
}

// RunBookkeepingOutput summarizes the bookkeeping pass over the period.
type RunBookkeepingOutput struct {
	TransactionsPosted int     `json:"transactions_posted"`
	Revenue            float64 `json:"revenue"`
	Expenses           float64 `json:"expenses"`
}

// VerifyInputsOutput records the input-validation pass.
type VerifyInputsOutput struct {
	Verified bool     `json:"verified"`
	Issues   []string `json:"issues,omitempty"`
}

// AnomalyDetectionOutput lists anomalies found in the period's books.
type AnomalyDetectionOutput struct {
	Flags []string `json:"flags"`
}

// TaxComputationOutput is the computed filing position. The executor copies
// these figures onto the job's financial snapshot.
type TaxComputationOutput struct {
	Revenue       float64 `json:"revenue"`
	Expenses      float64 `json:"expenses"`
	TaxableIncome float64 `json:"taxable_income"`
	TaxLiability  float64 `json:"tax_liability"`
}

// ChecklistItem is one prefilled line of the filing checklist.
type ChecklistItem struct {
	Field  string `json:"field"`
	Value  string `json:"value"`
	Source string `json:"source,omitempty"`
}

// PrefillChecklistOutput is the prefilled filing checklist.
type PrefillChecklistOutput struct {
	Items []ChecklistItem `json:"items"`
}

// RiskScoringOutput carries the external collaborator's risk assessment.
// The executor copies score, category and flags onto the job.
type RiskScoringOutput struct {
	Score        int          `json:"score"`
	Category     RiskCategory `json:"category"`
	AnomalyFlags []string     `json:"anomaly_flags,omitempty"`
}

// HumanReviewOutput records the reviewer's sign-off.
type HumanReviewOutput struct {
	Approved   bool   `json:"approved"`
	ReviewedBy string `json:"reviewed_by"`
	Notes      string `json:"notes,omitempty"`
}

// SubmissionOutput records the filing submission to the tax authority.
type SubmissionOutput struct {
	SubmissionRef string    `json:"submission_ref"`
	SubmittedAt   time.Time `json:"submitted_at"`
	SubmittedBy   string    `json:"submitted_by"`
}

// DecodeOutput unmarshals raw output data into the typed struct for taskKey.
func DecodeOutput(taskKey string, raw json.RawMessage) (any, error) {
	var out any
	switch taskKey {
	case TaskKeyBookkeepingCheck:
		out = &BookkeepingCheckOutput{}
	case TaskKeyRunBookkeeping:
		out = &RunBookkeepingOutput{}
	case TaskKeyVerifyInputs:
		out = &VerifyInputsOutput{}
	case TaskKeyAnomalyDetection:
		out = &AnomalyDetectionOutput{}
	case TaskKeyTaxComputation:
		out = &TaxComputationOutput{}
	case TaskKeyPrefillChecklist:
		out = &PrefillChecklistOutput{}
	case TaskKeyRiskScoring:
		out = &RiskScoringOutput{}
	case TaskKeyHumanReview:
		out = &HumanReviewOutput{}
	case TaskKeySubmission:
		out = &SubmissionOutput{}
	default:
		return nil, fmt.Errorf("unknown task key %q", taskKey)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode %s output: %w", taskKey, err)
	}
	return out, nil
}
