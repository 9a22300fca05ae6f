// Package clix holds small helpers shared by the CLI commands.
package clix

import (
	"strings"

	"github.com/spf13/pflag"
	"taxflow/internal/models"
)

type PaginationParams struct {
	Limit  int
	Offset int
}

func ParsePagination(flags *pflag.FlagSet) (PaginationParams, error) {
	limit, _ := flags.GetInt("limit")
	offset, _ := flags.GetInt("offset")
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return PaginationParams{Limit: limit, Offset: offset}, nil
}

// ParseStatuses reads the comma-separated --status flag into job statuses.
func ParseStatuses(flags *pflag.FlagSet) ([]models.JobStatus, error) {
	raw, _ := flags.GetString("status")
	var statuses []models.JobStatus
	if raw != "" {
		for _, s := range strings.Split(raw, ",") {
			trimmed := strings.TrimSpace(s)
			if trimmed != "" {
				statuses = append(statuses, models.JobStatus(trimmed))
			}
		}
	}
	return statuses, nil
}
