// Package storage publishes and reads pipeline snapshots: the monthly usage
// table together with the optional trend model fitted on it.
//
// Every Store replaces the previous snapshot of a dataset atomically, so a
// reader sees either the old snapshot or the new one, never a mix.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HatiCode/voltcast/pkg/aggregate"
	"github.com/HatiCode/voltcast/pkg/models"
)

// Snapshot is the output of one pipeline run.
type Snapshot struct {
	Dataset     string            `json:"dataset"`
	RunID       string            `json:"run_id"`
	GeneratedAt time.Time         `json:"generated_at"`
	Months      []aggregate.Month `json:"months"`

	// Trend is nil when the table had too few rows to fit one.
	Trend *models.TrendModel `json:"trend,omitempty"`
}

type Store interface {
	Put(ctx context.Context, snapshot Snapshot) error
	GetLatest(ctx context.Context, dataset string) (Snapshot, bool, error)
}

// ValidateDataset rejects dataset names that are unsafe as keys or path
// segments.
func ValidateDataset(name string) error {
	if name == "" {
		return errors.New("dataset name required")
	}
	for _, c := range name {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_') {
			return fmt.Errorf("invalid dataset name %q: only alphanumeric, hyphens, and underscores allowed", name)
		}
	}
	return nil
}
