// Package analyzer ranks registry fields for promotion to first-class
// columns.
//
// The analyzer only decides which fields qualify and flips the promoted
// flag; actual column creation belongs to an external migration step.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/solhall/logsift/internal/storage"
	"github.com/solhall/logsift/pkg/models"
)

// Recommendation is one promotion candidate with its ranking inputs.
type Recommendation struct {
	Field *models.Field `json:"field"`

	// Qualified is true when usage exceeds the promotion threshold and
	// the field is not yet promoted.
	Qualified bool `json:"qualified"`
}

// Analyzer evaluates the field registry against the promotion threshold.
type Analyzer struct {
	store     storage.Storage
	threshold int64
	logger    *slog.Logger
}

// New creates an Analyzer with the configured promotion threshold.
func New(store storage.Storage, threshold int64, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		store:     store,
		threshold: threshold,
		logger:    logger.With("component", "analyzer"),
	}
}

// Analyze returns promotion recommendations for every unpromoted field,
// ordered by usage count descending with recency as the tie-break. The
// storage layer returns fields in exactly that order.
func (a *Analyzer) Analyze(ctx context.Context) ([]Recommendation, error) {
	fields, err := a.store.ListFields(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing fields: %w", err)
	}

	recs := make([]Recommendation, 0, len(fields))
	for _, f := range fields {
		if f.Promoted {
			continue
		}
		recs = append(recs, Recommendation{
			Field:     f,
			Qualified: f.UsageCount > a.threshold,
		})
	}
	return recs, nil
}

// AutoPromoteCandidates marks every qualified field promoted and returns
// how many changed. Re-running is safe; already-promoted fields are left
// alone.
func (a *Analyzer) AutoPromoteCandidates(ctx context.Context) (int64, error) {
	recs, err := a.Analyze(ctx)
	if err != nil {
		return 0, err
	}

	var names []string
	for _, r := range recs {
		if r.Qualified {
			names = append(names, r.Field.Name)
		}
	}
	if len(names) == 0 {
		return 0, nil
	}

	n, err := a.store.PromoteFields(ctx, names)
	if err != nil {
		return 0, fmt.Errorf("promoting fields: %w", err)
	}
	if n > 0 {
		a.logger.Info("fields promoted", "count", n, "fields", names)
	}
	return n, nil
}
