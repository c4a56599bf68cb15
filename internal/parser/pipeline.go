package parser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/solhall/logsift/internal/storage"
	"github.com/solhall/logsift/pkg/models"
)

// Notifier receives the entries produced by one batch. The live tail
// matcher implements it; a nil notifier disables fan-out.
type Notifier interface {
	OnEntriesParsed(ctx context.Context, entries []*models.Entry)
}

// Pipeline drives claim -> parse -> store for one worker.
type Pipeline struct {
	store    storage.Storage
	parser   *Parser
	notifier Notifier
	logger   *slog.Logger
}

// NewPipeline wires a pipeline over the shared store.
func NewPipeline(store storage.Storage, notifier Notifier, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		parser:   New(),
		notifier: notifier,
		logger:   logger.With("component", "parser"),
	}
}

// ProcessBatch claims up to limit raw rows and parses them. It returns the
// number of rows consumed (parsed or skipped as malformed).
//
// A storage error during the claim is logged and reported as an empty batch;
// the scheduler retries on its next tick. A malformed payload is logged and
// skipped: the row was already marked parsed by the claim, which is what
// prevents infinite reprocessing. Errors writing the structured entry are
// returned to the caller; they indicate an integrity problem, not bad input.
func (p *Pipeline) ProcessBatch(ctx context.Context, limit int) (int, error) {
	batch, err := p.store.ClaimBatch(ctx, limit)
	if err != nil {
		p.logger.Error("claim failed", "error", err)
		return 0, nil
	}
	if len(batch) == 0 {
		return 0, nil
	}

	parsed := make([]*models.Entry, 0, len(batch))
	for _, raw := range batch {
		entry, obs, err := p.parser.Parse(raw)
		if err != nil {
			p.logger.Error("unparseable payload", "raw_entry", raw.ID, "error", err)
			continue
		}

		if err := p.store.InsertEntry(ctx, entry); err != nil {
			return len(parsed), fmt.Errorf("storing entry for raw %d: %w", raw.ID, err)
		}

		now := time.Now().UTC()
		for _, o := range obs {
			if err := p.store.UpsertFieldUsage(ctx, o.Name, o.Type, now); err != nil {
				p.logger.Error("field upsert failed", "field", o.Name, "error", err)
			}
		}

		parsed = append(parsed, entry)
	}

	if p.notifier != nil && len(parsed) > 0 {
		p.notifier.OnEntriesParsed(ctx, parsed)
	}

	p.logger.Debug("batch processed", "claimed", len(batch), "parsed", len(parsed))
	return len(batch), nil
}
