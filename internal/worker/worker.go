// Package worker runs the polling loops: claim+parse, field analysis and
// cache/subscription sweeps.
//
// Mutual exclusion between workers lives entirely in the storage layer's
// claim operation; the loops here hold no shared locks and can run in any
// number of processes against the same store.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/solhall/logsift/internal/analyzer"
	"github.com/solhall/logsift/internal/config"
	"github.com/solhall/logsift/internal/facet"
	"github.com/solhall/logsift/internal/livetail"
	"github.com/solhall/logsift/internal/parser"
)

// Pool drives the background loops for one process.
type Pool struct {
	pipeline *parser.Pipeline
	analyzer *analyzer.Analyzer
	facets   *facet.Cache
	matcher  *livetail.Matcher

	cfg     config.WorkerConfig
	tailTTL time.Duration
	logger  *slog.Logger

	wg sync.WaitGroup
}

// New creates a Pool.
func New(pipeline *parser.Pipeline, fieldAnalyzer *analyzer.Analyzer, facets *facet.Cache, matcher *livetail.Matcher, cfg config.WorkerConfig, tailTTL time.Duration, logger *slog.Logger) *Pool {
	return &Pool{
		pipeline: pipeline,
		analyzer: fieldAnalyzer,
		facets:   facets,
		matcher:  matcher,
		cfg:      cfg,
		tailTTL:  tailTTL,
		logger:   logger.With("component", "worker"),
	}
}

// Run starts every loop and blocks until ctx is cancelled and all loops
// have drained. Cancellation stops new claims; a batch already claimed
// finishes parsing first, so no claimed rows are stranded by a clean stop.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.cfg.Count; i++ {
		p.wg.Add(1)
		go p.parseLoop(ctx, i)
	}

	p.wg.Add(2)
	go p.analyzeLoop(ctx)
	go p.sweepLoop(ctx)

	p.wg.Wait()
}

func (p *Pool) parseLoop(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("loop", "parse", "worker", id)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	// In-flight batches run on an uncancelled context so shutdown lets
	// them finish instead of stranding claimed rows mid-parse.
	work := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Debug("parse loop stopped")
			return
		case <-ticker.C:
			for {
				n, err := p.pipeline.ProcessBatch(work, p.cfg.BatchSize)
				if err != nil {
					logger.Error("batch failed", "error", err)
					break
				}
				// A full batch means the queue has backlog;
				// keep draining until a partial batch or stop.
				if n < p.cfg.BatchSize || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

func (p *Pool) analyzeLoop(ctx context.Context) {
	defer p.wg.Done()

	logger := p.logger.With("loop", "analyze")
	ticker := time.NewTicker(p.cfg.AnalyzeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("analyze loop stopped")
			return
		case <-ticker.C:
			if n, err := p.analyzer.AutoPromoteCandidates(context.WithoutCancel(ctx)); err != nil {
				logger.Error("auto-promotion failed", "error", err)
			} else if n > 0 {
				logger.Info("auto-promoted fields", "count", n)
			}
		}
	}
}

func (p *Pool) sweepLoop(ctx context.Context) {
	defer p.wg.Done()

	logger := p.logger.With("loop", "sweep")
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("sweep loop stopped")
			return
		case <-ticker.C:
			work := context.WithoutCancel(ctx)
			if _, err := p.facets.Sweep(work); err != nil {
				logger.Error("cache sweep failed", "error", err)
			}
			if _, err := p.matcher.SweepStale(work, p.tailTTL); err != nil {
				logger.Error("subscription sweep failed", "error", err)
			}
		}
	}
}
