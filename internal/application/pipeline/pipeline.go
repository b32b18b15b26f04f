// Package pipeline fans book updates out to a fixed worker pool.
//
// Each market is pinned to one worker by hash, so updates of one market are
// processed in order while different markets run in parallel. A worker runs
// store update → detection → tracking → cooldown → execution.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/alejandrodnm/polyarb/internal/application/bookstore"
	"github.com/alejandrodnm/polyarb/internal/application/detector"
	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/alejandrodnm/polyarb/internal/metrics"
)

const workerQueue = 64

// Executor submits admitted opportunities.
type Executor interface {
	Execute(ctx context.Context, opp domain.Opportunity) ([]domain.Order, error)
}

// OpportunityLog keeps the history of detected opportunities.
type OpportunityLog interface {
	SaveOpportunity(ctx context.Context, opp domain.Opportunity) error
}

// Pipeline wires the decision path for every market.
type Pipeline struct {
	store    *bookstore.Store
	detector *detector.Detector
	tracker  *detector.Tracker
	throttle *detector.Throttle
	exec     Executor
	journal  OpportunityLog
	workers  int
	now      func() time.Time
}

// New crea el pipeline. Si workers <= 0 usa runtime.NumCPU() × 2.
// journal puede ser nil: entonces no se guarda el historial de oportunidades.
func New(
	store *bookstore.Store,
	det *detector.Detector,
	tracker *detector.Tracker,
	throttle *detector.Throttle,
	exec Executor,
	journal OpportunityLog,
	workers int,
) *Pipeline {
	if workers <= 0 {
		workers = runtime.NumCPU() * 2
	}
	return &Pipeline{
		store:    store,
		detector: det,
		tracker:  tracker,
		throttle: throttle,
		exec:     exec,
		journal:  journal,
		workers:  workers,
		now:      time.Now,
	}
}

// Run consumes snapshots until ctx is cancelled or in is closed, then waits
// for in-flight work to finish.
func (p *Pipeline) Run(ctx context.Context, in <-chan domain.BookSnapshot) {
	queues := make([]chan domain.BookSnapshot, p.workers)

	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan domain.BookSnapshot, workerQueue)
		wg.Add(1)
		go func(q <-chan domain.BookSnapshot) {
			defer wg.Done()
			for snap := range q {
				p.Process(ctx, snap)
			}
		}(queues[i])
	}

	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
		slog.Debug("pipeline: stopped", "workers", p.workers)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-in:
			if !ok {
				return
			}
			select {
			case queues[p.shard(snap.MarketID)] <- snap:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) shard(marketID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(marketID))
	return int(h.Sum32() % uint32(p.workers))
}

// Process runs one snapshot through the decision path.
func (p *Pipeline) Process(ctx context.Context, snap domain.BookSnapshot) {
	if !p.store.Update(snap) {
		metrics.BookUpdates.WithLabelValues("stale").Inc()
		return
	}
	metrics.BookUpdates.WithLabelValues("accepted").Inc()

	opps := p.detector.Detect(snap.MarketID)
	p.tracker.Observe(snap.MarketID, opps, p.now())

	for _, opp := range opps {
		metrics.OpportunitiesDetected.WithLabelValues(opp.Kind.String()).Inc()
		if p.journal != nil {
			if err := p.journal.SaveOpportunity(ctx, opp); err != nil {
				slog.Warn("pipeline: opportunity log failed", "id", opp.ID, "err", err)
			}
		}
		if !p.throttle.Allow(opp) {
			metrics.OpportunitiesThrottled.WithLabelValues(opp.Kind.String()).Inc()
			continue
		}

		slog.Info("pipeline: opportunity",
			"kind", opp.Kind,
			"market", opp.MarketID,
			"edge", fmt.Sprintf("%.4f", opp.Edge),
			"size", fmt.Sprintf("%.2f", opp.Size),
			"seq", opp.SourceSeq,
		)
		if _, err := p.exec.Execute(ctx, opp); err != nil {
			logExecError(opp, err)
		}
	}
}

// logExecError clasifica el error: staleness y riesgo son rutina, el resto no.
func logExecError(opp domain.Opportunity, err error) {
	var (
		stale *domain.StaleDataError
		risk  *domain.RiskRejectedError
	)
	switch {
	case errors.As(err, &stale):
		slog.Debug("pipeline: stale opportunity dropped", "market", opp.MarketID, "err", err)
	case errors.Is(err, domain.ErrKillSwitchTripped):
		slog.Debug("pipeline: halted by kill switch", "market", opp.MarketID)
	case errors.As(err, &risk):
		slog.Info("pipeline: risk rejected", "market", opp.MarketID, "limit", risk.Limit)
	default:
		slog.Warn("pipeline: execution failed", "market", opp.MarketID, "kind", opp.Kind, "err", err)
	}
}
