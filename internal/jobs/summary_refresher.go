// Package jobs holds the agent's periodic background jobs.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/barterworks/steam-agent/internal/metrics"
	"github.com/barterworks/steam-agent/internal/relay"
	"github.com/barterworks/steam-agent/pkg/model"
)

// SummaryRefresher periodically triggers the Postgres trade-summary refresh
// and emits an event indicating summary recalculation completion.
type SummaryRefresher struct {
	logger   *zap.Logger
	db       DBExecutor
	sinks    []relay.Sink
	account  string
	interval time.Duration
	stopCh   chan struct{}
}

// DBExecutor defines the minimal subset of pgxpool.Pool needed for execution.
type DBExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// NewSummaryRefresher constructs a background job that runs periodically.
func NewSummaryRefresher(logger *zap.Logger, db DBExecutor, account string, interval time.Duration, sinks ...relay.Sink) *SummaryRefresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SummaryRefresher{
		logger:   logger,
		db:       db,
		sinks:    sinks,
		account:  account,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the summary refresh loop (typically every 24 h).
func (r *SummaryRefresher) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("summary_refresher.started", zap.Duration("interval", r.interval))

	for {
		select {
		case <-ticker.C:
			r.runOnce(ctx)
		case <-r.stopCh:
			r.logger.Info("summary_refresher.stopped (manual stop)")
			return
		case <-ctx.Done():
			r.logger.Info("summary_refresher.stopped (context canceled)")
			return
		}
	}
}

// Stop gracefully halts the refresher.
func (r *SummaryRefresher) Stop() {
	close(r.stopCh)
}

// runOnce executes one refresh cycle.
func (r *SummaryRefresher) runOnce(ctx context.Context) {
	start := time.Now()
	r.logger.Info("summary_refresher.running")

	_, err := r.db.Exec(ctx, `SELECT steam.fn_refresh_trade_summary()`)
	if err != nil {
		r.logger.Error("summary_refresher.refresh_failed", zap.Error(err))
		metrics.IncError("summary_refresher", "refresh_failed")
		return
	}

	// Emit event for downstream analytics systems
	payload, err := json.Marshal(model.SummaryRefreshedEvent{
		Account:     r.account,
		RefreshedAt: time.Now().UTC(),
		Elapsed:     time.Since(start),
	})
	if err == nil {
		env := &model.Envelope{
			ID:            model.NewUUID(),
			CorrelationID: model.NewUUID(),
			Account:       r.account,
			Topic:         "evt.offer.summary.refreshed.v1",
			EventType:     "offer.summary.refreshed",
			Version:       "1.0.0",
			Timestamp:     time.Now().UTC(),
			Payload:       payload,
		}
		for _, sink := range r.sinks {
			if err := sink.Publish(ctx, env); err != nil {
				r.logger.Warn("summary_refresher.publish_failed",
					zap.String("sink", sink.Name()),
					zap.Error(err))
			}
		}
	}

	r.logger.Info("summary_refresher.success",
		zap.Duration("duration", time.Since(start)))
}
