// Package archive persists settled trade offers into Postgres for long-term
// history. It consumes the same event stream the relay does and upserts one
// row per offer, so repeated observations of the same offer stay idempotent.
package archive

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/barterworks/steam-agent/internal/metrics"
	"github.com/barterworks/steam-agent/internal/tradeoffer"
)

// DB defines the minimal subset of pgxpool.Pool needed for execution.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Writer upserts settled offers into steam.trade_history.
type Writer struct {
	logger  *zap.Logger
	db      DB
	account string
}

// NewWriter constructs a writer for one account's trade history.
func NewWriter(logger *zap.Logger, db DB, account string) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{logger: logger, db: db, account: account}
}

// settled reports whether a state is a final trade outcome. This is the
// outcome sense of final: accepted offers are settled even though the poll
// engine keeps watching them for escrow rollback.
func settled(s tradeoffer.State) bool {
	switch s {
	case tradeoffer.StateAccepted,
		tradeoffer.StateCountered,
		tradeoffer.StateExpired,
		tradeoffer.StateCanceled,
		tradeoffer.StateDeclined,
		tradeoffer.StateInvalidItems,
		tradeoffer.StateCanceledBySecondFactor,
		tradeoffer.StateEscrowRollback:
		return true
	}
	return false
}

// Run consumes events until ctx is canceled or the channel closes. Run it
// on its own goroutine with a channel from Manager.Subscribe.
func (w *Writer) Run(ctx context.Context, events <-chan tradeoffer.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := w.Record(ctx, ev); err != nil {
				metrics.IncError("archive", "upsert_failed")
			}
		}
	}
}

const upsertQuery = `
	INSERT INTO steam.trade_history (
		s_id_offer,
		s_account,
		s_id_partner,
		s_state,
		b_is_ours,
		n_items_given,
		n_items_received,
		s_id_trade,
		dec_value_given,
		dec_value_received,
		s_cancel_reason,
		dt_created,
		dt_updated,
		dt_recorded
	)
	VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
	)
	ON CONFLICT (s_id_offer)
	DO UPDATE SET
		s_state = EXCLUDED.s_state,
		s_id_trade = EXCLUDED.s_id_trade,
		dec_value_given = EXCLUDED.dec_value_given,
		dec_value_received = EXCLUDED.dec_value_received,
		s_cancel_reason = EXCLUDED.s_cancel_reason,
		dt_updated = EXCLUDED.dt_updated,
		dt_recorded = EXCLUDED.dt_recorded;
`

// Record upserts the offer carried by ev if it reached a settled state.
// Events without an offer, with an unsent offer, or with an open state are
// ignored.
func (w *Writer) Record(ctx context.Context, ev tradeoffer.Event) error {
	o := ev.Offer
	if o == nil || o.ID == "" || !settled(o.State) {
		return nil
	}

	partner := ""
	if o.Partner.IsValid() {
		partner = o.Partner.String()
	}

	_, err := w.db.Exec(ctx, upsertQuery,
		o.ID,                        // s_id_offer
		w.account,                   // s_account
		partner,                     // s_id_partner
		o.State.String(),            // s_state
		o.IsOurs,                    // b_is_ours
		len(o.ItemsToGive),          // n_items_given
		len(o.ItemsToReceive),       // n_items_received
		o.TradeID,                   // s_id_trade
		sumEstUSD(o.ItemsToGive),    // dec_value_given
		sumEstUSD(o.ItemsToReceive), // dec_value_received
		string(ev.Reason),           // s_cancel_reason
		o.CreatedAt,                 // dt_created
		o.UpdatedAt,                 // dt_updated
		time.Now().UTC(),            // dt_recorded
	)
	if err != nil {
		w.logger.Error("archive.upsert_failed",
			zap.String("offer_id", o.ID),
			zap.String("state", o.State.String()),
			zap.Error(err),
		)
		return err
	}

	w.logger.Info("archive.offer_recorded",
		zap.String("offer_id", o.ID),
		zap.String("state", o.State.String()),
		zap.String("trade_id", o.TradeID),
	)
	return nil
}

// sumEstUSD totals the estimated value of one side of an offer. Assets
// without a caller-supplied estimate contribute zero.
func sumEstUSD(assets []tradeoffer.Asset) decimal.Decimal {
	total := decimal.Zero
	for _, a := range assets {
		n := a.Amount
		if n <= 0 {
			n = 1
		}
		total = total.Add(a.EstUSD.Mul(decimal.NewFromInt(int64(n))))
	}
	return total
}
