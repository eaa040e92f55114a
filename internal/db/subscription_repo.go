package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"subsync/internal/types"
)

// SubscriptionRepo mirrors Stripe subscription state locally.
//
// The upsert is keyed on stripe_subscription_id, preserving one row per
// distinct subscription a customer has ever had. Conflicting writes
// converge last-write-wins: the database's ON CONFLICT resolution is the
// only concurrency control, matching at-least-once, out-of-order webhook
// delivery.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a repo backed by the given connection.
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

// Upsert inserts or overwrites the row for sub.StripeSubscriptionID.
// Applying the same event twice yields the same stored row (idempotent);
// a stale event applied after a newer one overwrites it (accepted
// last-write-wins limitation).
func (r *SubscriptionRepo) Upsert(ctx context.Context, sub *types.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (
			id, customer_mapping_id, stripe_subscription_id, status, price_id,
			current_period_start, current_period_end, cancel_at_period_end,
			canceled_at, trial_start, trial_end, metadata, created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		 ON CONFLICT (stripe_subscription_id) DO UPDATE SET
			status = EXCLUDED.status,
			price_id = EXCLUDED.price_id,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			canceled_at = EXCLUDED.canceled_at,
			trial_start = EXCLUDED.trial_start,
			trial_end = EXCLUDED.trial_end,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()`,
		sub.ID, sub.CustomerMappingID, sub.StripeSubscriptionID, sub.Status, sub.PriceID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.CanceledAt, sub.TrialStart, sub.TrialEnd, sub.Metadata,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription", err)
	}
	return nil
}

// MarkCanceled transitions the subscription to canceled with the given
// timestamp. The row is kept. Returns found=false when no row matches the
// Stripe subscription id (caller logs the consistency gap).
func (r *SubscriptionRepo) MarkCanceled(ctx context.Context, stripeSubID string, canceledAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $1, canceled_at = $2, updated_at = NOW()
		 WHERE stripe_subscription_id = $3`,
		types.SubStatusCanceled, canceledAt, stripeSubID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to cancel subscription", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkPastDue transitions the subscription to past_due unconditionally.
// Returns found=false when no row matches.
func (r *SubscriptionRepo) MarkPastDue(ctx context.Context, stripeSubID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $1, updated_at = NOW()
		 WHERE stripe_subscription_id = $2`,
		types.SubStatusPastDue, stripeSubID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark subscription past_due", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecoverIfPastDue transitions a past_due subscription back to active.
// The WHERE clause makes the recovery conditional: a renewal invoice for a
// healthy subscription affects zero rows and is a no-op. Returns
// recovered=true only when a past_due row was flipped.
func (r *SubscriptionRepo) RecoverIfPastDue(ctx context.Context, stripeSubID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $1, updated_at = NOW()
		 WHERE stripe_subscription_id = $2 AND status = $3`,
		types.SubStatusActive, stripeSubID, types.SubStatusPastDue,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to recover subscription", err)
	}
	return tag.RowsAffected() > 0, nil
}
