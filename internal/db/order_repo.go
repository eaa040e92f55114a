package db

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"subsync/internal/types"
)

// OrderRepo records completed one-time-payment checkouts. Orders are
// insert-once: the unique constraint on stripe_session_id makes duplicate
// webhook deliveries no-ops.
type OrderRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewOrderRepo creates a repo backed by the given connection.
func NewOrderRepo(db DBTX, logger *slog.Logger) *OrderRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderRepo{db: db, logger: logger}
}

// Insert records an order. ON CONFLICT DO NOTHING on the checkout-session
// id absorbs duplicate deliveries; inserted=false signals the row already
// existed (treated as success by the reconciler).
func (r *OrderRepo) Insert(ctx context.Context, order *types.Order) (inserted bool, err error) {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO orders (
			id, customer_mapping_id, stripe_session_id, stripe_payment_intent_id,
			amount, currency, status, metadata, purchased_at, created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		 ON CONFLICT (stripe_session_id) DO NOTHING`,
		order.ID, order.CustomerMappingID, order.StripeSessionID, order.StripePaymentIntentID,
		order.Amount, order.Currency, order.Status, order.Metadata, order.PurchasedAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert order", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.InfoContext(ctx, "duplicate order delivery ignored",
			"stripe_session_id", order.StripeSessionID,
		)
		return false, nil
	}

	return true, nil
}
