package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"subsync/internal/types"
)

// CustomerMappingRepo manages the user <-> Stripe customer binding.
//
// Invariants enforced by the schema:
//   - at most one non-soft-deleted mapping per user id (partial unique index)
//   - stripe_customer_id unique among non-deleted mappings
//
// Rows are never hard-deleted; SoftDelete sets deleted_at.
type CustomerMappingRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewCustomerMappingRepo creates a repo backed by the given connection
// (pool or transaction).
func NewCustomerMappingRepo(db DBTX, logger *slog.Logger) *CustomerMappingRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &CustomerMappingRepo{db: db, logger: logger}
}

const customerMappingColumns = `id, user_id, stripe_customer_id, deleted_at, created_at, updated_at`

// GetByUserID returns the non-deleted mapping for the given user.
// Returns a not_found_customer_mapping error when no row exists.
func (r *CustomerMappingRepo) GetByUserID(ctx context.Context, userID string) (*types.CustomerMapping, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+customerMappingColumns+`
		 FROM customer_mappings
		 WHERE user_id = $1 AND deleted_at IS NULL`,
		userID,
	)
	return r.scanMapping(row, "user "+userID)
}

// GetByCustomerID returns the non-deleted mapping for the given Stripe
// customer id. Used by reconciliation to resolve event ownership.
func (r *CustomerMappingRepo) GetByCustomerID(ctx context.Context, customerID string) (*types.CustomerMapping, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+customerMappingColumns+`
		 FROM customer_mappings
		 WHERE stripe_customer_id = $1 AND deleted_at IS NULL`,
		customerID,
	)
	return r.scanMapping(row, "customer "+customerID)
}

// Insert creates a new mapping. A unique violation (concurrent first
// checkout, or an event racing the checkout request) is returned as a
// conflict_duplicate_row error so the caller can re-read the winning row
// and compensate.
func (r *CustomerMappingRepo) Insert(ctx context.Context, userID, customerID string) (*types.CustomerMapping, error) {
	now := time.Now().UTC()
	m := &types.CustomerMapping{
		ID:               uuid.New().String(),
		UserID:           userID,
		StripeCustomerID: customerID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO customer_mappings (id, user_id, stripe_customer_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.UserID, m.StripeCustomerID, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, types.NewAppError(
				types.ErrCodeConflictDuplicate,
				"a customer mapping already exists for this user",
				err,
			)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to insert customer mapping", err)
	}

	return m, nil
}

// SoftDelete marks the mapping as removed without deleting the row.
func (r *CustomerMappingRepo) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE customer_mappings
		 SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to soft-delete customer mapping", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundMapping, "customer mapping not found", nil)
	}
	return nil
}

func (r *CustomerMappingRepo) scanMapping(row pgx.Row, subject string) (*types.CustomerMapping, error) {
	var m types.CustomerMapping
	err := row.Scan(&m.ID, &m.UserID, &m.StripeCustomerID, &m.DeletedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(
				types.ErrCodeNotFoundMapping,
				"no customer mapping for "+subject,
				err,
			)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read customer mapping", err)
	}
	return &m, nil
}
