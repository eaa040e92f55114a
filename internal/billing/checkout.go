package billing

import (
	"context"
	"errors"
	"log/slog"

	"subsync/internal/external"
	"subsync/internal/identity"
	"subsync/internal/types"
)

// trialPeriodDays is attached to every subscription-mode checkout.
const trialPeriodDays = 7

// CheckoutRequest is the validated input for initiating a checkout.
type CheckoutRequest struct {
	PriceID    string
	SuccessURL string
	CancelURL  string
	Mode       types.CheckoutMode
}

// customerStore is the slice of the mapping repository checkout needs.
type customerStore interface {
	GetByUserID(ctx context.Context, userID string) (*types.CustomerMapping, error)
	Insert(ctx context.Context, userID, customerID string) (*types.CustomerMapping, error)
}

// providerClient is the slice of the Stripe client checkout needs.
type providerClient interface {
	CreateCustomer(ctx context.Context, email, userID string) (*external.Customer, error)
	DeleteCustomer(ctx context.Context, customerID string) error
	CreateCheckoutSession(ctx context.Context, p external.CheckoutParams) (*external.CheckoutSession, error)
}

// tokenResolver verifies a bearer token and yields the caller's identity.
type tokenResolver interface {
	Resolve(tokenString string) (*identity.Identity, error)
}

// CheckoutService creates hosted checkout sessions, lazily provisioning
// the Stripe customer and its local mapping on first use.
type CheckoutService struct {
	customers customerStore
	provider  providerClient
	tokens    tokenResolver
	logger    *slog.Logger
}

// NewCheckoutService creates a CheckoutService.
func NewCheckoutService(customers customerStore, provider providerClient, tokens tokenResolver, logger *slog.Logger) *CheckoutService {
	return &CheckoutService{
		customers: customers,
		provider:  provider,
		tokens:    tokens,
		logger:    logger,
	}
}

// CreateSession resolves the caller, finds or creates their Stripe customer,
// and opens a checkout session for the requested price.
func (s *CheckoutService) CreateSession(ctx context.Context, token string, req CheckoutRequest) (*types.CheckoutResult, error) {
	caller, err := s.tokens.Resolve(token)
	if err != nil {
		return nil, err
	}

	if !req.Mode.Valid() {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidMode,
			"mode must be \"subscription\" or \"payment\"",
			nil,
			map[string]any{"mode": string(req.Mode)},
		)
	}

	mapping, err := s.findOrCreateMapping(ctx, caller)
	if err != nil {
		return nil, err
	}

	params := external.CheckoutParams{
		CustomerID: mapping.StripeCustomerID,
		PriceID:    req.PriceID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		Mode:       req.Mode,
	}
	if req.Mode == types.ModeSubscription {
		params.TrialDays = trialPeriodDays
	}

	session, err := s.provider.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, err
	}
	if session.URL == "" {
		// A session without a redirect URL is useless to the browser.
		return nil, types.NewAppError(
			types.ErrCodeUpstreamStripe,
			"Stripe returned a checkout session without a URL",
			nil,
		)
	}

	return &types.CheckoutResult{
		SessionID:        session.ID,
		URL:              session.URL,
		StripeCustomerID: mapping.StripeCustomerID,
	}, nil
}

// findOrCreateMapping returns the caller's customer mapping, creating the
// remote Stripe customer and the local row when neither exists yet.
//
// Creation is remote-first: the Stripe customer is created before the local
// insert, and a failed insert triggers a compensating remote delete so no
// orphan customer accumulates billing state. A concurrent request can win
// the insert race; the loser deletes its own remote customer and adopts
// the winner's row.
func (s *CheckoutService) findOrCreateMapping(ctx context.Context, caller *identity.Identity) (*types.CustomerMapping, error) {
	mapping, err := s.customers.GetByUserID(ctx, caller.UserID)
	if err == nil {
		return mapping, nil
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundMapping {
		return nil, err
	}

	customer, err := s.provider.CreateCustomer(ctx, caller.Email, caller.UserID)
	if err != nil {
		return nil, err
	}

	mapping, insertErr := s.customers.Insert(ctx, caller.UserID, customer.ID)
	if insertErr == nil {
		s.logger.Info("provisioned billing customer",
			"user_id", caller.UserID,
			"stripe_customer_id", customer.ID)
		return mapping, nil
	}

	s.compensateCustomer(ctx, customer.ID, caller.UserID)

	if errors.As(insertErr, &appErr) && appErr.Code == types.ErrCodeConflictDuplicate {
		// Lost the race; the winner's mapping is authoritative.
		winner, readErr := s.customers.GetByUserID(ctx, caller.UserID)
		if readErr != nil {
			return nil, readErr
		}
		return winner, nil
	}

	return nil, insertErr
}

// compensateCustomer deletes a remote customer whose local mapping never
// landed. Failure leaves an orphan on the provider side, which is logged
// loudly for manual cleanup; it cannot corrupt local state.
func (s *CheckoutService) compensateCustomer(ctx context.Context, customerID, userID string) {
	if err := s.provider.DeleteCustomer(ctx, customerID); err != nil {
		s.logger.Error("orphaned Stripe customer: compensating delete failed",
			"stripe_customer_id", customerID,
			"user_id", userID,
			"error", err)
	}
}
