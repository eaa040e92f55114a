package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"subsync/internal/external"
	"subsync/internal/types"
)

// ---------------------------------------------------------------------------
// Event parsing
// ---------------------------------------------------------------------------

// Event is a minimal representation of a Stripe webhook event tailored to
// the fields reconciliation routes on. The full stripe.Event type is
// deliberately not imported; a local struct keeps the engine decoupled from
// the SDK and makes test fixtures plain JSON.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Created int64     `json:"created"`
	Data    eventData `json:"data"`
}

type eventData struct {
	Object json.RawMessage `json:"object"`
}

// ParseEvent decodes a verified webhook payload into an Event. Called only
// after signature verification; the payload is trusted provider JSON.
func ParseEvent(payload []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decoding webhook event: %w", err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("webhook event missing id or type")
	}
	return &event, nil
}

// checkoutSessionObj is the slice of a checkout.session.completed data
// object the engine reads.
type checkoutSessionObj struct {
	ID            string            `json:"id"`
	Customer      string            `json:"customer"`
	Mode          string            `json:"mode"`
	PaymentStatus string            `json:"payment_status"`
	PaymentIntent string            `json:"payment_intent"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
	Created       int64             `json:"created"`
}

// subscriptionObj is the slice of a customer.subscription.* data object the
// engine reads.
type subscriptionObj struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	TrialStart         int64             `json:"trial_start"`
	TrialEnd           int64             `json:"trial_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              subItems          `json:"items"`
}

type subItems struct {
	Data []subItem `json:"data"`
}

type subItem struct {
	Price subPrice `json:"price"`
}

type subPrice struct {
	ID string `json:"id"`
}

// invoiceObj is the slice of an invoice.payment_* data object the engine
// reads. Only the owning subscription id matters.
type invoiceObj struct {
	Subscription string `json:"subscription"`
}

// epochToTime converts a provider epoch-second timestamp to a nullable UTC
// time. Stripe sends 0 for absent timestamps.
func epochToTime(epoch int64) *time.Time {
	if epoch == 0 {
		return nil
	}
	t := time.Unix(epoch, 0).UTC()
	return &t
}

// ---------------------------------------------------------------------------
// Reconciler
// ---------------------------------------------------------------------------

// subscriptionStore is the slice of the subscription repository the engine
// needs.
type subscriptionStore interface {
	Upsert(ctx context.Context, sub *types.Subscription) error
	MarkCanceled(ctx context.Context, stripeSubID string, canceledAt time.Time) (bool, error)
	MarkPastDue(ctx context.Context, stripeSubID string) (bool, error)
	RecoverIfPastDue(ctx context.Context, stripeSubID string) (bool, error)
}

// orderStore is the slice of the order repository the engine needs.
type orderStore interface {
	Insert(ctx context.Context, order *types.Order) (bool, error)
}

// mappingStore is the slice of the customer mapping repository the engine
// needs.
type mappingStore interface {
	GetByCustomerID(ctx context.Context, customerID string) (*types.CustomerMapping, error)
	Insert(ctx context.Context, userID, customerID string) (*types.CustomerMapping, error)
}

// customerFetcher fetches the remote customer, used to repair a missing
// local mapping from provider-side metadata.
type customerFetcher interface {
	GetCustomer(ctx context.Context, customerID string) (*external.Customer, error)
}

// Reconciler mirrors provider billing state into local tables. Every
// handler is idempotent: duplicate delivery of any event converges on the
// same stored state, and out-of-order arrival is absorbed by conditional
// transitions rather than version checks.
type Reconciler struct {
	subscriptions subscriptionStore
	orders        orderStore
	mappings      mappingStore
	provider      customerFetcher
	logger        *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(
	subscriptions subscriptionStore,
	orders orderStore,
	mappings mappingStore,
	provider customerFetcher,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		subscriptions: subscriptions,
		orders:        orders,
		mappings:      mappings,
		provider:      provider,
		logger:        logger,
	}
}

// Handle dispatches one webhook event. The HTTP ack has already been sent
// by the time this runs, so errors are for the log and the caller's retry
// accounting only; nothing here reaches the provider.
func (r *Reconciler) Handle(ctx context.Context, event *Event) error {
	logger := r.logger.With("event_id", event.ID, "event_type", event.Type)

	var err error
	switch event.Type {
	case external.EventCheckoutCompleted:
		err = r.handleCheckoutCompleted(ctx, event, logger)
	case external.EventSubscriptionCreated, external.EventSubscriptionUpdated:
		err = r.handleSubscriptionSync(ctx, event, logger)
	case external.EventSubscriptionDeleted:
		err = r.handleSubscriptionDeleted(ctx, event, logger)
	case external.EventInvoicePaymentSucceeded:
		err = r.handleInvoicePaymentSucceeded(ctx, event, logger)
	case external.EventInvoicePaymentFailed:
		err = r.handleInvoicePaymentFailed(ctx, event, logger)
	default:
		logger.Info("ignoring unhandled webhook event type")
		return nil
	}

	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeConsistencyGap {
			// Gap events are dropped, not retried: the provider knows
			// state the local store does not, and redelivery cannot fix
			// that.
			logger.Error("consistency gap: dropping event", "error", err)
			return nil
		}
		return err
	}
	return nil
}

// handleCheckoutCompleted records payment-mode purchases. Subscription-mode
// sessions are a no-op here; the subscription lifecycle events carry the
// full state.
func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, event *Event, logger *slog.Logger) error {
	var session checkoutSessionObj
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return fmt.Errorf("decoding checkout session object: %w", err)
	}

	if session.Mode != string(types.ModePayment) {
		logger.Debug("checkout completed for non-payment mode, deferring to subscription events",
			"mode", session.Mode)
		return nil
	}
	if session.PaymentStatus != "paid" {
		logger.Info("checkout session completed without payment, no order recorded",
			"payment_status", session.PaymentStatus)
		return nil
	}

	order := &types.Order{
		StripeSessionID:       session.ID,
		StripePaymentIntentID: session.PaymentIntent,
		Amount:                session.AmountTotal,
		Currency:              session.Currency,
		Status:                types.OrderStatusPaid,
		Metadata:              session.Metadata,
		PurchasedAt:           time.Unix(event.Created, 0).UTC(),
	}

	if session.Customer != "" {
		mapping, err := r.resolveMapping(ctx, session.Customer, logger)
		if err != nil {
			return err
		}
		order.CustomerMappingID = &mapping.ID
	}

	inserted, err := r.orders.Insert(ctx, order)
	if err != nil {
		return err
	}
	if !inserted {
		logger.Info("order already recorded, duplicate delivery ignored",
			"stripe_session_id", session.ID)
		return nil
	}

	logger.Info("order recorded",
		"stripe_session_id", session.ID,
		"amount", order.Amount,
		"currency", order.Currency)
	return nil
}

// handleSubscriptionSync upserts the local mirror of a subscription from a
// created or updated event. Created and updated share one path: with
// at-least-once, out-of-order delivery the distinction carries no
// information.
func (r *Reconciler) handleSubscriptionSync(ctx context.Context, event *Event, logger *slog.Logger) error {
	var sub subscriptionObj
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return fmt.Errorf("decoding subscription object: %w", err)
	}

	status, err := MapSubscriptionStatus(sub.Status)
	if err != nil {
		return fmt.Errorf("subscription %s: %w", sub.ID, err)
	}

	mapping, err := r.resolveMapping(ctx, sub.Customer, logger)
	if err != nil {
		return err
	}

	var priceID string
	if len(sub.Items.Data) > 0 {
		priceID = sub.Items.Data[0].Price.ID
	}

	record := &types.Subscription{
		CustomerMappingID:    mapping.ID,
		StripeSubscriptionID: sub.ID,
		Status:               status,
		PriceID:              priceID,
		CurrentPeriodStart:   epochToTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:     epochToTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		CanceledAt:           epochToTime(sub.CanceledAt),
		TrialStart:           epochToTime(sub.TrialStart),
		TrialEnd:             epochToTime(sub.TrialEnd),
		Metadata:             sub.Metadata,
	}

	if err := r.subscriptions.Upsert(ctx, record); err != nil {
		return err
	}

	logger.Info("subscription synced",
		"stripe_subscription_id", sub.ID,
		"status", string(status))
	return nil
}

// handleSubscriptionDeleted marks the row canceled. The row survives; the
// subscription history is the point of the mirror.
func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, event *Event, logger *slog.Logger) error {
	var sub subscriptionObj
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return fmt.Errorf("decoding subscription object: %w", err)
	}

	canceledAt := time.Now().UTC()
	if t := epochToTime(sub.CanceledAt); t != nil {
		canceledAt = *t
	}

	updated, err := r.subscriptions.MarkCanceled(ctx, sub.ID, canceledAt)
	if err != nil {
		return err
	}
	if !updated {
		return types.NewAppError(
			types.ErrCodeConsistencyGap,
			fmt.Sprintf("deletion for unknown subscription %s", sub.ID),
			nil,
		)
	}

	logger.Info("subscription canceled", "stripe_subscription_id", sub.ID)
	return nil
}

// handleInvoicePaymentSucceeded recovers a past_due subscription to active.
// Renewal invoices for healthy subscriptions fall through the conditional
// update untouched.
func (r *Reconciler) handleInvoicePaymentSucceeded(ctx context.Context, event *Event, logger *slog.Logger) error {
	subID, err := invoiceSubscriptionID(event)
	if err != nil {
		return err
	}
	if subID == "" {
		logger.Debug("invoice has no subscription, nothing to recover")
		return nil
	}

	recovered, err := r.subscriptions.RecoverIfPastDue(ctx, subID)
	if err != nil {
		return err
	}
	if recovered {
		logger.Info("subscription recovered from past_due", "stripe_subscription_id", subID)
	}
	return nil
}

// handleInvoicePaymentFailed pushes the subscription to past_due.
func (r *Reconciler) handleInvoicePaymentFailed(ctx context.Context, event *Event, logger *slog.Logger) error {
	subID, err := invoiceSubscriptionID(event)
	if err != nil {
		return err
	}
	if subID == "" {
		logger.Debug("failed invoice has no subscription, nothing to mark")
		return nil
	}

	updated, err := r.subscriptions.MarkPastDue(ctx, subID)
	if err != nil {
		return err
	}
	if !updated {
		return types.NewAppError(
			types.ErrCodeConsistencyGap,
			fmt.Sprintf("payment failure for unknown subscription %s", subID),
			nil,
		)
	}

	logger.Warn("subscription marked past_due", "stripe_subscription_id", subID)
	return nil
}

func invoiceSubscriptionID(event *Event) (string, error) {
	var invoice invoiceObj
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return "", fmt.Errorf("decoding invoice object: %w", err)
	}
	return invoice.Subscription, nil
}

// resolveMapping finds the local mapping for a remote customer id. When the
// local row is missing it tries to rebuild it from the remote customer's
// user_id metadata (written at customer creation) before declaring a
// consistency gap.
func (r *Reconciler) resolveMapping(ctx context.Context, customerID string, logger *slog.Logger) (*types.CustomerMapping, error) {
	mapping, err := r.mappings.GetByCustomerID(ctx, customerID)
	if err == nil {
		return mapping, nil
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundMapping {
		return nil, err
	}

	customer, fetchErr := r.provider.GetCustomer(ctx, customerID)
	if fetchErr != nil {
		return nil, types.NewAppError(
			types.ErrCodeConsistencyGap,
			fmt.Sprintf("no local mapping for customer %s and remote lookup failed", customerID),
			fetchErr,
		)
	}

	userID := customer.Metadata["user_id"]
	if userID == "" {
		return nil, types.NewAppError(
			types.ErrCodeConsistencyGap,
			fmt.Sprintf("no local mapping for customer %s and remote customer carries no user_id", customerID),
			nil,
		)
	}

	mapping, insertErr := r.mappings.Insert(ctx, userID, customerID)
	if insertErr != nil {
		if errors.As(insertErr, &appErr) && appErr.Code == types.ErrCodeConflictDuplicate {
			// Another delivery repaired it first.
			return r.mappings.GetByCustomerID(ctx, customerID)
		}
		return nil, insertErr
	}

	logger.Warn("rebuilt missing customer mapping from remote metadata",
		"stripe_customer_id", customerID,
		"user_id", userID)
	return mapping, nil
}
