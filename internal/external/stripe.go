package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"

	"subsync/internal/types"
)

// stripeAPIBase is the default Stripe API base URL. Overridable in tests
// via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// Stripe webhook event types handled by the reconciliation engine.
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

// Customer is the subset of a Stripe customer object this service reads.
type Customer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

// CheckoutSession is the subset of a Stripe checkout session this service
// reads back after creation.
type CheckoutSession struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Customer string `json:"customer"`
}

// CheckoutParams describes the hosted checkout session to create.
type CheckoutParams struct {
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
	Mode       types.CheckoutMode
	// TrialDays attaches a trial to the subscription-to-be-created.
	// Ignored for payment mode.
	TrialDays int
}

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // test override; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient talks to the Stripe REST API directly through BaseClient,
// inheriting circuit breaking and retries, and keeping testing with
// httptest straightforward.
type StripeClient struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient. The httpClient timeout should be
// around 20 seconds; Stripe calls sit on the synchronous checkout path.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"stripe",
		DefaultRetryPolicy(),
		"subsync/1.0",
	)

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// NewStripeClientWithBase creates a StripeClient over a pre-configured
// BaseClient. Used by tests to control retry and breaker behavior.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// CreateCustomer creates a Stripe customer tagged with the internal user id
// as provider-side metadata, so webhook reconciliation can identify the
// owner even if the local mapping row is missing.
func (s *StripeClient) CreateCustomer(ctx context.Context, email, userID string) (*Customer, error) {
	if err := s.requireKey(); err != nil {
		return nil, err
	}

	params := url.Values{}
	if email != "" {
		params.Set("email", email)
	}
	params.Set("metadata[user_id]", userID)

	resp, err := s.doPost(ctx, "/v1/customers", params)
	if err != nil {
		return nil, s.wrapTransportError("CreateCustomer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateCustomer")
	}

	var customer Customer
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamStripe,
			"failed to decode Stripe customer response",
			err,
		)
	}

	return &customer, nil
}

// DeleteCustomer removes a Stripe customer. Used as the compensating action
// when the local mapping insert fails after remote creation.
func (s *StripeClient) DeleteCustomer(ctx context.Context, customerID string) error {
	if err := s.requireKey(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		s.baseURL+"/v1/customers/"+url.PathEscape(customerID), nil)
	if err != nil {
		return err
	}
	s.setAuthHeaders(req)

	resp, err := s.base.Do(req)
	if err != nil {
		return s.wrapTransportError("DeleteCustomer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "DeleteCustomer")
	}
	return nil
}

// GetCustomer fetches a Stripe customer by id. Reconciliation uses the
// customer's metadata to lazily create a missing local mapping.
func (s *StripeClient) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	if err := s.requireKey(); err != nil {
		return nil, err
	}

	resp, err := s.doGet(ctx, "/v1/customers/"+url.PathEscape(customerID), nil)
	if err != nil {
		return nil, s.wrapTransportError("GetCustomer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetCustomer")
	}

	var customer Customer
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamStripe,
			"failed to decode Stripe customer response",
			err,
		)
	}

	return &customer, nil
}

// CreateCheckoutSession creates a hosted checkout session: one unit of the
// given price, caller-supplied redirect URLs, and for subscription mode a
// trial attached to the subscription-to-be-created.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	if err := s.requireKey(); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("customer", p.CustomerID)
	params.Set("mode", string(p.Mode))
	params.Set("success_url", p.SuccessURL)
	params.Set("cancel_url", p.CancelURL)
	params.Set("line_items[0][price]", p.PriceID)
	params.Set("line_items[0][quantity]", "1")
	if p.Mode == types.ModeSubscription && p.TrialDays > 0 {
		params.Set("subscription_data[trial_period_days]", strconv.Itoa(p.TrialDays))
	}

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return nil, s.wrapTransportError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamStripe,
			"failed to decode Stripe checkout session response",
			err,
		)
	}

	return &session, nil
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// requireKey returns a config_missing_secret error when the secret key was
// never configured. The process starts without it; first use fails with 500.
func (s *StripeClient) requireKey() error {
	if s.secretKey.IsZero() {
		return types.NewAppError(
			types.ErrCodeConfigMissing,
			"STRIPE_SECRET_KEY is not configured",
			nil,
		)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Error handling
// ---------------------------------------------------------------------------

type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// handleErrorResponse reads a Stripe error body and maps it to an AppError.
// BaseClient already converts 429 and 5xx into upstream errors, so only
// non-retryable 4xx responses reach this point.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and the body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with a non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return types.NewAppErrorWithDetails(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, stripeErr.Error.Message),
		nil,
		map[string]any{
			"stripe_code": stripeErr.Error.Code,
			"param":       stripeErr.Error.Param,
		},
	)
}

// wrapTransportError wraps a BaseClient failure with operation context,
// passing through AppErrors that already carry the right code.
func (s *StripeClient) wrapTransportError(operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed", operation),
		err,
	)
}

// ---------------------------------------------------------------------------
// Webhook verification
// ---------------------------------------------------------------------------

// StripeVerifier authenticates inbound webhook payloads using stripe-go's
// signature check (HMAC-SHA256 with timestamp tolerance). Verification MUST
// run against the raw request body; a re-serialized form would desync the
// signature.
type StripeVerifier struct{}

// Verify validates the payload against the Stripe-Signature header and the
// signing secret. Any failure is terminal for the request.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	if err := stripe.ValidatePayload(payload, header, secret); err != nil {
		return types.NewAppError(
			types.ErrCodeSignatureInvalid,
			"webhook signature verification failed",
			err,
		)
	}
	return nil
}
