package external

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"subsync/internal/types"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestStripeClient(t *testing.T, serverURL string) *StripeClient {
	t.Helper()
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-stripe-"+t.Name(),
		RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: 10 * time.Millisecond},
		"subsync-test/1.0",
		WithSleepFunc(noopSleep),
	)
	return NewStripeClientWithBase(base, StripeClientConfig{
		SecretKey: "sk_test_secret",
		BaseURL:   serverURL,
	})
}

func assertAuthHeaders(t *testing.T, r *http.Request) {
	t.Helper()
	if auth := r.Header.Get("Authorization"); auth != "Bearer sk_test_secret" {
		t.Errorf("Authorization = %q, want Bearer sk_test_secret", auth)
	}
	if v := r.Header.Get("Stripe-Version"); v != stripe.APIVersion {
		t.Errorf("Stripe-Version = %q, want %q", v, stripe.APIVersion)
	}
}

// ---------------------------------------------------------------------------
// CreateCustomer
// ---------------------------------------------------------------------------

func TestCreateCustomer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/customers" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		assertAuthHeaders(t, r)

		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("email"); got != "u@example.com" {
			t.Errorf("email = %q", got)
		}
		if got := r.PostForm.Get("metadata[user_id]"); got != "user_1" {
			t.Errorf("metadata[user_id] = %q, want user_1", got)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":       "cus_new",
			"email":    "u@example.com",
			"metadata": map[string]string{"user_id": "user_1"},
		})
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	customer, err := client.CreateCustomer(context.Background(), "u@example.com", "user_1")
	if err != nil {
		t.Fatalf("CreateCustomer error: %v", err)
	}

	if customer.ID != "cus_new" {
		t.Errorf("ID = %q, want cus_new", customer.ID)
	}
	if customer.Metadata["user_id"] != "user_1" {
		t.Errorf("metadata user_id = %q, want user_1", customer.Metadata["user_id"])
	}
}

func TestCreateCustomerMissingKey(t *testing.T) {
	base := NewBaseClient(&http.Client{}, "test-nokey", DefaultRetryPolicy(), "")
	client := NewStripeClientWithBase(base, StripeClientConfig{SecretKey: ""})

	_, err := client.CreateCustomer(context.Background(), "u@example.com", "user_1")
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeConfigMissing {
		t.Errorf("err = %v, want config_missing_secret", err)
	}
}

// ---------------------------------------------------------------------------
// GetCustomer / DeleteCustomer
// ---------------------------------------------------------------------------

func TestGetCustomer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/customers/cus_1" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		assertAuthHeaders(t, r)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":       "cus_1",
			"metadata": map[string]string{"user_id": "user_9"},
		})
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	customer, err := client.GetCustomer(context.Background(), "cus_1")
	if err != nil {
		t.Fatalf("GetCustomer error: %v", err)
	}
	if customer.Metadata["user_id"] != "user_9" {
		t.Errorf("metadata user_id = %q, want user_9", customer.Metadata["user_id"])
	}
}

func TestDeleteCustomer(t *testing.T) {
	var deleted bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/customers/cus_gone" || r.Method != http.MethodDelete {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		deleted = true
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": "cus_gone", "deleted": true})
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	if err := client.DeleteCustomer(context.Background(), "cus_gone"); err != nil {
		t.Fatalf("DeleteCustomer error: %v", err)
	}
	if !deleted {
		t.Error("delete request never reached the server")
	}
}

// ---------------------------------------------------------------------------
// CreateCheckoutSession
// ---------------------------------------------------------------------------

func TestCreateCheckoutSessionSubscription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}

		checks := map[string]string{
			"customer":                             "cus_1",
			"mode":                                 "subscription",
			"success_url":                          "https://app.example.com/ok",
			"cancel_url":                           "https://app.example.com/no",
			"line_items[0][price]":                 "price_abc",
			"line_items[0][quantity]":              "1",
			"subscription_data[trial_period_days]": "7",
		}
		for key, want := range checks {
			if got := r.PostForm.Get(key); got != want {
				t.Errorf("%s = %q, want %q", key, got, want)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":       "cs_1",
			"url":      "https://checkout.stripe.com/c/cs_1",
			"customer": "cus_1",
		})
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	session, err := client.CreateCheckoutSession(context.Background(), CheckoutParams{
		CustomerID: "cus_1",
		PriceID:    "price_abc",
		SuccessURL: "https://app.example.com/ok",
		CancelURL:  "https://app.example.com/no",
		Mode:       types.ModeSubscription,
		TrialDays:  7,
	})
	if err != nil {
		t.Fatalf("CreateCheckoutSession error: %v", err)
	}
	if session.URL != "https://checkout.stripe.com/c/cs_1" {
		t.Errorf("URL = %q", session.URL)
	}
}

// TestCreateCheckoutSessionPaymentOmitsTrial verifies payment mode sends no
// trial parameter even when TrialDays is set.
func TestCreateCheckoutSessionPaymentOmitsTrial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if _, present := r.PostForm["subscription_data[trial_period_days]"]; present {
			t.Error("payment mode must not send a trial parameter")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": "cs_2", "url": "https://checkout.stripe.com/c/cs_2"})
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	_, err := client.CreateCheckoutSession(context.Background(), CheckoutParams{
		CustomerID: "cus_1",
		PriceID:    "price_abc",
		SuccessURL: "https://app.example.com/ok",
		CancelURL:  "https://app.example.com/no",
		Mode:       types.ModePayment,
		TrialDays:  7,
	})
	if err != nil {
		t.Fatalf("CreateCheckoutSession error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

func TestStripeErrorResponseMapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"type":    "card_error",
				"code":    "card_declined",
				"message": "Your card was declined.",
			},
		})
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	_, err := client.CreateCheckoutSession(context.Background(), CheckoutParams{
		CustomerID: "cus_1", PriceID: "price_abc",
		SuccessURL: "https://a.com/s", CancelURL: "https://a.com/c",
		Mode: types.ModePayment,
	})

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("error should be *AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeUpstreamStripe {
		t.Errorf("code = %q, want %q", appErr.Code, types.ErrCodeUpstreamStripe)
	}
	if appErr.Details["stripe_code"] != "card_declined" {
		t.Errorf("stripe_code = %v, want card_declined", appErr.Details["stripe_code"])
	}
}

func TestStripeRateLimitMapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	_, err := client.GetCustomer(context.Background(), "cus_1")

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("error should be *AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeUpstreamRateLimited {
		t.Errorf("code = %q, want %q", appErr.Code, types.ErrCodeUpstreamRateLimited)
	}
}

// ---------------------------------------------------------------------------
// Webhook verification
// ---------------------------------------------------------------------------

// signPayload builds a Stripe-Signature header the way the provider does:
// HMAC-SHA256 over "<timestamp>.<payload>" with the signing secret.
func signPayload(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifierAcceptsValidSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"invoice.payment_failed"}`)
	header := signPayload(payload, "whsec_test", time.Now())

	v := &StripeVerifier{}
	if err := v.Verify(payload, header, "whsec_test"); err != nil {
		t.Fatalf("Verify error: %v", err)
	}
}

func TestVerifierRejectsBadSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"invoice.payment_failed"}`)

	tests := []struct {
		name   string
		header string
		secret string
	}{
		{"wrong secret", signPayload(payload, "whsec_other", time.Now()), "whsec_test"},
		{"empty header", "", "whsec_test"},
		{"garbage header", "t=abc,v1=nothex", "whsec_test"},
		{"stale timestamp", signPayload(payload, "whsec_test", time.Now().Add(-time.Hour)), "whsec_test"},
	}

	v := &StripeVerifier{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(payload, tt.header, tt.secret)
			if err == nil {
				t.Fatal("Verify should fail")
			}
			var appErr *types.AppError
			if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeSignatureInvalid {
				t.Errorf("err = %v, want signature_invalid AppError", err)
			}
		})
	}
}

// TestVerifierRejectsTamperedPayload verifies the body that was signed is
// the body that must be checked.
func TestVerifierTamperedPayload(t *testing.T) {
	payload := []byte(`{"id":"evt_1","amount":100}`)
	header := signPayload(payload, "whsec_test", time.Now())

	tampered := []byte(`{"id":"evt_1","amount":100000}`)
	v := &StripeVerifier{}
	if err := v.Verify(tampered, header, "whsec_test"); err == nil {
		t.Fatal("Verify should reject a tampered payload")
	}
}
