// Package razorpay is a thin client for the parts of the Razorpay REST API
// the checkout flow needs: creating an order and reading back the
// authoritative record of a payment.
package razorpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	// Payment statuses reported by the gateway. Captured and authorized
	// both mean the money moved; everything else is pending or worse.
	StatusCreated    = "created"
	StatusAuthorized = "authorized"
	StatusCaptured   = "captured"
	StatusRefunded   = "refunded"
	StatusFailed     = "failed"
)

var (
	// ErrMissingCredentials reports that the client was built without a
	// key pair. It is a configuration fault, not a payment outcome.
	ErrMissingCredentials = errors.New("razorpay credentials are not configured")

	// ErrPaymentNotFound reports that the gateway has no record of the
	// requested payment id.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrUnavailable reports that the authoritative record could not be
	// obtained at all: network failure, timeout or an unexpected gateway
	// response. Callers fall back to signature verification.
	ErrUnavailable = errors.New("gateway unavailable")
)

// Payment is the gateway's authoritative record of one payment attempt.
type Payment struct {
	ID       string `json:"id"`
	OrderID  string `json:"order_id"`
	Status   string `json:"status"`
	Amount   int    `json:"amount"`
	Currency string `json:"currency"`
	Method   string `json:"method"`
}

// Captured reports whether the gateway considers the funds collected.
// An authorized payment is settled by auto-capture on the gateway side,
// so both states confirm the order.
func (p Payment) Captured() bool {
	return p.Status == StatusCaptured || p.Status == StatusAuthorized
}

// Order is a gateway-side order, created before the client widget opens.
type Order struct {
	ID       string `json:"id"`
	Amount   int    `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type Client struct {
	keyID     string
	keySecret string
	url       string
	retries   int
	http      *http.Client
}

// New builds a client for the gateway at url. Empty credentials are
// allowed at construction and surface as ErrMissingCredentials on use,
// so a misconfigured service fails requests loudly instead of at boot.
func New(keyID, keySecret, url string, timeout time.Duration, retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	return &Client{
		keyID:     keyID,
		keySecret: keySecret,
		url:       url,
		retries:   retries,
		http:      &http.Client{Timeout: timeout},
	}
}

// KeyID returns the public half of the key pair, which the browser widget
// needs to open a checkout for an order.
func (c *Client) KeyID() string { return c.keyID }

// Secret returns the key secret, which doubles as the HMAC key for
// callback signatures.
func (c *Client) Secret() string { return c.keySecret }

// CreateOrder registers an order with the gateway so the client widget can
// collect a payment against it. Amount is in the currency's minor unit.
func (c *Client) CreateOrder(ctx context.Context, amount int, currency string, receipt string) (Order, error) {
	if c.keyID == "" || c.keySecret == "" {
		return Order{}, ErrMissingCredentials
	}

	body := struct {
		Amount   int    `json:"amount"`
		Currency string `json:"currency"`
		Receipt  string `json:"receipt"`
	}{Amount: amount, Currency: currency, Receipt: receipt}

	b, err := json.Marshal(body)
	if err != nil {
		return Order{}, fmt.Errorf("marshaling order request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/orders", bytes.NewReader(b))
	if err != nil {
		return Order{}, fmt.Errorf("building order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return Order{}, fmt.Errorf("creating gateway order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Order{}, fmt.Errorf("creating gateway order: unexpected status %s", resp.Status)
	}

	var ord Order
	if err := json.NewDecoder(resp.Body).Decode(&ord); err != nil {
		return Order{}, fmt.Errorf("decoding gateway order: %w", err)
	}
	return ord, nil
}

// FetchPayment reads the authoritative record of a payment. A transient
// failure is retried a bounded number of times; if no attempt produces a
// definitive answer the error wraps ErrUnavailable so the caller can fall
// back to signature verification. A 404 wraps ErrPaymentNotFound instead:
// the gateway answered, there is simply no such payment.
func (c *Client) FetchPayment(ctx context.Context, paymentID string) (Payment, error) {
	if c.keyID == "" || c.keySecret == "" {
		return Payment{}, ErrMissingCredentials
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			case <-ctx.Done():
				return Payment{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			}
		}

		p, err := c.fetchPayment(ctx, paymentID)
		if err == nil {
			return p, nil
		}
		if errors.Is(err, ErrPaymentNotFound) {
			return Payment{}, err
		}
		lastErr = err
	}

	return Payment{}, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) fetchPayment(ctx context.Context, paymentID string) (Payment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/v1/payments/"+paymentID, nil)
	if err != nil {
		return Payment{}, fmt.Errorf("building payment request: %w", err)
	}
	req.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return Payment{}, fmt.Errorf("fetching payment[%s]: %w", paymentID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return Payment{}, fmt.Errorf("payment[%s]: %w", paymentID, ErrPaymentNotFound)
	default:
		return Payment{}, fmt.Errorf("fetching payment[%s]: unexpected status %s", paymentID, resp.Status)
	}

	var p Payment
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Payment{}, fmt.Errorf("decoding payment[%s]: %w", paymentID, err)
	}
	return p, nil
}
