package razorpay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newTestClient(url string, retries int) *Client {
	return New("rzp_test_key", "test-secret", url, time.Second, retries)
}

func TestFetchPayment(t *testing.T) {
	want := Payment{
		ID:       "pay_123",
		OrderID:  "order_123",
		Status:   StatusCaptured,
		Amount:   49900,
		Currency: "INR",
		Method:   "upi",
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payments/pay_123" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "rzp_test_key" || pass != "test-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL, 0).FetchPayment(context.Background(), "pay_123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("payment mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchPaymentNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 2).FetchPayment(context.Background(), "pay_missing")
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatal("not-found must be distinct from unavailable")
	}
}

func TestFetchPaymentUnavailable(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 2).FetchPayment(context.Background(), "pay_123")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestFetchPaymentRetriesTransientFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(Payment{ID: "pay_123", Status: StatusCaptured})
	}))
	defer srv.Close()

	p, err := newTestClient(srv.URL, 2).FetchPayment(context.Background(), "pay_123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Status != StatusCaptured {
		t.Fatalf("expected captured, got %s", p.Status)
	}
}

func TestFetchPaymentTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New("rzp_test_key", "test-secret", srv.URL, 20*time.Millisecond, 0)
	_, err := c.FetchPayment(context.Background(), "pay_123")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on timeout, got %v", err)
	}
}

func TestFetchPaymentMissingCredentials(t *testing.T) {
	c := New("", "", "http://localhost:1", time.Second, 0)
	_, err := c.FetchPayment(context.Background(), "pay_123")
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestCreateOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/orders" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		var in struct {
			Amount   int    `json:"amount"`
			Currency string `json:"currency"`
			Receipt  string `json:"receipt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		json.NewEncoder(w).Encode(Order{
			ID:       "order_123",
			Amount:   in.Amount,
			Currency: in.Currency,
			Receipt:  in.Receipt,
			Status:   "created",
		})
	}))
	defer srv.Close()

	ord, err := newTestClient(srv.URL, 0).CreateOrder(context.Background(), 49900, "INR", "rcpt_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := Order{ID: "order_123", Amount: 49900, Currency: "INR", Receipt: "rcpt_1", Status: "created"}
	if diff := cmp.Diff(want, ord); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestCaptured(t *testing.T) {
	for status, want := range map[string]bool{
		StatusCaptured:   true,
		StatusAuthorized: true,
		StatusCreated:    false,
		StatusFailed:     false,
		StatusRefunded:   false,
	} {
		if got := (Payment{Status: status}).Captured(); got != want {
			t.Fatalf("Captured() for %s: got %v, want %v", status, got, want)
		}
	}
}
