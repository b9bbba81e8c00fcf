package order

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/irsalhamdi/course-pay/api/weberr"
	"github.com/irsalhamdi/course-pay/core/claims"
	"github.com/irsalhamdi/course-pay/core/payment/razorpay"
	"github.com/jmoiron/sqlx"
)

const (
	testUserID  = "c0a80121-7ac0-4e1c-9a1e-5f1e9a2b3c4d"
	testOrderID = "8a2b8e0a-4f4a-4f64-9a4e-3f9a2f1b0c1d"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return sqlx.NewDb(db, "postgres"), mock
}

// newMockGateway serves the payment-status API with a fixed outcome and
// counts how often it is probed.
func newMockGateway(t *testing.T, status int, p razorpay.Payment) (*razorpay.Client, *int32) {
	t.Helper()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/payments/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		atomic.AddInt32(&hits, 1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		json.NewEncoder(w).Encode(p)
	}))
	t.Cleanup(srv.Close)

	return razorpay.New("rzp_test_key", testSecret, srv.URL, time.Second, 0), &hits
}

func verifyRequest(t *testing.T, att Attempt) (context.Context, *httptest.ResponseRecorder, *http.Request) {
	t.Helper()

	body, err := json.Marshal(map[string]string{
		"order_id":            att.OrderID,
		"razorpay_order_id":   att.GatewayOrderID,
		"razorpay_payment_id": att.GatewayPaymentID,
		"razorpay_signature":  att.Signature,
	})
	if err != nil {
		t.Fatalf("marshaling attempt: %v", err)
	}

	r := httptest.NewRequest(http.MethodPost, "/orders/verify", bytes.NewReader(body))
	ctx := claims.Set(context.Background(), claims.Claims{UserID: testUserID, Role: claims.RoleUser})
	return ctx, httptest.NewRecorder(), r
}

func orderRows(status Status) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"order_id", "user_id", "provider_id", "total_amount", "status", "payment_method", "created_at", "updated_at",
	}).AddRow(testOrderID, testUserID, "order_MkW1QvP3T8uZ2a", 49900, string(status), "", now, now)
}

func expectFetchOrder(mock sqlmock.Sqlmock, status Status) {
	mock.ExpectQuery(`SELECT (.+) FROM orders WHERE order_id`).
		WithArgs(testOrderID).
		WillReturnRows(orderRows(status))
}

func expectConfirmTx(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE orders SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT (.+) FROM order_items WHERE order_id`).
		WithArgs(testOrderID).
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "course_id", "price", "created_at"}).
			AddRow(testOrderID, "11111111-2222-4333-8444-555555555555", 49900, time.Now().UTC()))
	mock.ExpectExec(`INSERT INTO enrollments`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM cart_items`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestVerifyGatewayCapturedConfirms(t *testing.T) {
	db, mock := newMockDB(t)
	gw, hits := newMockGateway(t, http.StatusOK, razorpay.Payment{
		ID: "pay_MkW2rFZqLxT9Yb", Status: razorpay.StatusCaptured, Method: "upi",
	})

	expectFetchOrder(mock, Pending)
	expectConfirmTx(mock)

	att := testAttempt(t, false) // garbage signature: the probe decides
	ctx, rec, req := verifyRequest(t, att)

	if err := HandleVerify(db, gw)(ctx, rec, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp VerifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Success || resp.PaymentID != att.GatewayPaymentID || resp.OrderID != testOrderID {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if got := atomic.LoadInt32(hits); got != 1 {
		t.Fatalf("expected exactly one probe, got %d", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyTerminalOrderShortCircuits(t *testing.T) {
	db, mock := newMockDB(t)
	gw, hits := newMockGateway(t, http.StatusOK, razorpay.Payment{Status: razorpay.StatusCaptured})

	expectFetchOrder(mock, Confirmed)

	ctx, rec, req := verifyRequest(t, testAttempt(t, false))

	if err := HandleVerify(db, gw)(ctx, rec, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	if got := atomic.LoadInt32(hits); got != 0 {
		t.Fatalf("terminal order must not be re-probed, got %d probes", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyFailedOrderStaysFailed(t *testing.T) {
	db, mock := newMockDB(t)
	gw, hits := newMockGateway(t, http.StatusOK, razorpay.Payment{Status: razorpay.StatusCaptured})

	expectFetchOrder(mock, Failed)

	// Even a perfectly valid signature cannot resurrect a failed order.
	ctx, rec, req := verifyRequest(t, testAttempt(t, true))

	err := HandleVerify(db, gw)(ctx, rec, req)
	if err == nil {
		t.Fatal("expected an error for a failed order")
	}

	body, code, ok := weberr.Response(err)
	if !ok {
		t.Fatalf("error carries no response: %v", err)
	}
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if resp := body.(*VerifyErrorResponse); resp.PaymentID == "" {
		t.Fatal("failure response must carry the payment id")
	}

	if got := atomic.LoadInt32(hits); got != 0 {
		t.Fatalf("terminal order must not be re-probed, got %d probes", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestVerifySignatureMismatchFailsOrder(t *testing.T) {
	db, mock := newMockDB(t)
	gw, _ := newMockGateway(t, http.StatusServiceUnavailable, razorpay.Payment{})

	expectFetchOrder(mock, Pending)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE orders SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	att := testAttempt(t, false)
	ctx, _, req := verifyRequest(t, att)

	err := HandleVerify(db, gw)(ctx, httptest.NewRecorder(), req)
	if err == nil {
		t.Fatal("expected an error on signature mismatch")
	}

	body, code, ok := weberr.Response(err)
	if !ok {
		t.Fatalf("error carries no response: %v", err)
	}
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}

	resp := body.(*VerifyErrorResponse)
	if resp.PaymentID != att.GatewayPaymentID {
		t.Fatalf("mismatch response must preserve the payment id, got %+v", resp)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyVerifiedButNotRecorded(t *testing.T) {
	db, mock := newMockDB(t)
	gw, _ := newMockGateway(t, http.StatusOK, razorpay.Payment{Status: razorpay.StatusCaptured, Method: "upi"})

	expectFetchOrder(mock, Pending)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE orders SET`).WillReturnError(fmt.Errorf("connection reset"))
	mock.ExpectRollback()

	att := testAttempt(t, false)
	ctx, _, req := verifyRequest(t, att)

	err := HandleVerify(db, gw)(ctx, httptest.NewRecorder(), req)
	if err == nil {
		t.Fatal("expected the verified-but-not-recorded error")
	}

	body, code, ok := weberr.Response(err)
	if !ok {
		t.Fatalf("error carries no response: %v", err)
	}
	if code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}

	resp := body.(*VerifyErrorResponse)
	if !strings.Contains(resp.Error, "not recorded") {
		t.Fatalf("expected a distinct not-recorded error, got %q", resp.Error)
	}
	if resp.PaymentID != att.GatewayPaymentID {
		t.Fatal("not-recorded response must carry the payment id for follow-up")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyConcurrentLoserObservesWinner(t *testing.T) {
	db, mock := newMockDB(t)
	gw, _ := newMockGateway(t, http.StatusOK, razorpay.Payment{Status: razorpay.StatusCaptured, Method: "upi"})

	// The conditional update hits zero rows: another call decided the
	// order between our read and our write. The loser re-reads and
	// reports the winner's outcome.
	expectFetchOrder(mock, Pending)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE orders SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	expectFetchOrder(mock, Confirmed)

	ctx, rec, req := verifyRequest(t, testAttempt(t, false))

	if err := HandleVerify(db, gw)(ctx, rec, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("expected the winner's 200, got %d", rec.Code)
	}

	var resp VerifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("loser must observe the winner's outcome, got %+v", resp)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyMissingSecretIsConfigError(t *testing.T) {
	db, mock := newMockDB(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	gw := razorpay.New("", "", srv.URL, time.Second, 0)

	expectFetchOrder(mock, Pending)

	ctx, _, req := verifyRequest(t, testAttempt(t, true))

	err := HandleVerify(db, gw)(ctx, httptest.NewRecorder(), req)
	if err == nil {
		t.Fatal("expected a configuration error")
	}

	_, code, ok := weberr.Response(err)
	if !ok {
		t.Fatalf("error carries no response: %v", err)
	}
	if code != http.StatusInternalServerError {
		t.Fatalf("configuration faults are 500, got %d", code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyRejectsForeignOrder(t *testing.T) {
	db, mock := newMockDB(t)
	gw, hits := newMockGateway(t, http.StatusOK, razorpay.Payment{Status: razorpay.StatusCaptured})

	expectFetchOrder(mock, Pending)

	att := testAttempt(t, true)
	_, rec, req := verifyRequest(t, att)
	ctx := claims.Set(context.Background(), claims.Claims{UserID: "someone-else", Role: claims.RoleUser})

	err := HandleVerify(db, gw)(ctx, rec, req)
	if err == nil {
		t.Fatal("expected an authorization error")
	}

	_, code, ok := weberr.Response(err)
	if !ok || code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (ok=%v)", code, ok)
	}
	if got := atomic.LoadInt32(hits); got != 0 {
		t.Fatal("foreign orders must not trigger probes")
	}
}

func TestVerifyRejectsMismatchedGatewayOrder(t *testing.T) {
	db, mock := newMockDB(t)
	gw, hits := newMockGateway(t, http.StatusOK, razorpay.Payment{Status: razorpay.StatusCaptured})

	expectFetchOrder(mock, Pending)

	att := testAttempt(t, true)
	att.GatewayOrderID = "order_replayedFromElsewhere"
	sig, err := razorpay.Signature(testSecret, att.GatewayOrderID, att.GatewayPaymentID)
	if err != nil {
		t.Fatal(err)
	}
	att.Signature = sig

	ctx, _, req := verifyRequest(t, att)

	herr := HandleVerify(db, gw)(ctx, httptest.NewRecorder(), req)
	if herr == nil {
		t.Fatal("expected a binding error")
	}

	_, code, ok := weberr.Response(herr)
	if !ok || code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (ok=%v)", code, ok)
	}
	if got := atomic.LoadInt32(hits); got != 0 {
		t.Fatal("a mismatched gateway order must not trigger probes")
	}
}

func TestVerifyMissingFields(t *testing.T) {
	db, _ := newMockDB(t)
	gw, hits := newMockGateway(t, http.StatusOK, razorpay.Payment{Status: razorpay.StatusCaptured})

	body := []byte(`{"order_id": "` + testOrderID + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/orders/verify", bytes.NewReader(body))
	ctx := claims.Set(context.Background(), claims.Claims{UserID: testUserID, Role: claims.RoleUser})

	err := HandleVerify(db, gw)(ctx, httptest.NewRecorder(), req)
	if err == nil {
		t.Fatal("expected a validation error")
	}

	_, code, ok := weberr.Response(err)
	if !ok || code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (ok=%v)", code, ok)
	}
	if got := atomic.LoadInt32(hits); got != 0 {
		t.Fatal("invalid requests must have no side effects")
	}
}
