package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/irsalhamdi/course-pay/core/payment/razorpay"
)

// Prober reads the gateway's authoritative record of a payment. Satisfied
// by *razorpay.Client; narrowed to an interface so the decision logic can
// be exercised without a gateway.
type Prober interface {
	FetchPayment(ctx context.Context, paymentID string) (razorpay.Payment, error)
}

// Attempt is the input of one verification call: the identifiers the
// gateway handed to the client callback, plus the local order they should
// resolve. It lives only for the duration of the call.
type Attempt struct {
	OrderID          string `json:"order_id" validate:"required,uuid4"`
	GatewayOrderID   string `json:"razorpay_order_id" validate:"required"`
	GatewayPaymentID string `json:"razorpay_payment_id" validate:"required"`
	Signature        string `json:"razorpay_signature" validate:"required"`
}

type Verdict int

const (
	// Inconclusive is the probe-level outcome when the gateway could not
	// be reached or reports a non-terminal status. Decide always resolves
	// it through the signature fallback, so it never escapes this package.
	Inconclusive Verdict = iota
	VerdictConfirmed
	VerdictFailed
)

func (v Verdict) String() string {
	switch v {
	case VerdictConfirmed:
		return "confirmed"
	case VerdictFailed:
		return "failed"
	}
	return "inconclusive"
}

// Decision is the reconciliation outcome for one attempt, computed before
// any write happens. Reason records what decided it (the gateway status,
// or the signature path). SignatureMismatch marks the one failure mode
// where money may have moved anyway: the caller must keep the payment id
// visible for manual reconciliation.
type Decision struct {
	Verdict           Verdict
	Method            string
	Reason            string
	SignatureMismatch bool
}

func (d Decision) Status() Status {
	if d.Verdict == VerdictConfirmed {
		return Confirmed
	}
	return Failed
}

// Decide reconciles the client-reported payment result against the
// gateway's record. The gateway is authoritative: a captured or failed
// payment decides the order no matter what signature the client supplied.
// Only when the gateway cannot answer, or answers with a non-terminal
// status, does the HMAC signature decide. Decide performs no writes; the
// only errors it returns are configuration faults.
func Decide(ctx context.Context, prober Prober, secret string, att Attempt) (Decision, error) {
	p, err := prober.FetchPayment(ctx, att.GatewayPaymentID)

	switch {
	case err == nil:
		if p.Captured() {
			return Decision{
				Verdict: VerdictConfirmed,
				Method:  p.Method,
				Reason:  fmt.Sprintf("gateway reported status[%s]", p.Status),
			}, nil
		}
		if p.Status == razorpay.StatusFailed {
			return Decision{
				Verdict: VerdictFailed,
				Reason:  fmt.Sprintf("gateway reported status[%s]", p.Status),
			}, nil
		}
		// Non-terminal status, fall through to the signature.

	case errors.Is(err, razorpay.ErrPaymentNotFound):
		return Decision{
			Verdict: VerdictFailed,
			Reason:  "gateway has no record of the payment",
		}, nil

	case errors.Is(err, razorpay.ErrMissingCredentials):
		return Decision{}, err

	case errors.Is(err, razorpay.ErrUnavailable):
		// Fall through to the signature.

	default:
		return Decision{}, fmt.Errorf("probing payment[%s]: %w", att.GatewayPaymentID, err)
	}

	ok, err := razorpay.VerifySignature(secret, att.GatewayOrderID, att.GatewayPaymentID, att.Signature)
	if err != nil {
		return Decision{}, err
	}

	if !ok {
		return Decision{
			Verdict:           VerdictFailed,
			Reason:            "callback signature mismatch",
			SignatureMismatch: true,
		}, nil
	}

	return Decision{
		Verdict: VerdictConfirmed,
		Method:  "razorpay",
		Reason:  "callback signature verified",
	}, nil
}
