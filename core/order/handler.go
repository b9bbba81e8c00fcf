package order

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/irsalhamdi/course-pay/api/web"
	"github.com/irsalhamdi/course-pay/api/weberr"
	"github.com/irsalhamdi/course-pay/core/cart"
	"github.com/irsalhamdi/course-pay/core/claims"
	"github.com/irsalhamdi/course-pay/core/course"
	"github.com/irsalhamdi/course-pay/core/enrollment"
	"github.com/irsalhamdi/course-pay/core/payment/razorpay"
	"github.com/irsalhamdi/course-pay/database"
	"github.com/irsalhamdi/course-pay/random"
	"github.com/irsalhamdi/course-pay/validate"
	"github.com/jmoiron/sqlx"
)

type CheckoutNew struct {
	Amount   int    `json:"amount" validate:"required,gt=0"`
	Currency string `json:"currency" validate:"omitempty,len=3"`
}

// CheckoutResponse carries what the browser payment widget needs to open:
// the gateway order, the public key id, and the local order to verify
// against once the widget calls back.
type CheckoutResponse struct {
	OrderID      string `json:"order_id"`
	Amount       int    `json:"amount"`
	Currency     string `json:"currency"`
	KeyID        string `json:"key_id"`
	LocalOrderID string `json:"local_order_id"`
}

type VerifyResponse struct {
	Success   bool   `json:"success"`
	PaymentID string `json:"payment_id"`
	OrderID   string `json:"order_id"`
	Message   string `json:"message"`
}

// VerifyErrorResponse always carries the payment id on the failure path:
// money may have moved even when verification could not confirm it, and
// the user needs the id to escalate.
type VerifyErrorResponse struct {
	Error     string `json:"error"`
	PaymentID string `json:"payment_id,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
}

func HandleCheckout(db *sqlx.DB, gw *razorpay.Client) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		clm, err := claims.Get(ctx)
		if err != nil {
			return weberr.NotAuthorized(errors.New("user not authenticated"))
		}

		var in CheckoutNew
		if err := web.Decode(w, r, &in); err != nil {
			return weberr.BadRequest(err)
		}

		if err := validate.Check(in); err != nil {
			return weberr.NewError(err, err.Error(), http.StatusBadRequest)
		}

		if in.Currency == "" {
			in.Currency = "INR"
		}

		items, err := cart.FetchItems(ctx, db, clm.UserID)
		if err != nil {
			return fmt.Errorf("fetching cart items: %w", err)
		}

		if len(items) == 0 {
			err := errors.New("no items to checkout")
			return weberr.NewError(err, err.Error(), http.StatusUnprocessableEntity)
		}

		courses := make([]course.Course, 0, len(items))
		for _, it := range items {
			c, err := course.Fetch(ctx, db, it.CourseID)
			if err != nil {
				return fmt.Errorf("fetching course[%s]: %w", it.CourseID, err)
			}
			courses = append(courses, c)
		}

		gwOrd, err := gw.CreateOrder(ctx, in.Amount, in.Currency, "rcpt_"+random.String(14))
		if err != nil {
			if errors.Is(err, razorpay.ErrMissingCredentials) {
				return weberr.NewError(err, "payment gateway is not configured", http.StatusInternalServerError)
			}
			return fmt.Errorf("creating gateway order: %w", err)
		}

		ord := Order{
			ID:          validate.GenerateID(),
			UserID:      clm.UserID,
			ProviderID:  gwOrd.ID,
			TotalAmount: in.Amount,
			Status:      Pending,
		}

		if err := prepare(ctx, db, ord, courses); err != nil {
			return fmt.Errorf("creating the order on the database: %w", err)
		}

		resp := CheckoutResponse{
			OrderID:      gwOrd.ID,
			Amount:       gwOrd.Amount,
			Currency:     gwOrd.Currency,
			KeyID:        gw.KeyID(),
			LocalOrderID: ord.ID,
		}
		return web.Respond(ctx, w, resp, http.StatusOK)
	}
}

// prepare persists the pending order bound to a gateway order, together
// with a snapshot of the cart as its items.
func prepare(ctx context.Context, db *sqlx.DB, ord Order, courses []course.Course) error {
	err := database.Transaction(db, func(tx sqlx.ExtContext) error {
		now := time.Now().UTC()
		ord.CreatedAt = now
		ord.UpdatedAt = now

		if err := Create(ctx, tx, ord); err != nil {
			return fmt.Errorf("creating order: %w", err)
		}

		for _, c := range courses {
			it := Item{
				OrderID:   ord.ID,
				CourseID:  c.ID,
				Price:     c.Price,
				CreatedAt: now,
			}

			if err := CreateItem(ctx, tx, it); err != nil {
				return fmt.Errorf("creating item: %w", err)
			}
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("creating the order bound to payment[%s] for user[%s]: %w", ord.ProviderID, ord.UserID, err)
	}
	return nil
}

// HandleVerify reconciles a payment callback relayed by the client into a
// terminal order status. The gateway record decides when reachable; the
// callback signature decides otherwise. The transition itself is one
// conditional write, so duplicate and concurrent calls converge on the
// first decision taken.
func HandleVerify(db *sqlx.DB, gw *razorpay.Client) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		clm, err := claims.Get(ctx)
		if err != nil {
			return weberr.NotAuthorized(errors.New("user not authenticated"))
		}

		var att Attempt
		if err := web.Decode(w, r, &att); err != nil {
			return weberr.BadRequest(err)
		}

		if err := validate.Check(att); err != nil {
			return weberr.NewError(err, err.Error(), http.StatusBadRequest)
		}

		ord, err := Fetch(ctx, db, att.OrderID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return weberr.NotFound(err)
			}
			return err
		}

		if ord.UserID != clm.UserID && !claims.IsAdmin(ctx) {
			return weberr.NotAuthorized(errors.New("order belongs to another user"))
		}

		if ord.ProviderID != att.GatewayOrderID {
			err := errors.New("order is not bound to the supplied gateway order")
			return failure(err, err.Error(), http.StatusBadRequest, att)
		}

		// A decided order is never re-verified: no probe, no enrollment,
		// the caller simply observes the outcome already taken.
		if ord.Status.Terminal() {
			return respondDecided(ctx, w, ord, att)
		}

		dec, err := Decide(ctx, gw, gw.Secret(), att)
		if err != nil {
			if errors.Is(err, razorpay.ErrMissingSecret) || errors.Is(err, razorpay.ErrMissingCredentials) {
				return failure(err, "payment verification is not configured", http.StatusInternalServerError, att)
			}
			return err
		}

		if err := commit(ctx, db, ord, dec); err != nil {
			if errors.Is(err, errAlreadyDecided) {
				decided, ferr := Fetch(ctx, db, ord.ID)
				if ferr != nil {
					return ferr
				}
				return respondDecided(ctx, w, decided, att)
			}

			if dec.Verdict == VerdictConfirmed {
				err = fmt.Errorf("the payment was verified but the order could not be recorded: %w", err)
				return failure(err, "payment verified but not recorded, contact support with your payment id", http.StatusInternalServerError, att)
			}
			return fmt.Errorf("recording failed verification of order[%s]: %w", ord.ID, err)
		}

		if dec.Verdict == VerdictConfirmed {
			resp := VerifyResponse{
				Success:   true,
				PaymentID: att.GatewayPaymentID,
				OrderID:   ord.ID,
				Message:   "payment verified and order confirmed",
			}
			return web.Respond(ctx, w, resp, http.StatusOK)
		}

		msg := "payment verification failed: " + dec.Reason
		if dec.SignatureMismatch {
			msg += "; keep the payment id and contact support"
		}
		return failure(fmt.Errorf("order[%s]: %s", ord.ID, dec.Reason), msg, http.StatusBadRequest, att)
	}
}

func HandleShow(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		clm, err := claims.Get(ctx)
		if err != nil {
			return weberr.NotAuthorized(errors.New("user not authenticated"))
		}

		id := web.Param(r, "id")
		if err := validate.CheckID(id); err != nil {
			return weberr.BadRequest(err)
		}

		ord, err := Fetch(ctx, db, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return weberr.NotFound(err)
			}
			return err
		}

		if ord.UserID != clm.UserID && !claims.IsAdmin(ctx) {
			return weberr.NotAuthorized(errors.New("order belongs to another user"))
		}

		return web.Respond(ctx, w, ord, http.StatusOK)
	}
}

var errAlreadyDecided = errors.New("order already decided")

// commit applies a decision as a single transaction: the conditional
// status update plus, on confirmation, enrollment of the bought courses
// and the cart flush. If another call decided the order first the
// transaction leaves no trace and errAlreadyDecided is returned.
func commit(ctx context.Context, db *sqlx.DB, ord Order, dec Decision) error {
	return database.Transaction(db, func(tx sqlx.ExtContext) error {
		now := time.Now().UTC()
		up := StatusUp{
			ID:            ord.ID,
			Status:        dec.Status(),
			PaymentMethod: dec.Method,
			UpdatedAt:     now,
		}

		applied, err := UpdateStatusIfPending(ctx, tx, up)
		if err != nil {
			return err
		}
		if !applied {
			return errAlreadyDecided
		}

		if dec.Verdict != VerdictConfirmed {
			return nil
		}

		items, err := FetchItems(ctx, tx, ord.ID)
		if err != nil {
			return err
		}

		for _, it := range items {
			if err := enrollment.Grant(ctx, tx, ord.UserID, it.CourseID, now); err != nil {
				return err
			}
		}

		if err := cart.Delete(ctx, tx, ord.UserID); err != nil {
			return fmt.Errorf("flushing cart: %w", err)
		}

		return nil
	})
}

// respondDecided reports the terminal state an earlier call reached, in
// the same shape that call produced.
func respondDecided(ctx context.Context, w http.ResponseWriter, ord Order, att Attempt) error {
	if ord.Status == Confirmed {
		resp := VerifyResponse{
			Success:   true,
			PaymentID: att.GatewayPaymentID,
			OrderID:   ord.ID,
			Message:   "order already confirmed",
		}
		return web.Respond(ctx, w, resp, http.StatusOK)
	}

	err := fmt.Errorf("order[%s] already marked failed", ord.ID)
	return failure(err, "payment verification already failed for this order", http.StatusBadRequest, att)
}

func failure(err error, msg string, status int, att Attempt) error {
	body := &VerifyErrorResponse{
		Error:     msg,
		PaymentID: att.GatewayPaymentID,
		OrderID:   att.OrderID,
	}

	fields := map[string]interface{}{
		"payment_id":       att.GatewayPaymentID,
		"gateway_order_id": att.GatewayOrderID,
		"order_id":         att.OrderID,
	}

	return weberr.Wrap(err, weberr.WithResponse(body, status), weberr.WithFields(fields))
}
