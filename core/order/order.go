package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

type Status string

const (
	Pending   Status = "pending"
	Confirmed Status = "confirmed"
	Failed    Status = "failed"
)

// Terminal reports whether s admits no further transition.
func (s Status) Terminal() bool { return s == Confirmed || s == Failed }

var ErrNotFound = errors.New("order not found")

// Order is one checkout attempt. ProviderID is the gateway-side order id
// the payment was collected against. TotalAmount is in the currency's
// minor unit. Rows are never deleted; failed orders stay as audit trail.
type Order struct {
	ID            string    `json:"id" db:"order_id"`
	UserID        string    `json:"userId" db:"user_id"`
	ProviderID    string    `json:"providerId" db:"provider_id"`
	TotalAmount   int       `json:"totalAmount" db:"total_amount"`
	Status        Status    `json:"status" db:"status"`
	PaymentMethod string    `json:"paymentMethod" db:"payment_method"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// StatusUp moves an order out of pending. The update is conditional on the
// row still being pending, which makes the transition atomic at the
// storage layer: of any number of concurrent verifications exactly one
// applies and the rest observe the decided row.
type StatusUp struct {
	ID            string    `db:"order_id"`
	Status        Status    `db:"status"`
	PaymentMethod string    `db:"payment_method"`
	UpdatedAt     time.Time `db:"updated_at"`
}

type Item struct {
	OrderID   string    `json:"orderId" db:"order_id"`
	CourseID  string    `json:"courseId" db:"course_id"`
	Price     int       `json:"price" db:"price"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

func Create(ctx context.Context, db sqlx.ExtContext, ord Order) error {
	const q = `
	INSERT INTO orders (order_id, user_id, provider_id, total_amount, status, payment_method, created_at, updated_at)
	VALUES (:order_id, :user_id, :provider_id, :total_amount, :status, :payment_method, :created_at, :updated_at)`

	if _, err := sqlx.NamedExecContext(ctx, db, q, ord); err != nil {
		return fmt.Errorf("inserting order: %w", err)
	}
	return nil
}

func CreateItem(ctx context.Context, db sqlx.ExtContext, it Item) error {
	const q = `
	INSERT INTO order_items (order_id, course_id, price, created_at)
	VALUES (:order_id, :course_id, :price, :created_at)`

	if _, err := sqlx.NamedExecContext(ctx, db, q, it); err != nil {
		return fmt.Errorf("inserting order item: %w", err)
	}
	return nil
}

func Fetch(ctx context.Context, db sqlx.ExtContext, id string) (Order, error) {
	const q = `SELECT * FROM orders WHERE order_id = $1`

	var ord Order
	if err := sqlx.GetContext(ctx, db, &ord, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, fmt.Errorf("selecting order[%s]: %w", id, err)
	}
	return ord, nil
}

func FetchItems(ctx context.Context, db sqlx.ExtContext, orderID string) ([]Item, error) {
	const q = `SELECT * FROM order_items WHERE order_id = $1`

	items := []Item{}
	if err := sqlx.SelectContext(ctx, db, &items, q, orderID); err != nil {
		return nil, fmt.Errorf("selecting items of order[%s]: %w", orderID, err)
	}
	return items, nil
}

// UpdateStatusIfPending applies up only if the order is still pending and
// reports whether the row was written. A false return with nil error means
// another verification already decided this order.
func UpdateStatusIfPending(ctx context.Context, db sqlx.ExtContext, up StatusUp) (bool, error) {
	const q = `
	UPDATE orders SET
		status = :status,
		payment_method = :payment_method,
		updated_at = :updated_at
	WHERE order_id = :order_id AND status = 'pending'`

	res, err := sqlx.NamedExecContext(ctx, db, q, up)
	if err != nil {
		return false, fmt.Errorf("updating status of order[%s]: %w", up.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows of order[%s]: %w", up.ID, err)
	}
	return n == 1, nil
}
