package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Cart is the set of courses a user intends to buy. It is assembled from
// its items; there is no cart row of its own.
type Cart struct {
	UserID string `json:"-"`
	Items  []Item `json:"items"`
}

type Item struct {
	UserID    string    `json:"-" db:"user_id"`
	CourseID  string    `json:"courseId" db:"course_id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

type ItemNew struct {
	CourseID string `json:"courseId" validate:"required,uuid4"`
}

func FetchItems(ctx context.Context, db sqlx.ExtContext, userID string) ([]Item, error) {
	const q = `SELECT * FROM cart_items WHERE user_id = $1`

	items := []Item{}
	if err := sqlx.SelectContext(ctx, db, &items, q, userID); err != nil {
		return nil, fmt.Errorf("selecting cart items of user[%s]: %w", userID, err)
	}
	return items, nil
}

func CreateItem(ctx context.Context, db sqlx.ExtContext, it Item) error {
	const q = `
	INSERT INTO cart_items (user_id, course_id, created_at, updated_at)
	VALUES (:user_id, :course_id, :created_at, :updated_at)
	ON CONFLICT (user_id, course_id) DO UPDATE SET updated_at = excluded.updated_at`

	if _, err := sqlx.NamedExecContext(ctx, db, q, it); err != nil {
		return fmt.Errorf("inserting cart item: %w", err)
	}
	return nil
}

func DeleteItem(ctx context.Context, db sqlx.ExtContext, userID string, courseID string) error {
	const q = `DELETE FROM cart_items WHERE user_id = :user_id AND course_id = :course_id`

	it := Item{UserID: userID, CourseID: courseID}
	if _, err := sqlx.NamedExecContext(ctx, db, q, it); err != nil {
		return fmt.Errorf("deleting cart item: %w", err)
	}
	return nil
}

// Delete flushes the whole cart of a user, typically after a confirmed
// checkout.
func Delete(ctx context.Context, db sqlx.ExtContext, userID string) error {
	const q = `DELETE FROM cart_items WHERE user_id = :user_id`

	it := Item{UserID: userID}
	if _, err := sqlx.NamedExecContext(ctx, db, q, it); err != nil {
		return fmt.Errorf("flushing cart of user[%s]: %w", userID, err)
	}
	return nil
}
