// Package enrollment grants users access to courses they paid for.
package enrollment

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

type Enrollment struct {
	UserID    string    `json:"userId" db:"user_id"`
	CourseID  string    `json:"courseId" db:"course_id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Grant creates an active enrollment for the (user, course) pair unless
// one already exists. The insert and the existence check are one
// statement backed by the table's primary key, so concurrent grants for
// the same pair cannot produce duplicates.
func Grant(ctx context.Context, db sqlx.ExtContext, userID string, courseID string, now time.Time) error {
	const q = `
	INSERT INTO enrollments (user_id, course_id, created_at)
	VALUES (:user_id, :course_id, :created_at)
	ON CONFLICT (user_id, course_id) DO NOTHING`

	e := Enrollment{UserID: userID, CourseID: courseID, CreatedAt: now}
	if _, err := sqlx.NamedExecContext(ctx, db, q, e); err != nil {
		return fmt.Errorf("granting enrollment of user[%s] to course[%s]: %w", userID, courseID, err)
	}
	return nil
}

// FetchByUser returns all enrollments of a user.
func FetchByUser(ctx context.Context, db sqlx.ExtContext, userID string) ([]Enrollment, error) {
	const q = `SELECT * FROM enrollments WHERE user_id = $1`

	ens := []Enrollment{}
	if err := sqlx.SelectContext(ctx, db, &ens, q, userID); err != nil {
		return nil, fmt.Errorf("selecting enrollments of user[%s]: %w", userID, err)
	}
	return ens, nil
}
