// Package auth provides session-cookie authentication: signup, login,
// logout, and the middleware that loads claims for downstream handlers.
package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/alexedwards/scs/v2"
	"github.com/irsalhamdi/course-pay/api/web"
	"github.com/irsalhamdi/course-pay/api/weberr"
	"github.com/irsalhamdi/course-pay/core/claims"
)

// Session keys holding the authenticated identity.
const (
	userIDKey = "user_id"
	roleKey   = "role"
)

// LoadAndSave adapts the scs middleware to the web.Handler signature. It
// must be the outermost middleware so every other layer sees the session.
func LoadAndSave(session *scs.SessionManager) web.Middleware {
	return func(handler web.Handler) web.Handler {
		return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			var err error
			h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				err = handler(r.Context(), w, r)
			})

			session.LoadAndSave(h).ServeHTTP(w, r.WithContext(ctx))
			return err
		}
	}
}

// Authenticate rejects requests without a logged-in session and stores the
// caller's claims in the context for downstream handlers.
func Authenticate(session *scs.SessionManager) web.Middleware {
	return func(handler web.Handler) web.Handler {
		return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			userID := session.GetString(ctx, userIDKey)
			if userID == "" {
				return weberr.NotAuthorized(errors.New("no authenticated user in session"))
			}

			clm := claims.Claims{
				UserID: userID,
				Role:   session.GetString(ctx, roleKey),
			}

			return handler(claims.Set(ctx, clm), w, r)
		}
	}
}

// Admin is Authenticate restricted to administrator sessions.
func Admin(session *scs.SessionManager) web.Middleware {
	authen := Authenticate(session)
	return func(handler web.Handler) web.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			if !claims.IsAdmin(ctx) {
				return weberr.NotAuthorized(errors.New("user is not an administrator"))
			}
			return handler(ctx, w, r)
		}
		return authen(h)
	}
}
