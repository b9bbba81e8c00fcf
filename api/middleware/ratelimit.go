package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/irsalhamdi/course-pay/api/web"
	"github.com/irsalhamdi/course-pay/api/weberr"
	"github.com/irsalhamdi/course-pay/core/claims"
	"github.com/irsalhamdi/course-pay/rate"
)

// RateLimit throttles a handler per caller. Verification drives outbound
// gateway probes, so it must not be drivable at line rate by one client.
// Authenticated callers are keyed by user id, anonymous ones by address.
func RateLimit(lim *rate.Limiter) web.Middleware {
	m := func(handler web.Handler) web.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {

			key := ""
			if clm, err := claims.Get(ctx); err == nil {
				key = clm.UserID
			} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				key = host
			} else {
				key = r.RemoteAddr
			}

			if !lim.Check(key) {
				return weberr.NewError(
					errors.New("rate limit exceeded"),
					"too many requests",
					http.StatusTooManyRequests,
				)
			}

			return handler(ctx, w, r)
		}
		return h
	}
	return m
}
