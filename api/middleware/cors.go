package middleware

import (
	"context"
	"net/http"

	"github.com/irsalhamdi/course-pay/api/web"
)

// Cors attaches the CORS headers to every response. The checkout widget
// runs on arbitrary storefront origins, so the default origin is "*";
// Authorization and API-key headers are allowed through for the clients
// that send them.
func Cors(origin string) web.Middleware {
	m := func(handler web.Handler) web.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Authorization, X-Api-Key, X-Requested-With")

			return handler(ctx, w, r)
		}
		return h
	}
	return m
}
