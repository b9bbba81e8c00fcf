// Package test spins up the full API against a disposable Postgres and a
// mock payment gateway for end-to-end checkout tests.
package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/mux"
	"github.com/irsalhamdi/course-pay/api"
	"github.com/irsalhamdi/course-pay/api/web"
	"github.com/irsalhamdi/course-pay/core/payment/razorpay"
	"github.com/irsalhamdi/course-pay/database"
	"github.com/irsalhamdi/course-pay/rate"
	"github.com/jmoiron/sqlx"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/sirupsen/logrus"
)

const (
	GatewayKeyID  = "rzp_test_key"
	GatewaySecret = "rzp_test_secret"
)

type TestEnv struct {
	DB      *sqlx.DB
	URL     string
	Gateway *mockGateway

	t      *testing.T
	client *http.Client
}

// NewTestEnv starts a Postgres container, migrates it, and serves the API
// wired to a mock gateway. Skips the test when no docker daemon is around.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("constructing docker pool: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker daemon not available: %v", err)
	}

	res, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "15-alpine",
		Env: []string{
			"POSTGRES_USER=postgres",
			"POSTGRES_PASSWORD=postgres",
			"POSTGRES_DB=coursepay",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { pool.Purge(res) })
	res.Expire(300)

	cfg := database.Config{
		User:       "postgres",
		Password:   "postgres",
		Host:       res.GetHostPort("5432/tcp"),
		Name:       "coursepay",
		DisableTLS: true,
	}

	var db *sqlx.DB
	pool.MaxWait = time.Minute
	if err := pool.Retry(func() error {
		var err error
		db, err = database.Open(cfg)
		if err != nil {
			return err
		}
		return db.Ping()
	}); err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := database.StatusCheck(ctx, db); err != nil {
		t.Fatalf("database status check: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrating database: %v", err)
	}

	gateway := newMockGateway()
	gwsrv := httptest.NewServer(gateway.handler())
	t.Cleanup(gwsrv.Close)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	session := scs.New()
	session.Lifetime = time.Hour

	apiMux := api.APIMux(api.APIConfig{
		CorsOrigin:  "*",
		Log:         log,
		DB:          db,
		Session:     session,
		Razorpay:    razorpay.New(GatewayKeyID, GatewaySecret, gwsrv.URL, time.Second, 1),
		VerifyLimit: rate.NewLimiter(1000, time.Hour, 1000),
	})

	srv := httptest.NewServer(apiMux)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("constructing cookie jar: %v", err)
	}

	return &TestEnv{
		DB:      db,
		URL:     srv.URL,
		Gateway: gateway,
		t:       t,
		client:  &http.Client{Jar: jar},
	}
}

// Do sends a JSON request through the session-aware client and decodes the
// body into out when it is non-nil.
func (e *TestEnv) Do(method, path string, body interface{}, out interface{}) *http.Response {
	e.t.Helper()

	var r *http.Request
	var err error
	if body != nil {
		b, merr := json.Marshal(body)
		if merr != nil {
			e.t.Fatalf("marshaling request body: %v", merr)
		}
		r, err = http.NewRequest(method, e.URL+path, bytes.NewReader(b))
	} else {
		r, err = http.NewRequest(method, e.URL+path, nil)
	}
	if err != nil {
		e.t.Fatalf("building request: %v", err)
	}
	r.Header.Set("Content-Type", "application/json")

	w, err := e.client.Do(r)
	if err != nil {
		e.t.Fatalf("sending %s %s: %v", method, path, err)
	}

	if out != nil {
		defer w.Body.Close()
		if err := json.NewDecoder(w.Body).Decode(out); err != nil {
			e.t.Fatalf("decoding response of %s %s: %v", method, path, err)
		}
	}

	return w
}

// mockGateway imitates the slice of the Razorpay API the service talks to.
// Payments are registered by the test; Down simulates an outage of the
// status API while order creation keeps working.
type mockGateway struct {
	mu       sync.Mutex
	payments map[string]razorpay.Payment
	probes   map[string]int
	orderSeq int
	down     bool
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		payments: make(map[string]razorpay.Payment),
		probes:   make(map[string]int),
	}
}

func (g *mockGateway) SetDown(down bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.down = down
}

func (g *mockGateway) AddPayment(p razorpay.Payment) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[p.ID] = p
}

func (g *mockGateway) Probes(paymentID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.probes[paymentID]
}

func (g *mockGateway) handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/v1/orders", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			Amount   int    `json:"amount"`
			Currency string `json:"currency"`
			Receipt  string `json:"receipt"`
		}
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			web.Respond(context.Background(), w, nil, http.StatusBadRequest)
			return
		}

		g.mu.Lock()
		g.orderSeq++
		ord := razorpay.Order{
			ID:       fmt.Sprintf("order_mock%d", g.orderSeq),
			Amount:   in.Amount,
			Currency: in.Currency,
			Receipt:  in.Receipt,
			Status:   "created",
		}
		g.mu.Unlock()

		web.Respond(context.Background(), w, ord, http.StatusOK)
	})).Methods(http.MethodPost)

	r.Handle("/v1/payments/{id}", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := web.Param(req, "id")

		g.mu.Lock()
		down := g.down
		if !down {
			g.probes[id]++
		}
		p, ok := g.payments[id]
		g.mu.Unlock()

		if down {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		web.Respond(context.Background(), w, p, http.StatusOK)
	})).Methods(http.MethodGet)

	return r
}
