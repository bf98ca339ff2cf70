// Package router configures HTTP routes for the voltcast server.
//
// Routes configured:
//   - GET  /api/data    - Last 12 rows of the published monthly table
//   - POST /predict     - Billing estimate for hypothetical appliances
//   - POST /api/predict - Alias of /predict
//   - GET  /api/trend   - Trend model loaded at start-up
//   - GET  /healthz     - Liveness (always 200 OK)
//   - GET  /readyz      - Readiness (503 when the store is unreachable)
//   - GET  /metrics     - Prometheus metrics endpoint
//
// Every JSON response carries "status": "ok" or "error"; errors add a
// "message".
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/voltcast/cmd/server/metrics"
	"github.com/HatiCode/voltcast/pkg/aggregate"
	"github.com/HatiCode/voltcast/pkg/billing"
	"github.com/HatiCode/voltcast/pkg/httpx"
	"github.com/HatiCode/voltcast/pkg/models"
	"github.com/HatiCode/voltcast/pkg/storage"
)

// MaxBodyBytes caps billing request bodies.
const MaxBodyBytes = 1 << 20

// TableRows is how many trailing months /api/data returns.
const TableRows = 12

const storeTimeout = 2 * time.Second

// Env is everything the handlers need. It is built once at start-up and
// never mutated afterwards.
type Env struct {
	Store   storage.Store
	Dataset string

	// Trend is nil when no trend artifact was published.
	Trend *models.TrendModel

	Defaults billing.Defaults
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// RateLimit caps billing requests per second; 0 disables it.
	RateLimit float64
	RateBurst int
}

// TableRow is one month of the published table as served by /api/data.
type TableRow struct {
	DT          string  `json:"dt"`
	ZoneAKWh    float64 `json:"zone_A_kwh"`
	ZoneBKWh    float64 `json:"zone_B_kwh"`
	ZoneCKWh    float64 `json:"zone_C_kwh"`
	TotalKWhEst float64 `json:"total_kwh_est"`
	Month       string  `json:"month"`
}

func newTableRow(m aggregate.Month) TableRow {
	return TableRow{
		DT:          m.Period.Format(aggregate.DateLayout),
		ZoneAKWh:    m.ZoneAKWh,
		ZoneBKWh:    m.ZoneBKWh,
		ZoneCKWh:    m.ZoneCKWh,
		TotalKWhEst: m.TotalKWhEst(),
		Month:       m.Label(),
	}
}

// SetupRoutes configures HTTP endpoints for the server and wraps them in
// the recovery, request ID, logging and metrics middlewares.
func SetupRoutes(env Env) http.Handler {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	if env.Metrics == nil {
		env.Metrics = metrics.New()
	}

	mux := http.NewServeMux()

	mux.Handle("GET /healthz", httpx.HealthHandler())
	mux.Handle("GET /readyz", httpx.HealthHandlerWithCheck(readiness(env)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(env.Metrics.Registry(), promhttp.HandlerOpts{}))

	mux.Handle("GET /api/data", instrument(env, "/api/data", handleGetData(env)))
	mux.Handle("GET /api/trend", instrument(env, "/api/trend", handleGetTrend(env)))

	limit := httpx.RateLimitMiddleware(env.RateLimit, env.RateBurst)
	mux.Handle("POST /predict", instrument(env, "/predict", limit(handlePredict(env))))
	mux.Handle("POST /api/predict", instrument(env, "/api/predict", limit(handlePredict(env))))

	return httpx.Chain(mux,
		httpx.RecoveryMiddleware(env.Logger),
		httpx.RequestIDMiddleware(),
		httpx.LoggingMiddleware(env.Logger),
	)
}

// instrument records request count and latency under route.
func instrument(env Env, route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := httpx.StatusRecorder(w)
		next.ServeHTTP(rw, r)
		env.Metrics.ObserveHTTP(route, httpx.StatusCode(rw), time.Since(start).Seconds())
	})
}

// readiness pings the store when it supports it, otherwise performs a read.
func readiness(env Env) func(context.Context) error {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()

		if p, ok := env.Store.(pinger); ok {
			if err := p.Ping(ctx); err != nil {
				return errors.New("store unreachable")
			}
			return nil
		}
		if _, _, err := env.Store.GetLatest(ctx, env.Dataset); err != nil {
			return errors.New("store unreachable")
		}
		return nil
	}
}

// handleGetData returns a handler for GET /api/data.
func handleGetData(env Env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()

		snapshot, found, err := env.Store.GetLatest(ctx, env.Dataset)
		if err != nil {
			env.Logger.Error("failed to read monthly table", "dataset", env.Dataset, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !found {
			httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("monthly table not published for dataset %q", env.Dataset))
			return
		}

		last := aggregate.Last(snapshot.Months, TableRows)
		rows := make([]TableRow, len(last))
		for i, m := range last {
			rows[i] = newTableRow(m)
		}
		env.Metrics.SetTableRows(len(snapshot.Months))

		resp := map[string]any{
			"status": httpx.StatusOK,
			"data":   rows,
		}
		if err := httpx.WriteJSON(w, http.StatusOK, resp); err != nil {
			env.Logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// handleGetTrend returns a handler for GET /api/trend.
func handleGetTrend(env Env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if env.Trend == nil {
			httpx.WriteErrorMessage(w, http.StatusNotFound, "no trend model loaded")
			return
		}
		t := env.Trend
		resp := map[string]any{
			"status":    httpx.StatusOK,
			"model":     t.Name(),
			"features":  models.Features,
			"weights":   t.Weights,
			"intercept": t.Intercept,
			"rows":      t.Rows,
			"run_id":    t.RunID,
		}
		if !t.FittedAt.IsZero() {
			resp["fitted_at"] = t.FittedAt.Format(time.RFC3339)
		}
		if err := httpx.WriteJSON(w, http.StatusOK, resp); err != nil {
			env.Logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// handlePredict returns a handler for POST /predict.
func handlePredict(env Env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				env.Metrics.RecordBilling("http", metrics.OutcomeTooLarge)
				httpx.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", MaxBodyBytes))
				return
			}
			env.Metrics.RecordBilling("http", metrics.OutcomeInvalid)
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		result, err := ComputeBill(body, env.Defaults)
		if err != nil {
			env.Metrics.RecordBilling("http", metrics.OutcomeInvalid)
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}

		env.Metrics.RecordBilling("http", metrics.OutcomeOK)
		if err := httpx.WriteJSON(w, http.StatusOK, result.Envelope()); err != nil {
			env.Logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// ComputeBill decodes a JSON billing request and computes it. Every error
// it returns is a *billing.ValidationError.
func ComputeBill(body []byte, d billing.Defaults) (billing.Result, error) {
	req, err := billing.DecodeRequest(body, d)
	if err != nil {
		return billing.Result{}, err
	}
	return billing.Compute(req)
}
