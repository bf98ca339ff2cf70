package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/HatiCode/voltcast/cmd/server/metrics"
	"github.com/HatiCode/voltcast/pkg/aggregate"
	"github.com/HatiCode/voltcast/pkg/billing"
	"github.com/HatiCode/voltcast/pkg/httpx"
	"github.com/HatiCode/voltcast/pkg/models"
	"github.com/HatiCode/voltcast/pkg/storage"
)

type failingStore struct{}

func (failingStore) Put(context.Context, storage.Snapshot) error {
	return errors.New("store down")
}

func (failingStore) GetLatest(context.Context, string) (storage.Snapshot, bool, error) {
	return storage.Snapshot{}, false, errors.New("store down")
}

type pingStore struct {
	*storage.MemoryStore
	err error
}

func (p pingStore) Ping(context.Context) error { return p.err }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// months returns n consecutive month-end rows starting December 2006.
func months(n int) []aggregate.Month {
	out := make([]aggregate.Month, n)
	start := time.Date(2006, 12, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = aggregate.Month{
			Period:   aggregate.MonthEnd(start.AddDate(0, i, 0)),
			ZoneAKWh: float64(i),
			ZoneBKWh: 1,
			ZoneCKWh: 2,
		}
	}
	return out
}

func testEnv(t *testing.T, n int) Env {
	t.Helper()
	store := storage.NewMemoryStore()
	if n > 0 {
		err := store.Put(context.Background(), storage.Snapshot{
			Dataset:     "household",
			RunID:       "run-1",
			GeneratedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Months:      months(n),
		})
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	return Env{
		Store:    store,
		Dataset:  "household",
		Defaults: billing.StandardDefaults,
		Logger:   discardLogger(),
		Metrics:  metrics.New(),
	}
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestGetData_LastTwelveMonths(t *testing.T) {
	h := SetupRoutes(testEnv(t, 14))

	w := do(h, http.MethodGet, "/api/data", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var resp struct {
		Status string     `json:"status"`
		Data   []TableRow `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q", resp.Status)
	}
	if len(resp.Data) != TableRows {
		t.Fatalf("got %d rows, want %d", len(resp.Data), TableRows)
	}
	first := resp.Data[0]
	if first.DT != "2007-02-28" || first.Month != "2007-02" {
		t.Errorf("first row = %+v, want February 2007", first)
	}
	if first.TotalKWhEst != 2+1+2 {
		t.Errorf("total_kwh_est = %v, want 5", first.TotalKWhEst)
	}
	if last := resp.Data[TableRows-1]; last.DT != "2008-01-31" {
		t.Errorf("last row dt = %q, want 2008-01-31", last.DT)
	}
}

func TestGetData_FewerMonths(t *testing.T) {
	h := SetupRoutes(testEnv(t, 3))

	resp := decode(t, do(h, http.MethodGet, "/api/data", ""))
	if rows := resp["data"].([]any); len(rows) != 3 {
		t.Errorf("got %d rows, want 3", len(rows))
	}
}

func TestGetData_Errors(t *testing.T) {
	tests := []struct {
		name       string
		env        func(t *testing.T) Env
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "not published",
			env:        func(t *testing.T) Env { return testEnv(t, 0) },
			wantStatus: http.StatusNotFound,
			wantMsg:    `monthly table not published for dataset "household"`,
		},
		{
			name: "store failure",
			env: func(t *testing.T) Env {
				env := testEnv(t, 0)
				env.Store = failingStore{}
				return env
			},
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(SetupRoutes(tt.env(t)), http.MethodGet, "/api/data", "")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			resp := decode(t, w)
			if resp["status"] != "error" || resp["message"] != tt.wantMsg {
				t.Errorf("response = %v", resp)
			}
		})
	}
}

func TestPredict(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantBill   float64
		wantField  string
	}{
		{
			name:       "appliance scenario",
			path:       "/predict",
			body:       `{"existing_kwh": 100, "rate": 8, "appliances": [{"name": "heater", "power_w": 2000, "hours_per_day": 2, "days": 30}]}`,
			wantStatus: http.StatusOK,
			wantBill:   1760,
		},
		{
			name:       "alias with defaults",
			path:       "/api/predict",
			body:       `{"existing_kwh": "50"}`,
			wantStatus: http.StatusOK,
			wantBill:   400,
		},
		{
			name:       "invalid JSON",
			path:       "/predict",
			body:       `{"rate":`,
			wantStatus: http.StatusBadRequest,
			wantField:  "body",
		},
		{
			name:       "empty body",
			path:       "/predict",
			body:       "",
			wantStatus: http.StatusBadRequest,
			wantField:  "body",
		},
		{
			name:       "negative power",
			path:       "/predict",
			body:       `{"appliances": [{"power_w": -5, "hours_per_day": 1}]}`,
			wantStatus: http.StatusBadRequest,
			wantField:  "appliances[0].power_w",
		},
		{
			name:       "energy overflow",
			path:       "/predict",
			body:       `{"rate": 8, "appliances": [{"power_w": 1e308, "hours_per_day": 10}]}`,
			wantStatus: http.StatusBadRequest,
			wantField:  "appliances[0].power_w",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(SetupRoutes(testEnv(t, 0)), http.MethodPost, tt.path, tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
			resp := decode(t, w)
			if tt.wantStatus == http.StatusOK {
				if resp["status"] != "ok" || resp["predicted_bill"] != tt.wantBill {
					t.Errorf("response = %v, want bill %v", resp, tt.wantBill)
				}
				return
			}
			msg, _ := resp["message"].(string)
			if resp["status"] != "error" || !strings.HasPrefix(msg, tt.wantField+":") {
				t.Errorf("response = %v, want error on %s", resp, tt.wantField)
			}
		})
	}
}

func TestPredict_BodyTooLarge(t *testing.T) {
	env := testEnv(t, 0)
	h := SetupRoutes(env)

	body := `{"pad": "` + strings.Repeat("x", MaxBodyBytes) + `"}`
	w := do(h, http.MethodPost, "/predict", body)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
	if n := testutil.ToFloat64(env.Metrics.BillingRequests.WithLabelValues("http", metrics.OutcomeTooLarge)); n != 1 {
		t.Errorf("too_large counter = %v, want 1", n)
	}
}

func TestPredict_RateLimited(t *testing.T) {
	env := testEnv(t, 0)
	env.RateLimit = 0.001
	env.RateBurst = 1
	h := SetupRoutes(env)

	if w := do(h, http.MethodPost, "/predict", `{}`); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}
	w := do(h, http.MethodPost, "/predict", `{}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	if w := do(h, http.MethodGet, "/api/data", ""); w.Code == http.StatusTooManyRequests {
		t.Error("rate limit applied to /api/data")
	}
}

func TestGetTrend(t *testing.T) {
	env := testEnv(t, 0)
	if w := do(SetupRoutes(env), http.MethodGet, "/api/trend", ""); w.Code != http.StatusNotFound {
		t.Errorf("without trend status = %d, want 404", w.Code)
	}

	env.Trend = &models.TrendModel{
		Weights:   [3]float64{1, 2, 3},
		Intercept: 4,
		Rows:      12,
		RunID:     "run-1",
		FittedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	w := do(SetupRoutes(env), http.MethodGet, "/api/trend", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode(t, w)
	if resp["model"] != "ols-zones" || resp["intercept"] != 4.0 || resp["rows"] != 12.0 {
		t.Errorf("response = %v", resp)
	}
	if resp["fitted_at"] != "2024-01-01T00:00:00Z" {
		t.Errorf("fitted_at = %v", resp["fitted_at"])
	}
}

func TestHealthAndReadiness(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		store      storage.Store
		wantStatus int
	}{
		{"healthz", "/healthz", failingStore{}, http.StatusOK},
		{"readyz via read", "/readyz", storage.NewMemoryStore(), http.StatusOK},
		{"readyz read failure", "/readyz", failingStore{}, http.StatusServiceUnavailable},
		{"readyz via ping", "/readyz", pingStore{MemoryStore: storage.NewMemoryStore()}, http.StatusOK},
		{"readyz ping failure", "/readyz", pingStore{MemoryStore: storage.NewMemoryStore(), err: errors.New("down")}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testEnv(t, 0)
			env.Store = tt.store
			w := do(SetupRoutes(env), http.MethodGet, tt.path, "")
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := SetupRoutes(testEnv(t, 0))
	if w := do(h, http.MethodGet, "/predict", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /predict status = %d, want 405", w.Code)
	}
	if w := do(h, http.MethodPost, "/api/data", "{}"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/data status = %d, want 405", w.Code)
	}
}

func TestMetricsAndRequestID(t *testing.T) {
	env := testEnv(t, 2)
	h := SetupRoutes(env)

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set(httpx.RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get(httpx.RequestIDHeader); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want echoed value", got)
	}

	w = do(h, http.MethodPost, "/predict", `{}`)
	if w.Header().Get(httpx.RequestIDHeader) == "" {
		t.Error("X-Request-ID not generated")
	}

	if n := testutil.ToFloat64(env.Metrics.HTTPRequestsTotal.WithLabelValues("/api/data", "200")); n != 1 {
		t.Errorf("http counter = %v, want 1", n)
	}
	if n := testutil.ToFloat64(env.Metrics.TableRows); n != 2 {
		t.Errorf("table rows gauge = %v, want 2", n)
	}

	w = do(h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"voltcast_http_requests_total", "voltcast_billing_requests_total", "go_goroutines"} {
		if !strings.Contains(body, name) {
			t.Errorf("/metrics missing %s", name)
		}
	}
}

func TestComputeBill(t *testing.T) {
	res, err := ComputeBill([]byte(`{"rate": 10, "appliances": [{"power_w": 1000, "hours_per_day": 1, "days": 3}]}`), billing.StandardDefaults)
	if err != nil {
		t.Fatalf("ComputeBill() error = %v", err)
	}
	if res.PredictedBill != 30 || res.Impacts[0].Name != "appliance" {
		t.Errorf("ComputeBill() = %+v", res)
	}

	_, err = ComputeBill(bytes.Repeat([]byte("{"), 3), billing.StandardDefaults)
	var verr *billing.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("ComputeBill() error = %v, want *ValidationError", err)
	}
}
