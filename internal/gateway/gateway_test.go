package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridpulse/metering-plane/internal/alerting"
	"github.com/gridpulse/metering-plane/internal/billing"
	"github.com/gridpulse/metering-plane/internal/config"
	"github.com/gridpulse/metering-plane/internal/metering"
	"github.com/gridpulse/metering-plane/internal/notifications"
	"github.com/gridpulse/metering-plane/internal/pipeline"
	"github.com/gridpulse/metering-plane/internal/store"
	"github.com/gridpulse/metering-plane/pkg/events"
	"github.com/gridpulse/metering-plane/pkg/models"
)

const testAdminToken = "test-admin-token"

func newTestGateway(t *testing.T) (*Gateway, *store.MemoryStore) {
	t.Helper()
	logger := zap.NewNop()
	s := store.NewMemoryStore()
	bus := events.NewBus(logger)
	monitor := alerting.NewMonitor(s, notifications.NewMulti(logger), bus, logger)
	rates := billing.NewStoreRateSource(s)
	p := pipeline.New(config.IngestConfig{
		SampleInterval: 15 * time.Second,
		Timeout:        5 * time.Second,
	}, s, metering.NewAggregator(logger), rates, monitor, bus, nil, logger)

	require.NoError(t, s.PutRateTable(context.Background(), &models.RateTable{
		Region: "north",
		Tiers: []models.RateTier{
			{UpperBound: 100, CostPerUnit: 1},
			{UpperBound: 300, CostPerUnit: 1},
			{UpperBound: 500, CostPerUnit: 1},
			{UpperBound: 1000, CostPerUnit: 1},
		},
	}))
	require.NoError(t, s.CreateAccount(context.Background(), &models.MeterAccount{
		MeterID: "m-1",
		Region:  "north",
	}))

	return NewGateway(s, p, rates, nil, nil, bus, testAdminToken, logger), s
}

func doRequest(t *testing.T, g *Gateway, method, path, body string, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if admin {
		req.Header.Set("X-Admin-Token", testAdminToken)
	}
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)
	return rec
}

func TestTelemetryEndpoint(t *testing.T) {
	g, _ := newTestGateway(t)

	rec := doRequest(t, g, http.MethodGet, "/api/telemetry?meterId=m-1&voltage=240&current=1000", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap models.UsageSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, "m-1", snap.MeterID)
	require.InDelta(t, 1.0, snap.CumulativeKWh, 1e-9)
	require.Equal(t, int64(1), snap.TotalCost)
}

func TestTelemetryEndpointErrors(t *testing.T) {
	g, _ := newTestGateway(t)

	rec := doRequest(t, g, http.MethodGet, "/api/telemetry?meterId=m-1&voltage=abc&current=1", "", false)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, g, http.MethodGet, "/api/telemetry?voltage=240&current=1", "", false)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, g, http.MethodGet, "/api/telemetry?meterId=ghost&voltage=240&current=1", "", false)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTelemetryUnconfiguredRegion(t *testing.T) {
	g, s := newTestGateway(t)
	require.NoError(t, s.CreateAccount(context.Background(), &models.MeterAccount{
		MeterID: "m-2",
		Region:  "atlantis",
	}))

	rec := doRequest(t, g, http.MethodGet, "/api/telemetry?meterId=m-2&voltage=240&current=1", "", false)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetMeter(t *testing.T) {
	g, _ := newTestGateway(t)

	rec := doRequest(t, g, http.MethodGet, "/api/meters/m-1", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "m-1", body["meter_id"])
	require.Equal(t, "north", body["region"])

	rec = doRequest(t, g, http.MethodGet, "/api/meters/ghost", "", false)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHourlyReport(t *testing.T) {
	g, s := newTestGateway(t)
	ctx := context.Background()

	now := time.Now().UTC()
	hourStart := store.TruncatePeriod(now, models.GranularityHour)
	require.NoError(t, s.WithAccount(ctx, "m-1", func(ctx context.Context, txn store.AccountTxn) error {
		return txn.UpsertBucket(ctx, models.GranularityHour, hourStart, 2.5, now)
	}))

	rec := doRequest(t, g, http.MethodGet, "/api/usage/m-1/hourly", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var report usageReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Slots, 24)
	require.InDelta(t, 2.5, report.Slots[hourStart.Hour()], 1e-9)
}

func TestAdminAuthRequired(t *testing.T) {
	g, _ := newTestGateway(t)

	rec := doRequest(t, g, http.MethodPost, "/admin/meters", `{"meter_id":"m-9","region":"north"}`, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/admin/meters", strings.NewReader(`{"meter_id":"m-9","region":"north"}`))
	req.Header.Set("X-Admin-Token", "wrong")
	rr := httptest.NewRecorder()
	g.Router().ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRegisterAndDeleteMeter(t *testing.T) {
	g, s := newTestGateway(t)

	rec := doRequest(t, g, http.MethodPost, "/admin/meters", `{"meter_id":"m-9","region":"north","contact":"o@example.com","threshold":500}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	account, err := s.GetAccount(context.Background(), "m-9")
	require.NoError(t, err)
	require.Equal(t, int64(500), account.Threshold)
	require.Equal(t, "o@example.com", account.Contact)

	rec = doRequest(t, g, http.MethodPost, "/admin/meters", `{"meter_id":"m-9","region":"north"}`, true)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, g, http.MethodDelete, "/admin/meters/m-9", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = s.GetAccount(context.Background(), "m-9")
	require.ErrorIs(t, err, store.ErrMeterNotFound)
}

func TestSetThresholdRearmsLatch(t *testing.T) {
	g, s := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, s.WithAccount(ctx, "m-1", func(_ context.Context, txn store.AccountTxn) error {
		txn.Account().AlertFired = true
		txn.Account().Threshold = 100
		return nil
	}))

	rec := doRequest(t, g, http.MethodPost, "/api/meters/m-1/threshold", `{"threshold":250}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	account, err := s.GetAccount(ctx, "m-1")
	require.NoError(t, err)
	require.Equal(t, int64(250), account.Threshold)
	require.False(t, account.AlertFired)
}

func TestRateTableCRUD(t *testing.T) {
	g, _ := newTestGateway(t)

	body := `{
		"base": 138, "percent_per_unit": 1.17, "total_tax_percent": 16, "tax": 1.52,
		"tiers": [
			{"upper_bound": 100, "cost_per_unit": 4.71, "tax_per_unit": 0.45},
			{"upper_bound": 300, "cost_per_unit": 10.29, "tax_per_unit": 0.8},
			{"upper_bound": 500, "cost_per_unit": 14.55, "tax_per_unit": 1.1},
			{"upper_bound": 1000, "cost_per_unit": 16.64, "tax_per_unit": 1.15}
		]
	}`
	rec := doRequest(t, g, http.MethodPut, "/admin/rate-tables/south", body, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, g, http.MethodGet, "/admin/rate-tables/south", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var table models.RateTable
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &table))
	require.Equal(t, "south", table.Region)
	require.Len(t, table.Tiers, 4)

	rec = doRequest(t, g, http.MethodGet, "/admin/rate-tables", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var tables []models.RateTable
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tables))
	require.Len(t, tables, 2)
}

func TestRateTableValidationRejected(t *testing.T) {
	g, _ := newTestGateway(t)

	// Only three tiers.
	body := `{"tiers": [
		{"upper_bound": 100, "cost_per_unit": 1},
		{"upper_bound": 300, "cost_per_unit": 1},
		{"upper_bound": 500, "cost_per_unit": 1}
	]}`
	rec := doRequest(t, g, http.MethodPut, "/admin/rate-tables/south", body, true)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp map[string]map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp["error"]["message"], "tiers")
}

func TestHealthEndpoints(t *testing.T) {
	g, _ := newTestGateway(t)

	rec := doRequest(t, g, http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, g, http.MethodGet, "/ready", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, g, http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
