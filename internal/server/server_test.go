package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-sync/internal/realtime"
	"market-sync/internal/tracker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePrices struct {
	records map[string]tracker.PriceRecord
	errs    map[string]error
	maxAge  time.Duration
}

func (f *fakePrices) Price(_ context.Context, id string, maxAge time.Duration) (tracker.PriceRecord, error) {
	f.maxAge = maxAge
	if err, ok := f.errs[id]; ok {
		return tracker.PriceRecord{}, err
	}
	return f.records[id], nil
}

func (f *fakePrices) Quotes(ctx context.Context, ids []string, maxAge time.Duration) (map[string]tracker.PriceRecord, map[string]error) {
	quotes := map[string]tracker.PriceRecord{}
	failed := map[string]error{}
	for _, id := range ids {
		if rec, err := f.Price(ctx, id, maxAge); err != nil {
			failed[id] = err
		} else {
			quotes[id] = rec
		}
	}
	return quotes, failed
}

func (f *fakePrices) History(id string) []tracker.PricePoint {
	if rec, ok := f.records[id]; ok {
		return []tracker.PricePoint{{Price: rec.Price, ObservedAt: rec.ObservedAt}}
	}
	return []tracker.PricePoint{}
}

func (f *fakePrices) Tracked() []string { return []string{"SOL"} }

type fakeWallets struct{}

func (fakeWallets) Snapshot(_ context.Context, address string) (tracker.WalletSnapshot, error) {
	if err := tracker.ValidateAddress(address); err != nil {
		return tracker.WalletSnapshot{}, err
	}
	return tracker.WalletSnapshot{Address: address, BalanceNative: 2.5, Tokens: []tracker.TokenHolding{}}, nil
}

type fakeCharts struct{ points []tracker.OHLCVPoint }

func (f fakeCharts) Series(_ context.Context, mint, _ string) ([]tracker.OHLCVPoint, error) {
	if mint == "" {
		return nil, &tracker.ValidationFailure{Field: "mint", Message: "is required"}
	}
	return f.points, nil
}

type fakeDashboards struct{}

func (fakeDashboards) Dashboard(_ context.Context, userID string) (realtime.Dashboard, error) {
	if userID != "u1" {
		return realtime.Dashboard{}, realtime.ErrNotWatched
	}
	return realtime.Dashboard{UserID: "u1", TradeCount: 3}, nil
}

type fakeRows map[realtime.Key][]realtime.Row

func (f fakeRows) Rows(key realtime.Key) ([]realtime.Row, bool) {
	rows, ok := f[key]
	return rows, ok
}

var observed = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestHandler() (*Handler, *fakePrices) {
	prices := &fakePrices{
		records: map[string]tracker.PriceRecord{
			"SOL": {InstrumentID: "SOL", Price: 150.25, Change24h: 2.1, ObservedAt: observed, Source: "binance", Confidence: tracker.ConfidenceHigh},
		},
		errs: map[string]error{
			"DEAD": &tracker.AllSourcesFailedError{Target: "DEAD", Attempts: []tracker.Attempt{
				{Candidate: "coinmarketcap", Err: errors.New("timeout")},
				{Candidate: "binance", Err: errors.New("unsupported")},
			}},
		},
	}
	log, _ := test.NewNullLogger()
	h := NewHandler(Deps{
		Prices:     prices,
		Wallets:    fakeWallets{},
		Charts:     fakeCharts{points: []tracker.OHLCVPoint{}},
		Dashboards: fakeDashboards{},
		Rows:       fakeRows{
			{UserID: "u1", Table: realtime.Positions}: {
				{ID: "p1", UserID: "u1", CreatedAt: observed, UpdatedAt: observed, Data: map[string]any{"status": "open"}},
			},
			{UserID: "u1", Table: realtime.Trades}: nil,
		},
		Sources:    []string{"coinmarketcap", "binance"},
	}, log)
	return h, prices
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestOptionsPreflight(t *testing.T) {
	h, _ := newTestHandler()
	for _, path := range []string{"/api/price", "/api/prices", "/api/wallet", "/api/chart", "/api/history", "/health"} {
		w := do(h, http.MethodOptions, path, "")
		assert.Equal(t, http.StatusNoContent, w.Code, path)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"), path)
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST", path)
		assert.Empty(t, w.Body.String(), path)
	}
}

func TestGetPrice(t *testing.T) {
	h, prices := newTestHandler()

	w := do(h, http.MethodGet, "/api/price?instrumentId=SOL&interval=slow", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, 60*time.Second, prices.maxAge)

	body := decode(t, w)
	assert.Equal(t, "SOL", body["instrumentId"])
	assert.Equal(t, 150.25, body["price"])
	assert.Equal(t, 2.1, body["change24h"])
	assert.Equal(t, float64(observed.UnixMilli()), body["timestamp"])
	assert.Equal(t, "high", body["confidence"])
}

func TestPostPrice(t *testing.T) {
	h, _ := newTestHandler()

	w := do(h, http.MethodPost, "/api/price", `{"instrumentId":"SOL"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 150.25, decode(t, w)["price"])
}

func TestGetPrice_MissingID(t *testing.T) {
	h, _ := newTestHandler()

	w := do(h, http.MethodGet, "/api/price", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Contains(t, body, "price")
	assert.Nil(t, body["price"])
	assert.NotEmpty(t, body["error"])

	w = do(h, http.MethodPost, "/api/price", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetPrice_BadInput(t *testing.T) {
	h, _ := newTestHandler()

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/price?instrumentId=SOL&interval=weekly", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/price", `{"instrumentId":`).Code)
}

func TestGetPrice_AllSourcesFailed(t *testing.T) {
	h, _ := newTestHandler()

	w := do(h, http.MethodGet, "/api/price?instrumentId=DEAD", "")
	require.Equal(t, http.StatusBadGateway, w.Code)
	body := decode(t, w)
	assert.Nil(t, body["price"])
	assert.Equal(t, []any{"coinmarketcap: timeout", "binance: unsupported"}, body["failures"])
}

func TestGetPrices_OmitsFailures(t *testing.T) {
	h, _ := newTestHandler()

	w := do(h, http.MethodPost, "/api/prices", `{"ids":["SOL","DEAD"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Len(t, data, 1)
	assert.Contains(t, data, "SOL")

	w = do(h, http.MethodGet, "/api/prices?ids=SOL,DEAD", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 1)
}

func TestGetPrices_Limits(t *testing.T) {
	h, _ := newTestHandler()

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/prices", "").Code)

	many := make([]string, maxBatchIDs+1)
	for i := range many {
		many[i] = "SOL"
	}
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/prices?ids="+strings.Join(many, ","), "").Code)
}

func TestGetHistory(t *testing.T) {
	h, _ := newTestHandler()

	w := do(h, http.MethodGet, "/api/history?instrumentId=SOL", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 1)

	w = do(h, http.MethodGet, "/api/history?instrumentId=BONK", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{}, decode(t, w)["data"])
}

func TestGetWallet(t *testing.T) {
	h, _ := newTestHandler()

	w := do(h, http.MethodPost, "/api/wallet", `{"address":"9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.5, decode(t, w)["balanceNative"])

	w = do(h, http.MethodGet, "/api/wallet?address=0xdeadbeef", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetChart_NoPairs(t *testing.T) {
	h, _ := newTestHandler()

	w := do(h, http.MethodGet, "/api/chart?mint=EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v&interval=1h", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":[]}`, w.Body.String())

	w = do(h, http.MethodGet, "/api/chart", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, []any{}, decode(t, w)["data"])
}

func TestGetDashboard(t *testing.T) {
	h, _ := newTestHandler()

	w := do(h, http.MethodGet, "/api/dashboard?userId=u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3.0, decode(t, w)["tradeCount"])

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/dashboard?userId=u2", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/dashboard", "").Code)
}

func TestGetDashboard_NotConfigured(t *testing.T) {
	log, _ := test.NewNullLogger()
	h := NewHandler(Deps{Prices: &fakePrices{}}, log)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/dashboard?userId=u1", "").Code)
}

func TestGetRows(t *testing.T) {
	h, _ := newTestHandler()

	w := do(h, http.MethodGet, "/api/rows?userId=u1&table=positions", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "positions", body["table"])
	data := body["data"].([]any)
	require.Len(t, data, 1)
	first := data[0].(map[string]any)
	assert.Equal(t, "p1", first["id"])
	assert.Equal(t, "open", first["data"].(map[string]any)["status"])

	w = do(h, http.MethodGet, "/api/rows?userId=u1&table=TRADES", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{}, decode(t, w)["data"])

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/rows?userId=u2&table=trades", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/rows?userId=u1&table=orders", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/rows?table=trades", "").Code)
	assert.Equal(t, http.StatusNoContent, do(h, http.MethodOptions, "/api/rows", "").Code)
}

func TestGetRows_NotConfigured(t *testing.T) {
	log, _ := test.NewNullLogger()
	h := NewHandler(Deps{Prices: &fakePrices{}}, log)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/rows?userId=u1&table=trades", "").Code)
}

func TestHealthAndNotFound(t *testing.T) {
	h, _ := newTestHandler()

	w := do(h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 1.0, body["tracked"])

	w = do(h, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not found", decode(t, w)["error"])
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusOf(&tracker.ValidationFailure{Field: "x"}))
	assert.Equal(t, http.StatusBadGateway, statusOf(&tracker.AllSourcesFailedError{}))
	assert.Equal(t, http.StatusGatewayTimeout, statusOf(context.DeadlineExceeded))
	assert.Equal(t, http.StatusBadGateway, statusOf(errors.New("boom")))
}
