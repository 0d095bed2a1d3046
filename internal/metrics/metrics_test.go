package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestHandlerExposesRecordedSeries(t *testing.T) {
	ObserveSource("binance", 20*time.Millisecond, nil)
	ObserveSource("coinmarketcap", time.Second, errors.New("timeout"))
	RecordExhausted("price")
	UpdatePrice("SOL", 150.25)
	RecordSkipped("SOL")
	RecordEvent("trades", "INSERT")

	body := scrape(t)
	assert.Contains(t, body, `market_sync_source_requests_total{outcome="ok",source="binance"} 1`)
	assert.Contains(t, body, `market_sync_source_requests_total{outcome="error",source="coinmarketcap"} 1`)
	assert.Contains(t, body, `market_sync_chain_exhausted_total{chain="price"} 1`)
	assert.Contains(t, body, `market_sync_current_price{instrument="SOL"} 150.25`)
	assert.Contains(t, body, `market_sync_refresh_skipped_total{instrument="SOL"} 1`)
	assert.Contains(t, body, `market_sync_realtime_events_total{table="trades",type="INSERT"} 1`)
}

func TestForgetPrice(t *testing.T) {
	UpdatePrice("GONE", 1)
	ForgetPrice("GONE")

	assert.NotContains(t, scrape(t), `instrument="GONE"`)
}
