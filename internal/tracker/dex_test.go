package tracker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pumpMint = "7GCihgDB8fe6KNjn2MYtkzZcRjQy3t9GHdC8uHYmW2hr"

func TestBestPair(t *testing.T) {
	_, ok := BestPair(nil)
	assert.False(t, ok)

	pairs := make([]DexPair, 3)
	pairs[0].PairAddress, pairs[0].Liquidity.USD = "a", 10
	pairs[1].PairAddress, pairs[1].Liquidity.USD = "b", 50
	pairs[2].PairAddress, pairs[2].Liquidity.USD = "c", 50

	best, ok := BestPair(pairs)
	require.True(t, ok)
	assert.Equal(t, "b", best.PairAddress, "first pool wins a liquidity tie")
}

func TestDexScreenerSource_Fetch(t *testing.T) {
	srv := serveJSON(t, func(r *http.Request) (int, string) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/latest/dex/tokens/"+jupMint))
		return http.StatusOK, `{"pairs":[
			{"pairAddress":"other","baseToken":{"address":"So11111111111111111111111111111111111111112"},"priceUsd":"150","liquidity":{"usd":9999999}},
			{"pairAddress":"small","baseToken":{"address":"` + jupMint + `"},"priceUsd":"0.80","liquidity":{"usd":100}},
			{"pairAddress":"deep","baseToken":{"address":"` + jupMint + `"},"priceUsd":"0.85","liquidity":{"usd":5000}}
		]}`
	})
	src := NewDexScreenerSource(srv.Client())
	src.BaseURL = srv.URL

	rec, err := src.Fetch(context.Background(), Instrument{ID: jupMint, Mint: jupMint})
	require.NoError(t, err)
	assert.Equal(t, 0.85, rec.Price)
	assert.Equal(t, ConfidenceMedium, rec.Confidence)
}

func TestDexScreenerSource_NoPairs(t *testing.T) {
	srv := serveJSON(t, func(*http.Request) (int, string) {
		return http.StatusOK, `{"pairs":null}`
	})
	src := NewDexScreenerSource(srv.Client())
	src.BaseURL = srv.URL

	_, err := src.Fetch(context.Background(), Instrument{ID: jupMint, Mint: jupMint})
	assert.True(t, errors.Is(err, ErrNoLiquidity))
}

func TestJupiterSource_Fetch(t *testing.T) {
	srv := serveJSON(t, func(r *http.Request) (int, string) {
		assert.Equal(t, jupMint, r.URL.Query().Get("ids"))
		assert.Equal(t, "true", r.URL.Query().Get("showExtraInfo"))
		return http.StatusOK, `{"data":{"` + jupMint + `":{"id":"` + jupMint + `","price":"0.8512","extraInfo":{"confidenceLevel":"high"}}}}`
	})
	src := NewJupiterSource(srv.Client())
	src.BaseURL = srv.URL

	rec, err := src.Fetch(context.Background(), Instrument{ID: jupMint, Mint: jupMint})
	require.NoError(t, err)
	assert.Equal(t, 0.8512, rec.Price)
	assert.Equal(t, ConfidenceHigh, rec.Confidence)
}

func TestJupiterSource_Rejects(t *testing.T) {
	cases := map[string]string{
		"low confidence": `{"data":{"` + jupMint + `":{"price":"1.0","extraInfo":{"confidenceLevel":"low"}}}}`,
		"no confidence":  `{"data":{"` + jupMint + `":{"price":"1.0"}}}`,
		"missing":        `{"data":{}}`,
		"out of range":   `{"data":{"` + jupMint + `":{"price":"1e13","extraInfo":{"confidenceLevel":"medium"}}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := serveJSON(t, func(*http.Request) (int, string) { return http.StatusOK, body })
			src := NewJupiterSource(srv.Client())
			src.BaseURL = srv.URL

			_, err := src.Fetch(context.Background(), Instrument{ID: jupMint, Mint: jupMint})
			var failure *AdapterFailure
			assert.ErrorAs(t, err, &failure)
		})
	}
}

func TestPumpFunSource_MarketCap(t *testing.T) {
	srv := serveJSON(t, func(r *http.Request) (int, string) {
		assert.Equal(t, "/coins/"+pumpMint, r.URL.Path)
		return http.StatusOK, `{"mint":"` + pumpMint + `","total_supply":1000000000000000,"usd_market_cap":50000,"virtual_sol_reserves":30000000000,"virtual_token_reserves":1000000000000000}`
	})
	src := NewPumpFunSource(srv.Client(), 0)
	src.BaseURL = srv.URL

	rec, err := src.Fetch(context.Background(), Instrument{ID: pumpMint, Mint: pumpMint})
	require.NoError(t, err)
	assert.InDelta(t, 0.00005, rec.Price, 1e-12)
	assert.Equal(t, ConfidenceMedium, rec.Confidence)
}

func TestPumpFunSource_BondingCurve(t *testing.T) {
	srv := serveJSON(t, func(*http.Request) (int, string) {
		return http.StatusOK, `{"mint":"` + pumpMint + `","virtual_sol_reserves":30000000000,"virtual_token_reserves":1000000000000000}`
	})
	src := NewPumpFunSource(srv.Client(), 150)
	src.BaseURL = srv.URL
	inst := Instrument{ID: pumpMint, Mint: pumpMint}

	// 30 SOL / 1e9 tokens at the reference rate
	rec, err := src.Fetch(context.Background(), inst)
	require.NoError(t, err)
	assert.InDelta(t, 30.0/1e9*150, rec.Price, 1e-15)
	assert.Equal(t, ConfidenceLow, rec.Confidence)

	src.WithLiveRate(func() (float64, bool) { return 200, true })
	rec, err = src.Fetch(context.Background(), inst)
	require.NoError(t, err)
	assert.InDelta(t, 30.0/1e9*200, rec.Price, 1e-15, "a live rate beats the reference rate")
}

func TestPumpFunSource_NoRate(t *testing.T) {
	srv := serveJSON(t, func(*http.Request) (int, string) {
		return http.StatusOK, `{"virtual_sol_reserves":30000000000,"virtual_token_reserves":1000000000000000}`
	})
	src := NewPumpFunSource(srv.Client(), 0).WithLiveRate(func() (float64, bool) { return 0, false })
	src.BaseURL = srv.URL

	_, err := src.Fetch(context.Background(), Instrument{ID: pumpMint, Mint: pumpMint})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quote rate")
}

func TestPumpFunSource_SkipsSOL(t *testing.T) {
	_, err := NewPumpFunSource(nil, 150).Fetch(context.Background(), sol)
	assert.ErrorIs(t, err, ErrUnsupported)
}
