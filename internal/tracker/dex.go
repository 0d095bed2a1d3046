package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	dexscreenerAPIEndpoint = "https://api.dexscreener.com"
	jupiterAPIEndpoint     = "https://api.jup.ag/price/v2"
	pumpfunAPIEndpoint     = "https://frontend-api.pump.fun"

	maxPriceUSD = 1_000_000_000_000.0
	minPriceUSD = 0.000000001

	lamportsPerSOL    = 1e9
	pumpTokenUnitBase = 1e6 // pump.fun mints use 6 decimals
)

// DexPair is one liquidity pool as reported by DexScreener.
type DexPair struct {
	ChainID     string `json:"chainId"`
	DexID       string `json:"dexId"`
	PairAddress string `json:"pairAddress"`
	BaseToken   struct {
		Address string `json:"address"`
		Symbol  string `json:"symbol"`
		Name    string `json:"name"`
	} `json:"baseToken"`
	PriceUsd  string `json:"priceUsd"`
	Liquidity struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
	Volume struct {
		H24 float64 `json:"h24"`
	} `json:"volume"`
	PriceChange struct {
		M5  float64 `json:"m5"`
		H1  float64 `json:"h1"`
		H6  float64 `json:"h6"`
		H24 float64 `json:"h24"`
	} `json:"priceChange"`
	MarketCap float64 `json:"marketCap"`
}

// PriceUSD parses the pair's quoted price.
func (p DexPair) PriceUSD() (float64, error) {
	return strconv.ParseFloat(p.PriceUsd, 64)
}

// DexScreenerSource reads on-chain pool prices.
type DexScreenerSource struct {
	client  *http.Client
	BaseURL string
}

func NewDexScreenerSource(client *http.Client) *DexScreenerSource {
	if client == nil {
		client = NewHTTPClient()
	}
	return &DexScreenerSource{client: client, BaseURL: dexscreenerAPIEndpoint}
}

func (s *DexScreenerSource) Name() string { return "dexscreener" }

// Pairs returns the pools whose base token is mint, in upstream order.
func (s *DexScreenerSource) Pairs(ctx context.Context, mint string) ([]DexPair, error) {
	var result struct {
		Pairs []DexPair `json:"pairs"`
	}
	endpoint := fmt.Sprintf("%s/latest/dex/tokens/%s", s.BaseURL, url.PathEscape(mint))
	if err := getJSON(ctx, s.client, endpoint, nil, &result); err != nil {
		return nil, &AdapterFailure{Source: s.Name(), Err: err}
	}

	pairs := make([]DexPair, 0, len(result.Pairs))
	for _, p := range result.Pairs {
		if strings.EqualFold(p.BaseToken.Address, mint) {
			pairs = append(pairs, p)
		}
	}
	return pairs, nil
}

// BestPair picks the pool with the highest USD liquidity; the first one wins ties.
func BestPair(pairs []DexPair) (DexPair, bool) {
	if len(pairs) == 0 {
		return DexPair{}, false
	}
	best := pairs[0]
	for _, p := range pairs[1:] {
		if p.Liquidity.USD > best.Liquidity.USD {
			best = p
		}
	}
	return best, true
}

func (s *DexScreenerSource) Fetch(ctx context.Context, inst Instrument) (PriceRecord, error) {
	if inst.Mint == "" {
		return PriceRecord{}, &AdapterFailure{Source: s.Name(), Err: ErrUnsupported}
	}
	pairs, err := s.Pairs(ctx, inst.Mint)
	if err != nil {
		return PriceRecord{}, err
	}
	best, ok := BestPair(pairs)
	if !ok {
		return PriceRecord{}, &AdapterFailure{Source: s.Name(), Err: ErrNoLiquidity}
	}
	price, err := best.PriceUSD()
	if err != nil || price <= 0 {
		return PriceRecord{}, sourceFailure(s.Name(), "bad price %q in pair %s", best.PriceUsd, best.PairAddress)
	}

	return PriceRecord{
		Price:      price,
		Source:     s.Name(),
		Confidence: ConfidenceMedium,
	}, nil
}

// JupiterSource prices mints through the Jupiter price API.
type JupiterSource struct {
	client  *http.Client
	BaseURL string
}

func NewJupiterSource(client *http.Client) *JupiterSource {
	if client == nil {
		client = NewHTTPClient()
	}
	return &JupiterSource{client: client, BaseURL: jupiterAPIEndpoint}
}

func (s *JupiterSource) Name() string { return "jupiter" }

func (s *JupiterSource) Fetch(ctx context.Context, inst Instrument) (PriceRecord, error) {
	if inst.Mint == "" {
		return PriceRecord{}, &AdapterFailure{Source: s.Name(), Err: ErrUnsupported}
	}

	var result struct {
		Data map[string]*struct {
			ID        string `json:"id"`
			Price     string `json:"price"`
			ExtraInfo struct {
				ConfidenceLevel string `json:"confidenceLevel"`
			} `json:"extraInfo"`
		} `json:"data"`
	}
	endpoint := fmt.Sprintf("%s?ids=%s&showExtraInfo=true", s.BaseURL, url.QueryEscape(inst.Mint))
	if err := getJSON(ctx, s.client, endpoint, nil, &result); err != nil {
		return PriceRecord{}, &AdapterFailure{Source: s.Name(), Err: err}
	}

	data := result.Data[inst.Mint]
	if data == nil || data.Price == "" {
		return PriceRecord{}, sourceFailure(s.Name(), "no price for %s", inst.Mint)
	}

	level := strings.ToLower(data.ExtraInfo.ConfidenceLevel)
	if level == "" || level == "low" || level == "unknown" {
		return PriceRecord{}, sourceFailure(s.Name(), "confidence %q too low for %s", data.ExtraInfo.ConfidenceLevel, inst.Mint)
	}

	price, err := strconv.ParseFloat(data.Price, 64)
	if err != nil {
		return PriceRecord{}, sourceFailure(s.Name(), "parse price %q: %v", data.Price, err)
	}
	if price <= minPriceUSD || price >= maxPriceUSD {
		return PriceRecord{}, sourceFailure(s.Name(), "price %v out of range", price)
	}

	confidence := ConfidenceMedium
	if level == "high" {
		confidence = ConfidenceHigh
	}
	return PriceRecord{
		Price:      price,
		Source:     s.Name(),
		Confidence: confidence,
	}, nil
}

// PumpFunSource prices tokens still trading on a pump.fun bonding curve.
type PumpFunSource struct {
	client  *http.Client
	BaseURL string
	// ReferenceRate is the USD price of SOL used when no live rate is available.
	ReferenceRate float64
	liveRate      func() (float64, bool)
}

func NewPumpFunSource(client *http.Client, referenceRate float64) *PumpFunSource {
	if client == nil {
		client = NewHTTPClient()
	}
	return &PumpFunSource{client: client, BaseURL: pumpfunAPIEndpoint, ReferenceRate: referenceRate}
}

// WithLiveRate prefers fn over the reference rate whenever it reports a value.
func (s *PumpFunSource) WithLiveRate(fn func() (float64, bool)) *PumpFunSource {
	s.liveRate = fn
	return s
}

func (s *PumpFunSource) Name() string { return "pumpfun" }

func (s *PumpFunSource) quoteRate() (float64, bool) {
	if s.liveRate != nil {
		if rate, ok := s.liveRate(); ok && rate > 0 {
			return rate, true
		}
	}
	if s.ReferenceRate > 0 {
		return s.ReferenceRate, true
	}
	return 0, false
}

func (s *PumpFunSource) Fetch(ctx context.Context, inst Instrument) (PriceRecord, error) {
	if inst.Mint == "" || inst.Mint == WrappedSOLMint {
		return PriceRecord{}, &AdapterFailure{Source: s.Name(), Err: ErrUnsupported}
	}

	var coin struct {
		Mint                 string  `json:"mint"`
		Symbol               string  `json:"symbol"`
		VirtualSolReserves   float64 `json:"virtual_sol_reserves"`
		VirtualTokenReserves float64 `json:"virtual_token_reserves"`
		TotalSupply          float64 `json:"total_supply"`
		USDMarketCap         float64 `json:"usd_market_cap"`
		Complete             bool    `json:"complete"`
	}
	endpoint := fmt.Sprintf("%s/coins/%s", s.BaseURL, url.PathEscape(inst.Mint))
	if err := getJSON(ctx, s.client, endpoint, nil, &coin); err != nil {
		return PriceRecord{}, &AdapterFailure{Source: s.Name(), Err: err}
	}

	supply := coin.TotalSupply / pumpTokenUnitBase
	if coin.USDMarketCap > 0 && supply > 0 {
		return PriceRecord{
			Price:      coin.USDMarketCap / supply,
			MarketCap:  coin.USDMarketCap,
			Source:     s.Name(),
			Confidence: ConfidenceMedium,
		}, nil
	}

	if coin.VirtualSolReserves <= 0 || coin.VirtualTokenReserves <= 0 {
		return PriceRecord{}, sourceFailure(s.Name(), "no bonding curve reserves for %s", inst.Mint)
	}
	rate, ok := s.quoteRate()
	if !ok {
		return PriceRecord{}, sourceFailure(s.Name(), "no SOL quote rate to price %s", inst.Mint)
	}

	priceSOL := (coin.VirtualSolReserves / lamportsPerSOL) / (coin.VirtualTokenReserves / pumpTokenUnitBase)
	price := priceSOL * rate
	var mcap float64
	if supply > 0 {
		mcap = price * supply
	}
	return PriceRecord{
		Price:      price,
		MarketCap:  mcap,
		Source:     s.Name(),
		Confidence: ConfidenceLow,
	}, nil
}
