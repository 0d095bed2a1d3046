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
	cmcAPIEndpoint       = "https://pro-api.coinmarketcap.com/v1"
	coingeckoAPIEndpoint = "https://api.coingecko.com/api/v3"
	binanceAPIEndpoint   = "https://api.binance.com"
)

// CMCSource prices instruments through CoinMarketCap quotes.
type CMCSource struct {
	client  *http.Client
	BaseURL string
	apiKey  string
}

func NewCMCSource(apiKey string, client *http.Client) *CMCSource {
	if client == nil {
		client = NewHTTPClient()
	}
	return &CMCSource{
		client:  client,
		BaseURL: cmcAPIEndpoint,
		apiKey:  apiKey,
	}
}

func (s *CMCSource) Name() string { return "coinmarketcap" }

// Fetch queries the latest quote by symbol.
func (s *CMCSource) Fetch(ctx context.Context, inst Instrument) (PriceRecord, error) {
	if s.apiKey == "" {
		return PriceRecord{}, &AdapterFailure{Source: s.Name(), Err: fmt.Errorf("missing api key")}
	}
	if inst.Symbol == "" {
		return PriceRecord{}, &AdapterFailure{Source: s.Name(), Err: ErrUnsupported}
	}
	symbol := strings.ToUpper(inst.Symbol)

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("convert", "USD")
	endpoint := fmt.Sprintf("%s/cryptocurrency/quotes/latest?%s", s.BaseURL, q.Encode())

	var result struct {
		Status struct {
			ErrorCode    int    `json:"error_code"`
			ErrorMessage string `json:"error_message"`
		} `json:"status"`
		Data map[string]struct {
			Symbol string `json:"symbol"`
			Quote  struct {
				USD struct {
					Price            float64 `json:"price"`
					PercentChange24h float64 `json:"percent_change_24h"`
					Volume24h        float64 `json:"volume_24h"`
					MarketCap        float64 `json:"market_cap"`
				} `json:"USD"`
			} `json:"quote"`
		} `json:"data"`
	}

	headers := map[string]string{"X-CMC_PRO_API_KEY": s.apiKey}
	if err := getJSON(ctx, s.client, endpoint, headers, &result); err != nil {
		return PriceRecord{}, &AdapterFailure{Source: s.Name(), Err: err}
	}
	if result.Status.ErrorCode != 0 {
		return PriceRecord{}, sourceFailure(s.Name(), "api error %d - %s", result.Status.ErrorCode, result.Status.ErrorMessage)
	}

	data, ok := result.Data[symbol]
	if !ok {
		return PriceRecord{}, sourceFailure(s.Name(), "symbol %s not listed", symbol)
	}
	usd := data.Quote.USD
	if usd.Price <= 0 {
		return PriceRecord{}, sourceFailure(s.Name(), "no price for %s", symbol)
	}

	return PriceRecord{
		Price:      usd.Price,
		Change24h:  usd.PercentChange24h,
		Volume24h:  usd.Volume24h,
		MarketCap:  usd.MarketCap,
		Source:     s.Name(),
		Confidence: ConfidenceHigh,
	}, nil
}

// CoinGeckoSource reads the aggregated market index.
type CoinGeckoSource struct {
	client  *http.Client
	BaseURL string
	apiKey  string
}

func NewCoinGeckoSource(apiKey string, client *http.Client) *CoinGeckoSource {
	if client == nil {
		client = NewHTTPClient()
	}
	return &CoinGeckoSource{
		client:  client,
		BaseURL: coingeckoAPIEndpoint,
		apiKey:  apiKey,
	}
}

func (s *CoinGeckoSource) Name() string { return "coingecko" }

func (s *CoinGeckoSource) Fetch(ctx context.Context, inst Instrument) (PriceRecord, error) {
	q := url.Values{}
	q.Set("vs_currencies", "usd")
	q.Set("include_24hr_change", "true")
	q.Set("include_24hr_vol", "true")
	q.Set("include_market_cap", "true")

	var endpoint, key string
	switch {
	case inst.CoinGeckoID != "":
		q.Set("ids", inst.CoinGeckoID)
		endpoint = fmt.Sprintf("%s/simple/price?%s", s.BaseURL, q.Encode())
		key = inst.CoinGeckoID
	case inst.Mint != "":
		q.Set("contract_addresses", inst.Mint)
		endpoint = fmt.Sprintf("%s/simple/token_price/solana?%s", s.BaseURL, q.Encode())
		key = inst.Mint
	default:
		return PriceRecord{}, &AdapterFailure{Source: s.Name(), Err: ErrUnsupported}
	}

	var headers map[string]string
	if s.apiKey != "" {
		headers = map[string]string{"x-cg-demo-api-key": s.apiKey}
	}

	var result map[string]map[string]float64
	if err := getJSON(ctx, s.client, endpoint, headers, &result); err != nil {
		return PriceRecord{}, &AdapterFailure{Source: s.Name(), Err: err}
	}

	entry, ok := result[key]
	if !ok {
		// token_price lower-cases some addresses
		for k, v := range result {
			if strings.EqualFold(k, key) {
				entry, ok = v, true
				break
			}
		}
	}
	if !ok || entry["usd"] <= 0 {
		return PriceRecord{}, sourceFailure(s.Name(), "no usd price for %s", key)
	}

	return PriceRecord{
		Price:      entry["usd"],
		Change24h:  entry["usd_24h_change"],
		Volume24h:  entry["usd_24h_vol"],
		MarketCap:  entry["usd_market_cap"],
		Source:     s.Name(),
		Confidence: ConfidenceHigh,
	}, nil
}

// BinanceSource reads the 24h exchange ticker. It has no market cap.
type BinanceSource struct {
	client     *http.Client
	BaseURL    string
	QuoteAsset string
}

func NewBinanceSource(client *http.Client) *BinanceSource {
	if client == nil {
		client = NewHTTPClient()
	}
	return &BinanceSource{
		client:     client,
		BaseURL:    binanceAPIEndpoint,
		QuoteAsset: "USDT",
	}
}

func (s *BinanceSource) Name() string { return "binance" }

func (s *BinanceSource) symbol(inst Instrument) string {
	if inst.ExchangeSymbol != "" {
		return strings.ToUpper(inst.ExchangeSymbol)
	}
	if inst.Symbol != "" {
		return strings.ToUpper(inst.Symbol) + s.QuoteAsset
	}
	return ""
}

func (s *BinanceSource) Fetch(ctx context.Context, inst Instrument) (PriceRecord, error) {
	symbol := s.symbol(inst)
	if symbol == "" {
		return PriceRecord{}, &AdapterFailure{Source: s.Name(), Err: ErrUnsupported}
	}

	var ticker struct {
		Symbol             string `json:"symbol"`
		LastPrice          string `json:"lastPrice"`
		PriceChangePercent string `json:"priceChangePercent"`
		QuoteVolume        string `json:"quoteVolume"`
	}
	endpoint := fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", s.BaseURL, url.QueryEscape(symbol))
	if err := getJSON(ctx, s.client, endpoint, nil, &ticker); err != nil {
		return PriceRecord{}, &AdapterFailure{Source: s.Name(), Err: err}
	}

	price, err := strconv.ParseFloat(ticker.LastPrice, 64)
	if err != nil {
		return PriceRecord{}, sourceFailure(s.Name(), "parse price %q: %v", ticker.LastPrice, err)
	}
	change, err := strconv.ParseFloat(ticker.PriceChangePercent, 64)
	if err != nil {
		return PriceRecord{}, sourceFailure(s.Name(), "parse change %q: %v", ticker.PriceChangePercent, err)
	}
	volume, err := strconv.ParseFloat(ticker.QuoteVolume, 64)
	if err != nil {
		return PriceRecord{}, sourceFailure(s.Name(), "parse volume %q: %v", ticker.QuoteVolume, err)
	}
	if price <= 0 {
		return PriceRecord{}, sourceFailure(s.Name(), "no price for %s", symbol)
	}

	return PriceRecord{
		Price:      price,
		Change24h:  change,
		Volume24h:  volume,
		MarketCap:  0,
		Source:     s.Name(),
		Confidence: ConfidenceHigh,
	}, nil
}
