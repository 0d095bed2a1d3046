package tracker

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Confidence grades how much a price can be trusted.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// WrappedSOLMint is the mint used for SOL on on-chain venues.
const WrappedSOLMint = "So11111111111111111111111111111111111111112"

// Instrument describes how each upstream names the same asset.
type Instrument struct {
	ID             string // caller-facing id: "SOL" or a mint address
	Symbol         string
	CoinGeckoID    string
	ExchangeSymbol string // e.g. SOLUSDT
	Mint           string
}

// DefaultInstruments are always known, even without configuration.
func DefaultInstruments() []Instrument {
	return []Instrument{{
		ID:             "SOL",
		Symbol:         "SOL",
		CoinGeckoID:    "solana",
		ExchangeSymbol: "SOLUSDT",
		Mint:           WrappedSOLMint,
	}}
}

// PriceRecord is one normalized observation from a single source.
type PriceRecord struct {
	InstrumentID string     `json:"instrumentId"`
	Price        float64    `json:"price"`
	Change24h    float64    `json:"change24h"`
	Volume24h    float64    `json:"volume24h"`
	MarketCap    float64    `json:"marketCap"`
	ObservedAt   time.Time  `json:"observedAt"`
	Source       string     `json:"source"`
	Confidence   Confidence `json:"confidence"`
}

func (r PriceRecord) validate() error {
	for name, v := range map[string]float64{
		"price":      r.Price,
		"change24h":  r.Change24h,
		"volume24h":  r.Volume24h,
		"market cap": r.MarketCap,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s is not a finite number", name)
		}
	}
	if r.Price < 0 || r.Volume24h < 0 || r.MarketCap < 0 {
		return fmt.Errorf("negative value in record (price=%v volume=%v mcap=%v)", r.Price, r.Volume24h, r.MarketCap)
	}
	return nil
}

// PricePoint is one entry of a rolling history.
type PricePoint struct {
	Price      float64   `json:"price"`
	ObservedAt time.Time `json:"observedAt"`
}

// TokenHolding is one token balance of a wallet.
type TokenHolding struct {
	Mint      string  `json:"mint"`
	Symbol    string  `json:"symbol"`
	Name      string  `json:"name,omitempty"`
	RawAmount uint64  `json:"balance"`
	Decimals  uint8   `json:"decimals"`
	UIAmount  float64 `json:"uiAmount"`
}

// WalletSnapshot is a normalized wallet at one point in time.
type WalletSnapshot struct {
	Address       string         `json:"address"`
	BalanceNative float64        `json:"balanceNative"`
	Tokens        []TokenHolding `json:"tokens"`
	FetchedAt     time.Time      `json:"fetchedAt"`
}

// OHLCVPoint is one candle; Time is unix seconds.
type OHLCVPoint struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Freshness maps the request interval hint to the maximum age of a cached price.
func Freshness(interval string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(interval)) {
	case "", "fast":
		return 15 * time.Second, nil
	case "medium":
		return 30 * time.Second, nil
	case "slow":
		return 60 * time.Second, nil
	default:
		return 0, &ValidationFailure{Field: "interval", Message: fmt.Sprintf("unknown interval %q", interval)}
	}
}
