package tracker

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"market-sync/internal/metrics"
)

const (
	geckoterminalAPIEndpoint = "https://api.geckoterminal.com/api/v2"
	defaultChartInterval     = "1h"
	defaultChartPoints       = 100
)

type chartInterval struct {
	timeframe string // geckoterminal timeframe
	aggregate int
	step      time.Duration
}

var chartIntervals = map[string]chartInterval{
	"1m":  {"minute", 1, time.Minute},
	"5m":  {"minute", 5, 5 * time.Minute},
	"15m": {"minute", 15, 15 * time.Minute},
	"1h":  {"hour", 1, time.Hour},
	"4h":  {"hour", 4, 4 * time.Hour},
	"1d":  {"day", 1, 24 * time.Hour},
}

// ChartQuery is what a series builder needs to produce candles.
type ChartQuery struct {
	Pair     DexPair
	Interval string
	Limit    int
	Now      time.Time
	frame    chartInterval
}

// PairFinder lists the liquidity pools of a mint.
type PairFinder interface {
	Pairs(ctx context.Context, mint string) ([]DexPair, error)
}

// ChartBuilder produces a candle series for a pool.
type ChartBuilder = Candidate[ChartQuery, []OHLCVPoint]

// GeckoTerminalSource reads pool OHLCV candles.
type GeckoTerminalSource struct {
	client  *http.Client
	BaseURL string
}

func NewGeckoTerminalSource(client *http.Client) *GeckoTerminalSource {
	if client == nil {
		client = NewHTTPClient()
	}
	return &GeckoTerminalSource{client: client, BaseURL: geckoterminalAPIEndpoint}
}

func (s *GeckoTerminalSource) Name() string { return "geckoterminal" }

func (s *GeckoTerminalSource) Fetch(ctx context.Context, q ChartQuery) ([]OHLCVPoint, error) {
	if q.Pair.PairAddress == "" {
		return nil, &AdapterFailure{Source: s.Name(), Err: ErrUnsupported}
	}
	params := url.Values{}
	params.Set("aggregate", fmt.Sprint(q.frame.aggregate))
	params.Set("limit", fmt.Sprint(q.Limit))
	params.Set("currency", "usd")
	endpoint := fmt.Sprintf("%s/networks/solana/pools/%s/ohlcv/%s?%s",
		s.BaseURL, url.PathEscape(q.Pair.PairAddress), q.frame.timeframe, params.Encode())

	var result struct {
		Data struct {
			Attributes struct {
				OHLCVList [][]float64 `json:"ohlcv_list"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := getJSON(ctx, s.client, endpoint, nil, &result); err != nil {
		return nil, &AdapterFailure{Source: s.Name(), Err: err}
	}

	list := result.Data.Attributes.OHLCVList
	if len(list) == 0 {
		return nil, sourceFailure(s.Name(), "no candles for pool %s", q.Pair.PairAddress)
	}
	points := make([]OHLCVPoint, 0, len(list))
	// newest first upstream
	for i := len(list) - 1; i >= 0; i-- {
		row := list[i]
		if len(row) < 6 {
			return nil, sourceFailure(s.Name(), "short candle row of %d fields", len(row))
		}
		points = append(points, OHLCVPoint{
			Time:   int64(row[0]),
			Open:   row[1],
			High:   row[2],
			Low:    row[3],
			Close:  row[4],
			Volume: row[5],
		})
	}
	return points, nil
}

// SyntheticChart derives a deterministic series from the pool's current
// price and its reported 5m/1h/6h/24h changes.
type SyntheticChart struct{}

func (SyntheticChart) Name() string { return "synthetic" }

type chartKnot struct {
	age   time.Duration
	price float64
}

func (SyntheticChart) Fetch(_ context.Context, q ChartQuery) ([]OHLCVPoint, error) {
	price, err := q.Pair.PriceUSD()
	if err != nil || price <= 0 {
		return nil, sourceFailure("synthetic", "pair %s has no usable price", q.Pair.PairAddress)
	}

	past := func(changePct float64) float64 {
		if changePct <= -100 {
			return 0
		}
		return price / (1 + changePct/100)
	}
	knots := []chartKnot{
		{0, price},
		{5 * time.Minute, past(q.Pair.PriceChange.M5)},
		{time.Hour, past(q.Pair.PriceChange.H1)},
		{6 * time.Hour, past(q.Pair.PriceChange.H6)},
		{24 * time.Hour, past(q.Pair.PriceChange.H24)},
	}
	at := func(age time.Duration) float64 {
		for i := 1; i < len(knots); i++ {
			if age <= knots[i].age {
				lo, hi := knots[i-1], knots[i]
				frac := float64(age-lo.age) / float64(hi.age-lo.age)
				return lo.price + (hi.price-lo.price)*frac
			}
		}
		return knots[len(knots)-1].price
	}

	step := q.frame.step
	end := q.Now.Truncate(step)
	perCandleVolume := q.Pair.Volume.H24 * float64(step) / float64(24*time.Hour)

	points := make([]OHLCVPoint, 0, q.Limit)
	for i := q.Limit - 1; i >= 0; i-- {
		closeAge := time.Duration(i) * step
		open, closePrice := at(closeAge+step), at(closeAge)
		points = append(points, OHLCVPoint{
			Time:   end.Add(-closeAge).Unix(),
			Open:   open,
			High:   math.Max(open, closePrice),
			Low:    math.Min(open, closePrice),
			Close:  closePrice,
			Volume: perCandleVolume,
		})
	}
	return points, nil
}

// ClampCandle forces a candle to satisfy low <= open,close <= high with no
// negative values.
func ClampCandle(p OHLCVPoint) OHLCVPoint {
	nonNeg := func(v float64) float64 {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return v
	}
	p.Open, p.High, p.Low, p.Close, p.Volume = nonNeg(p.Open), nonNeg(p.High), nonNeg(p.Low), nonNeg(p.Close), nonNeg(p.Volume)
	p.High = math.Max(p.High, math.Max(p.Open, p.Close))
	p.Low = math.Min(p.Low, math.Min(p.Open, p.Close))
	return p
}

// ChartService builds candle series for a mint's most liquid pool.
type ChartService struct {
	pairs PairFinder
	chain Chain[ChartQuery, []OHLCVPoint]
	limit int
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewChartService(pairs PairFinder, builders []ChartBuilder, timeout time.Duration, log logrus.FieldLogger) *ChartService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &ChartService{
		pairs: pairs,
		limit: defaultChartPoints,
		log:   log.WithField("component", "chart"),
		now:   time.Now,
	}
	s.chain = Chain[ChartQuery, []OHLCVPoint]{
		Candidates: builders,
		Timeout:    timeout,
		Observe: func(builder string, elapsed time.Duration, err error) {
			metrics.ObserveSource(builder, elapsed, err)
			if err != nil {
				s.log.WithError(err).WithField("builder", builder).Debug("chart builder failed, trying next")
			}
		},
	}
	return s
}

// ChartIntervalOf normalizes an interval, defaulting to 1h.
func ChartIntervalOf(interval string) (string, error) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return defaultChartInterval, nil
	}
	if _, ok := chartIntervals[interval]; !ok {
		return "", &ValidationFailure{Field: "interval", Message: fmt.Sprintf("unsupported chart interval %q", interval)}
	}
	return interval, nil
}

// Series returns candles oldest first. A mint without any pool yields an
// empty series and no error.
func (s *ChartService) Series(ctx context.Context, mint, interval string) ([]OHLCVPoint, error) {
	mint = strings.TrimSpace(mint)
	if mint == "" {
		return nil, &ValidationFailure{Field: "mint", Message: "is required"}
	}
	interval, err := ChartIntervalOf(interval)
	if err != nil {
		return nil, err
	}

	pairs, err := s.pairs.Pairs(ctx, mint)
	if err != nil {
		return nil, err
	}
	best, ok := BestPair(pairs)
	if !ok {
		return []OHLCVPoint{}, nil
	}

	q := ChartQuery{
		Pair:     best,
		Interval: interval,
		Limit:    s.limit,
		Now:      s.now(),
		frame:    chartIntervals[interval],
	}
	points, _, err := s.chain.Run(ctx, mint, q)
	if err != nil {
		metrics.RecordExhausted("chart")
		return nil, err
	}
	for i := range points {
		points[i] = ClampCandle(points[i])
	}
	return points, nil
}
