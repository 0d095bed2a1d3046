package tracker

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"market-sync/internal/metrics"
)

// ErrTrackLimit is returned by Track when the tracked set is full.
var ErrTrackLimit = errors.New("tracked instrument limit reached")

// AggregatorOptions tunes an Aggregator; zero values take defaults.
type AggregatorOptions struct {
	HistoryCapacity int
	MaxParallel     int
	MaxTracked      int
	// AlertThreshold is the percent move over AlertWindow that gets logged
	// as a price alert. Zero disables alerts.
	AlertThreshold float64
	AlertWindow    time.Duration
	Logger         logrus.FieldLogger
}

func (o *AggregatorOptions) defaults() {
	if o.HistoryCapacity <= 0 {
		o.HistoryCapacity = DefaultHistoryCapacity
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = 5
	}
	if o.MaxTracked <= 0 {
		o.MaxTracked = 200
	}
	if o.AlertWindow <= 0 {
		o.AlertWindow = time.Minute
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// RefreshReport summarizes one refresh pass.
type RefreshReport struct {
	Updated []string
	// Discarded results were older than the value already committed.
	Discarded []string
	Failed    map[string]error
	// Skipped instruments already had a refresh in flight.
	Skipped []string
}

// Aggregator owns the current price of every tracked instrument and its
// rolling history. It is the only writer of both.
type Aggregator struct {
	resolver *Resolver
	opts     AggregatorOptions
	log      logrus.FieldLogger

	mu        sync.RWMutex
	current   map[string]PriceRecord
	histories map[string]*History
	tracked   map[string]struct{}
	inflight  map[string]struct{}
	hooks     []func(PriceRecord)

	flight singleflight.Group
	now    func() time.Time
}

func NewAggregator(resolver *Resolver, opts AggregatorOptions) *Aggregator {
	opts.defaults()
	return &Aggregator{
		resolver:  resolver,
		opts:      opts,
		log:       opts.Logger.WithField("component", "aggregator"),
		current:   make(map[string]PriceRecord),
		histories: make(map[string]*History),
		tracked:   make(map[string]struct{}),
		inflight:  make(map[string]struct{}),
		now:       time.Now,
	}
}

// Track adds instruments to the refresh set.
func (a *Aggregator) Track(ids ...string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			continue
		}
		inst, err := a.resolver.Lookup(id)
		if err != nil {
			return err
		}
		key := inst.ID
		if _, ok := a.tracked[key]; ok {
			continue
		}
		if len(a.tracked) >= a.opts.MaxTracked {
			return ErrTrackLimit
		}
		a.tracked[key] = struct{}{}
	}
	return nil
}

// Untrack drops an instrument together with its cached value and history.
func (a *Aggregator) Untrack(id string) {
	key := a.resolver.Canonical(id)
	a.mu.Lock()
	delete(a.tracked, key)
	delete(a.current, key)
	delete(a.histories, key)
	a.mu.Unlock()
	metrics.ForgetPrice(key)
}

// Tracked lists tracked instruments in a stable order.
func (a *Aggregator) Tracked() []string {
	a.mu.RLock()
	ids := make([]string, 0, len(a.tracked))
	for id := range a.tracked {
		ids = append(ids, id)
	}
	a.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// forget untracks key unless a value was ever committed for it.
func (a *Aggregator) forget(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.current[key]; !ok {
		delete(a.tracked, key)
	}
}

func (a *Aggregator) isTracked(key string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.tracked[key]
	return ok
}

// OnUpdate registers fn to run after every committed record.
func (a *Aggregator) OnUpdate(fn func(PriceRecord)) {
	a.mu.Lock()
	a.hooks = append(a.hooks, fn)
	a.mu.Unlock()
}

// Current returns the committed value for id.
func (a *Aggregator) Current(id string) (PriceRecord, bool) {
	key := a.resolver.Canonical(id)
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.current[key]
	return rec, ok
}

// Snapshot copies the current-value map.
func (a *Aggregator) Snapshot() map[string]PriceRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]PriceRecord, len(a.current))
	for k, v := range a.current {
		out[k] = v
	}
	return out
}

// History copies the rolling history of id, oldest first.
func (a *Aggregator) History(id string) []PricePoint {
	key := a.resolver.Canonical(id)
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.histories[key]
	if !ok {
		return []PricePoint{}
	}
	return h.Snapshot()
}

// QuoteRate exposes the live price of id, e.g. SOL for bonding-curve pricing.
func (a *Aggregator) QuoteRate(id string) func() (float64, bool) {
	return func() (float64, bool) {
		rec, ok := a.Current(id)
		if !ok || rec.Price <= 0 {
			return 0, false
		}
		return rec.Price, true
	}
}

// Seed commits previously persisted records, e.g. from the redis mirror.
func (a *Aggregator) Seed(recs ...PriceRecord) {
	for _, rec := range recs {
		if rec.InstrumentID == "" {
			continue
		}
		if err := a.Track(rec.InstrumentID); err != nil {
			a.log.WithError(err).WithField("instrument", rec.InstrumentID).Warn("seed skipped")
			continue
		}
		a.commit(rec)
	}
}

// commit applies last-observed-wins and returns the value now current.
// Records for untracked instruments are returned but not cached.
func (a *Aggregator) commit(rec PriceRecord) (PriceRecord, bool) {
	key := rec.InstrumentID

	a.mu.Lock()
	if _, ok := a.tracked[key]; !ok {
		a.mu.Unlock()
		return rec, false
	}
	if cur, ok := a.current[key]; ok && rec.ObservedAt.Before(cur.ObservedAt) {
		a.mu.Unlock()
		a.log.WithFields(logrus.Fields{
			"instrument": key,
			"observed":   rec.ObservedAt,
			"current":    cur.ObservedAt,
		}).Debug("discarding stale price")
		return cur, false
	}

	a.current[key] = rec
	h, ok := a.histories[key]
	if !ok {
		h = NewHistory(a.opts.HistoryCapacity)
		a.histories[key] = h
	}
	h.Append(rec.Price, rec.ObservedAt)
	var change float64
	var alert bool
	if a.opts.AlertThreshold > 0 {
		change, alert = h.ChangeOver(a.opts.AlertWindow)
		alert = alert && math.Abs(change) >= a.opts.AlertThreshold
	}
	hooks := append([]func(PriceRecord){}, a.hooks...)
	a.mu.Unlock()

	metrics.UpdatePrice(key, rec.Price)
	if alert {
		a.log.WithFields(logrus.Fields{
			"instrument": key,
			"window":     a.opts.AlertWindow.String(),
			"change_pct": change,
			"price":      rec.Price,
		}).Warn("price alert")
	}
	for _, fn := range hooks {
		fn(rec)
	}
	return rec, true
}

// fetch resolves key once no matter how many callers ask concurrently.
func (a *Aggregator) fetch(ctx context.Context, key string) (PriceRecord, bool, error) {
	type result struct {
		rec       PriceRecord
		committed bool
	}
	v, err, _ := a.flight.Do(key, func() (interface{}, error) {
		rec, _, err := a.resolver.Resolve(ctx, key)
		if err != nil {
			return nil, err
		}
		cur, committed := a.commit(rec)
		return result{cur, committed}, nil
	})
	if err != nil {
		return PriceRecord{}, false, err
	}
	r := v.(result)
	return r.rec, r.committed, nil
}

// begin marks key in flight; false means a refresh is already running.
func (a *Aggregator) begin(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.inflight[key]; busy {
		return false
	}
	a.inflight[key] = struct{}{}
	return true
}

func (a *Aggregator) end(key string) {
	a.mu.Lock()
	delete(a.inflight, key)
	a.mu.Unlock()
}

// Refresh resolves every distinct id concurrently. One failing instrument
// never stops the others.
func (a *Aggregator) Refresh(ctx context.Context, ids []string) RefreshReport {
	report := RefreshReport{Failed: make(map[string]error)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(a.opts.MaxParallel)

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		key := a.resolver.Canonical(id)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if !a.begin(key) {
			metrics.RecordSkipped(key)
			report.Skipped = append(report.Skipped, key)
			continue
		}
		g.Go(func() error {
			defer a.end(key)
			_, committed, err := a.fetch(ctx, key)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed[key] = err
			case committed:
				report.Updated = append(report.Updated, key)
			default:
				report.Discarded = append(report.Discarded, key)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Updated)
	sort.Strings(report.Discarded)
	return report
}

// Price returns the cached value of id when it is younger than maxAge,
// otherwise it resolves it, joining any resolution already in flight.
func (a *Aggregator) Price(ctx context.Context, id string, maxAge time.Duration) (PriceRecord, error) {
	inst, err := a.resolver.Lookup(id)
	if err != nil {
		return PriceRecord{}, err
	}
	key := inst.ID
	if rec, ok := a.Current(key); ok && a.now().Sub(rec.ObservedAt) <= maxAge {
		return rec, nil
	}
	added := false
	if !a.isTracked(key) {
		if err := a.Track(key); err != nil {
			a.log.WithField("instrument", key).Debug("tracked set full, serving uncached")
		} else {
			added = true
		}
	}
	rec, _, err := a.fetch(ctx, key)
	if err != nil && added {
		// Only ids that priced at least once stay on the refresh loop.
		a.forget(key)
	}
	return rec, err
}

// Quotes is Price for several ids. Failed ids are reported separately.
func (a *Aggregator) Quotes(ctx context.Context, ids []string, maxAge time.Duration) (map[string]PriceRecord, map[string]error) {
	var (
		mu     sync.Mutex
		quotes = make(map[string]PriceRecord, len(ids))
		failed = make(map[string]error)
	)
	var g errgroup.Group
	g.SetLimit(a.opts.MaxParallel)
	for _, id := range ids {
		id := strings.TrimSpace(id)
		if id == "" {
			continue
		}
		g.Go(func() error {
			rec, err := a.Price(ctx, id, maxAge)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[id] = err
			} else {
				quotes[id] = rec
			}
			return nil
		})
	}
	_ = g.Wait()
	return quotes, failed
}

// Run refreshes every tracked instrument on each tick until ctx is done.
// Each tick runs on its own goroutine; instruments still in flight from a
// previous tick are skipped.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	go a.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go a.tick(ctx)
		}
	}
}

func (a *Aggregator) tick(ctx context.Context) {
	ids := a.Tracked()
	if len(ids) == 0 {
		return
	}
	report := a.Refresh(ctx, ids)
	entry := a.log.WithFields(logrus.Fields{
		"updated":   len(report.Updated),
		"failed":    len(report.Failed),
		"skipped":   len(report.Skipped),
		"discarded": len(report.Discarded),
	})
	for id, err := range report.Failed {
		a.log.WithError(err).WithField("instrument", id).Warn("price refresh failed")
	}
	entry.Debug("price refresh done")
}
