package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"market-sync/internal/metrics"
)

const maxResponseBytes = 4 << 20

// PriceSource is a single upstream price oracle.
type PriceSource = Candidate[Instrument, PriceRecord]

// NewHTTPClient is the client every adapter shares unless told otherwise.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			MaxIdleConnsPerHost:   8,
		},
	}
}

// getJSON issues a GET and decodes a 200 response into out.
func getJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// validated wraps a source so out-of-range numbers count as a failure.
type validated struct {
	PriceSource
}

func (v validated) Fetch(ctx context.Context, inst Instrument) (PriceRecord, error) {
	rec, err := v.PriceSource.Fetch(ctx, inst)
	if err != nil {
		return PriceRecord{}, err
	}
	if err := rec.validate(); err != nil {
		return PriceRecord{}, &AdapterFailure{Source: v.Name(), Err: err}
	}
	return rec, nil
}

// Resolver maps ids to instruments and walks the price sources in priority order.
type Resolver struct {
	chain       Chain[Instrument, PriceRecord]
	instruments map[string]Instrument
	symbols     map[string]Instrument
	log         logrus.FieldLogger
	now         func() time.Time
}

// NewResolver builds a resolver; sources are tried in the given order.
func NewResolver(sources []PriceSource, timeout time.Duration, instruments []Instrument, log logrus.FieldLogger) *Resolver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Resolver{
		instruments: make(map[string]Instrument),
		symbols:     make(map[string]Instrument),
		log:         log,
		now:         time.Now,
	}
	for _, inst := range append(DefaultInstruments(), instruments...) {
		if inst.ID == "" {
			continue
		}
		r.instruments[inst.ID] = inst
		if ValidateAddress(inst.ID) != nil {
			r.symbols[strings.ToUpper(inst.ID)] = inst
		}
	}

	candidates := make([]Candidate[Instrument, PriceRecord], 0, len(sources))
	for _, s := range sources {
		candidates = append(candidates, validated{s})
	}
	r.chain = Chain[Instrument, PriceRecord]{
		Candidates: candidates,
		Timeout:    timeout,
		Observe: func(source string, elapsed time.Duration, err error) {
			metrics.ObserveSource(source, elapsed, err)
			if err != nil {
				r.log.WithError(err).WithField("source", source).Debug("price source failed, trying next")
			}
		},
	}
	return r
}

// Lookup returns the instrument for id. Configured symbols match in any
// case; mint addresses match exactly. An id that is neither is rejected.
func (r *Resolver) Lookup(id string) (Instrument, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Instrument{}, &ValidationFailure{Field: "instrumentId", Message: "is required"}
	}
	if inst, ok := r.instruments[id]; ok {
		return inst, nil
	}
	if ValidateAddress(id) == nil {
		return Instrument{ID: id, Mint: id}, nil
	}
	if inst, ok := r.symbols[strings.ToUpper(id)]; ok {
		return inst, nil
	}
	return Instrument{}, &ValidationFailure{
		Field:   "instrumentId",
		Message: fmt.Sprintf("%q is not a configured instrument or a mint address", id),
	}
}

// Canonical is the key under which id is cached.
func (r *Resolver) Canonical(id string) string {
	if inst, err := r.Lookup(id); err == nil {
		return inst.ID
	}
	return strings.TrimSpace(id)
}

// Sources lists source names in priority order.
func (r *Resolver) Sources() []string {
	names := make([]string, len(r.chain.Candidates))
	for i, c := range r.chain.Candidates {
		names[i] = c.Name()
	}
	return names
}

// Resolve returns the first successful record for id.
func (r *Resolver) Resolve(ctx context.Context, id string) (PriceRecord, []Attempt, error) {
	inst, err := r.Lookup(id)
	if err != nil {
		return PriceRecord{}, nil, err
	}
	started := r.now()

	rec, attempts, err := r.chain.Run(ctx, inst.ID, inst)
	if err != nil {
		metrics.RecordExhausted("price")
		return PriceRecord{}, attempts, err
	}

	// Stamped with the request start so a slow, superseded cycle never
	// looks newer than a later one.
	rec.InstrumentID = inst.ID
	rec.ObservedAt = started
	if rec.Confidence == "" {
		rec.Confidence = ConfidenceHigh
	}
	if len(attempts) > 0 {
		r.log.WithFields(logrus.Fields{
			"instrument": inst.ID,
			"source":     rec.Source,
			"skipped":    len(attempts),
		}).Info("price resolved by fallback source")
	}
	return rec, attempts, nil
}
