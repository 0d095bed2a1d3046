package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	name  string
	calls int
	fn    func(ctx context.Context, inst Instrument) (PriceRecord, error)
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(ctx context.Context, inst Instrument) (PriceRecord, error) {
	s.calls++
	return s.fn(ctx, inst)
}

func failing(name string) *stubSource {
	return &stubSource{name: name, fn: func(context.Context, Instrument) (PriceRecord, error) {
		return PriceRecord{}, sourceFailure(name, "upstream down")
	}}
}

func fixed(name string, price float64) *stubSource {
	return &stubSource{name: name, fn: func(context.Context, Instrument) (PriceRecord, error) {
		return PriceRecord{Price: price, Source: name}, nil
	}}
}

func chainOf(sources ...*stubSource) Chain[Instrument, PriceRecord] {
	c := Chain[Instrument, PriceRecord]{}
	for _, s := range sources {
		c.Candidates = append(c.Candidates, s)
	}
	return c
}

func TestChain_FirstSuccessWins(t *testing.T) {
	a, b, c := failing("a"), fixed("b", 2), fixed("c", 3)
	chain := chainOf(a, b, c)

	rec, attempts, err := chain.Run(context.Background(), "SOL", Instrument{ID: "SOL"})
	require.NoError(t, err)

	assert.Equal(t, "b", rec.Source)
	assert.Equal(t, 2.0, rec.Price)
	require.Len(t, attempts, 1)
	assert.Equal(t, "a", attempts[0].Candidate)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.Equal(t, 0, c.calls, "candidates after the first success must not be called")
}

func TestChain_LastCandidateAfterTwoFailures(t *testing.T) {
	a := &stubSource{name: "a", fn: func(context.Context, Instrument) (PriceRecord, error) {
		return PriceRecord{}, sourceFailure("a", "timeout")
	}}
	b := &stubSource{name: "b", fn: func(context.Context, Instrument) (PriceRecord, error) {
		return PriceRecord{}, sourceFailure("b", "rate limited")
	}}
	c := fixed("c", 3)

	chain := chainOf(a, b, c)
	rec, attempts, err := chain.Run(context.Background(), "SOL", Instrument{ID: "SOL"})
	require.NoError(t, err)

	assert.Equal(t, "c", rec.Source)
	assert.Equal(t, 3.0, rec.Price)
	require.Len(t, attempts, 2)
	assert.Equal(t, "a", attempts[0].Candidate)
	assert.Contains(t, attempts[0].Err.Error(), "timeout")
	assert.Equal(t, "b", attempts[1].Candidate)
	assert.Contains(t, attempts[1].Err.Error(), "rate limited")
	assert.Equal(t, []int{1, 1, 1}, []int{a.calls, b.calls, c.calls})
}

func TestChain_AllFailed(t *testing.T) {
	chain := chainOf(failing("a"), failing("b"))

	_, attempts, err := chain.Run(context.Background(), "SOL", Instrument{ID: "SOL"})
	require.Error(t, err)

	var exhausted *AllSourcesFailedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, "SOL", exhausted.Target)
	assert.Len(t, attempts, 2)
	assert.Equal(t, []string{"a: upstream down", "b: upstream down"}, exhausted.Reasons())
}

func TestChain_Empty(t *testing.T) {
	chain := chainOf()

	_, _, err := chain.Run(context.Background(), "SOL", Instrument{})
	var exhausted *AllSourcesFailedError
	require.ErrorAs(t, err, &exhausted)
	assert.Empty(t, exhausted.Attempts)
	assert.Contains(t, err.Error(), "no sources available")
}

func TestChain_PanicIsAFailure(t *testing.T) {
	boom := &stubSource{name: "boom", fn: func(context.Context, Instrument) (PriceRecord, error) {
		panic("nil map")
	}}
	chain := chainOf(boom, fixed("ok", 1))

	rec, attempts, err := chain.Run(context.Background(), "X", Instrument{})
	require.NoError(t, err)
	assert.Equal(t, "ok", rec.Source)
	require.Len(t, attempts, 1)
	assert.Contains(t, attempts[0].Err.Error(), "panic in boom")
}

func TestChain_PerAttemptTimeout(t *testing.T) {
	slow := &stubSource{name: "slow", fn: func(ctx context.Context, _ Instrument) (PriceRecord, error) {
		<-ctx.Done()
		return PriceRecord{}, ctx.Err()
	}}
	chain := chainOf(slow, fixed("fast", 1))
	chain.Timeout = 20 * time.Millisecond

	rec, attempts, err := chain.Run(context.Background(), "X", Instrument{})
	require.NoError(t, err)
	assert.Equal(t, "fast", rec.Source)
	require.Len(t, attempts, 1)
	assert.ErrorIs(t, attempts[0].Err, context.DeadlineExceeded)
}

func TestChain_StopsOnCancelledContext(t *testing.T) {
	a := failing("a")
	chain := chainOf(a)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, attempts, err := chain.Run(ctx, "X", Instrument{})
	assert.Error(t, err)
	assert.Empty(t, attempts)
	assert.Equal(t, 0, a.calls)
}

func TestChain_Observe(t *testing.T) {
	var seen []string
	chain := chainOf(failing("a"), fixed("b", 1))
	chain.Observe = func(name string, _ time.Duration, err error) {
		if err != nil {
			name += "!"
		}
		seen = append(seen, name)
	}

	_, _, err := chain.Run(context.Background(), "X", Instrument{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a!", "b"}, seen)
}

func TestCandidateFunc(t *testing.T) {
	c := CandidateFunc[string, int]{Label: "len", Fn: func(_ context.Context, s string) (int, error) {
		return len(s), nil
	}}
	chain := Chain[string, int]{Candidates: []Candidate[string, int]{c}}

	n, _, err := chain.Run(context.Background(), "x", "abcd")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "len", c.Name())
}
