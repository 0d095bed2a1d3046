package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu         sync.Mutex
	rows       map[Key][]Row
	loads      map[Key]int
	dashboards int
	trades     int64
	failDash   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[Key][]Row), loads: make(map[Key]int)}
}

func (f *fakeStore) Load(_ context.Context, key Key) ([]Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads[key]++
	return append([]Row(nil), f.rows[key]...), nil
}

func (f *fakeStore) Dashboard(_ context.Context, userID string) (Dashboard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDash {
		return Dashboard{}, errors.New("db down")
	}
	f.dashboards++
	return Dashboard{UserID: userID, TradeCount: f.trades}, nil
}

func newTestSyncer(store Store) *Syncer {
	log, _ := test.NewNullLogger()
	return NewSyncer(store, log)
}

func TestSyncer_WatchLoadsEveryTable(t *testing.T) {
	store := newFakeStore()
	store.rows[Key{"u1", Trades}] = []Row{row("a", 10)}
	s := newTestSyncer(store)

	require.NoError(t, s.Watch(context.Background(), "u1"))

	assert.Len(t, s.Keys(), len(WatchedTables))
	rows, ok := s.Rows(Key{"u1", Trades})
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, ids(rows))

	rows, ok = s.Rows(Key{"u1", Wallets})
	require.True(t, ok)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)

	assert.Error(t, s.Watch(context.Background(), ""))
}

func TestSyncer_HandleMergesSingleRow(t *testing.T) {
	store := newFakeStore()
	s := newTestSyncer(store)
	require.NoError(t, s.Watch(context.Background(), "u1"))

	var seen []Event
	s.OnChange(func(ev Event) { seen = append(seen, ev) })

	require.NoError(t, s.Handle(context.Background(), insert(row("a", 10))))
	require.NoError(t, s.Handle(context.Background(), insert(row("a", 10))))

	rows, _ := s.Rows(Key{"u1", Trades})
	assert.Equal(t, []string{"a"}, ids(rows))
	assert.Len(t, seen, 2)
	assert.Equal(t, 1, store.loads[Key{"u1", Trades}], "single-row changes do not reload")
}

func TestSyncer_HandleReloadsWithoutRow(t *testing.T) {
	store := newFakeStore()
	s := newTestSyncer(store)
	require.NoError(t, s.Watch(context.Background(), "u1"))
	store.rows[Key{"u1", Positions}] = []Row{row("p1", 5)}

	require.NoError(t, s.Handle(context.Background(), Event{Table: Positions, Type: Update, UserID: "u1"}))

	rows, _ := s.Rows(Key{"u1", Positions})
	assert.Equal(t, []string{"p1"}, ids(rows))
	assert.Equal(t, 2, store.loads[Key{"u1", Positions}])
}

func TestSyncer_DeleteWithoutOwner(t *testing.T) {
	store := newFakeStore()
	store.rows[Key{"u1", Positions}] = []Row{row("p1", 10), row("p2", 5)}
	s := newTestSyncer(store)
	require.NoError(t, s.Watch(context.Background(), "u1"))

	var seen []Event
	s.OnChange(func(ev Event) { seen = append(seen, ev) })

	require.NoError(t, s.Handle(context.Background(), Event{Table: Positions, Type: Delete, Old: &Row{ID: "p1"}}))

	rows, _ := s.Rows(Key{"u1", Positions})
	assert.Equal(t, []string{"p2"}, ids(rows))
	require.Len(t, seen, 1)
	assert.Equal(t, "u1", seen[0].UserID)
	require.NotNil(t, seen[0].Old)
	assert.Equal(t, "p1", seen[0].Old.Data["id"], "listeners get the cached row")

	require.NoError(t, s.Handle(context.Background(), Event{Table: Positions, Type: Delete, Old: &Row{ID: "gone"}}))
	assert.Len(t, seen, 1, "unknown rows have no owner and are ignored")
}

func TestSyncer_IgnoresUnwatchedUsers(t *testing.T) {
	store := newFakeStore()
	s := newTestSyncer(store)

	var seen int
	s.OnChange(func(Event) { seen++ })
	ev := insert(row("a", 10))
	ev.UserID = "stranger"

	require.NoError(t, s.Handle(context.Background(), ev))
	assert.Zero(t, seen)
	assert.Empty(t, s.Keys())
}

func TestSyncer_DashboardRefetchedAfterChange(t *testing.T) {
	store := newFakeStore()
	s := newTestSyncer(store)
	require.NoError(t, s.Watch(context.Background(), "u1"))

	d, err := s.Dashboard(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, d.TradeCount)
	assert.False(t, d.FetchedAt.IsZero())

	_, err = s.Dashboard(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, store.dashboards, "fresh dashboard is served from cache")

	store.mu.Lock()
	store.trades = 1
	store.mu.Unlock()
	require.NoError(t, s.Handle(context.Background(), insert(row("a", 10))))

	d, err = s.Dashboard(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.TradeCount)
	assert.Equal(t, 2, store.dashboards)
}

func TestSyncer_DashboardErrors(t *testing.T) {
	store := newFakeStore()
	s := newTestSyncer(store)

	_, err := s.Dashboard(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotWatched)

	require.NoError(t, s.Watch(context.Background(), "u1"))
	store.failDash = true
	_, err = s.Dashboard(context.Background(), "u1")
	assert.Error(t, err)
}

func TestSyncer_Consume(t *testing.T) {
	store := newFakeStore()
	s := newTestSyncer(store)
	require.NoError(t, s.Watch(context.Background(), "u1"))

	events := make(chan Event, 3)
	events <- insert(row("a", 10))
	events <- insert(row("b", 20))
	events <- Event{Table: Trades, Type: Delete, UserID: "u1", Old: &Row{ID: "a"}}
	close(events)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Consume(ctx, events))

	rows, _ := s.Rows(Key{"u1", Trades})
	assert.Equal(t, []string{"b"}, ids(rows))
}
