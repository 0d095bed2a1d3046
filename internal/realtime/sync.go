package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"market-sync/internal/metrics"
)

// Dashboard holds per-user aggregates derived from the watched tables.
type Dashboard struct {
	UserID        string    `json:"userId"`
	TradeCount    int64     `json:"tradeCount"`
	OpenPositions int64     `json:"openPositions"`
	WalletCount   int64     `json:"walletCount"`
	RealizedPnL   float64   `json:"realizedPnl"`
	FetchedAt     time.Time `json:"fetchedAt"`
}

// Store re-fetches collections and aggregates from the system of record.
type Store interface {
	Load(ctx context.Context, key Key) ([]Row, error)
	Dashboard(ctx context.Context, userID string) (Dashboard, error)
}

// Source delivers change events until ctx is done or the transport gives up.
type Source interface {
	Run(ctx context.Context, out chan<- Event) error
}

// ErrNotWatched is returned for users without cached collections.
var ErrNotWatched = errors.New("user is not watched")

type dashboardEntry struct {
	value Dashboard
	stale bool
	gen   uint64 // bumped by every event
}

// Syncer keeps per-user collections current from change events. Single-row
// changes are merged in place; derived dashboards are never patched, they
// are marked stale and re-fetched.
type Syncer struct {
	store Store
	log   logrus.FieldLogger

	mu         sync.RWMutex
	rows       map[Key][]Row
	dashboards map[string]*dashboardEntry
	listeners  []func(Event)
	now        func() time.Time
}

func NewSyncer(store Store, log logrus.FieldLogger) *Syncer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Syncer{
		store:      store,
		log:        log.WithField("component", "realtime"),
		rows:       make(map[Key][]Row),
		dashboards: make(map[string]*dashboardEntry),
		now:        time.Now,
	}
}

// OnChange registers fn to run after every handled event.
func (s *Syncer) OnChange(fn func(Event)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Watch loads every watched table of userID.
func (s *Syncer) Watch(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	for _, table := range WatchedTables {
		if err := s.reload(ctx, Key{UserID: userID, Table: table}); err != nil {
			return err
		}
	}
	s.mu.Lock()
	if _, ok := s.dashboards[userID]; !ok {
		s.dashboards[userID] = &dashboardEntry{stale: true}
	}
	s.mu.Unlock()
	return nil
}

// Keys lists the cached collections in a stable order.
func (s *Syncer) Keys() []Key {
	s.mu.RLock()
	keys := make([]Key, 0, len(s.rows))
	for k := range s.rows {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Rows copies the cached collection for key.
func (s *Syncer) Rows(key Key) ([]Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, ok := s.rows[key]
	if !ok {
		return nil, false
	}
	return append([]Row(nil), rows...), true
}

func (s *Syncer) reload(ctx context.Context, key Key) error {
	rows, err := s.store.Load(ctx, key)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if rows == nil {
		rows = []Row{}
	}
	s.mu.Lock()
	s.rows[key] = rows
	s.mu.Unlock()
	return nil
}

// ownerOf finds the watched user holding row id of table. Caller holds s.mu.
func (s *Syncer) ownerOf(table Table, id string) (string, bool) {
	for key, rows := range s.rows {
		if key.Table == table && indexOf(rows, id) >= 0 {
			return key.UserID, true
		}
	}
	return "", false
}

// Handle applies one event. Events for users that are not watched are ignored.
// A delete without an owner is matched to the cached row with the same id.
func (s *Syncer) Handle(ctx context.Context, ev Event) error {
	metrics.RecordEvent(string(ev.Table), string(ev.Type))

	s.mu.Lock()
	if ev.UserID == "" && ev.Type == Delete && ev.Old != nil {
		if owner, ok := s.ownerOf(ev.Table, ev.Old.ID); ok {
			ev.UserID = owner
		}
	}
	key := ev.Key()
	rows, watched := s.rows[key]
	if !watched {
		s.mu.Unlock()
		return nil
	}
	single := ev.New != nil || (ev.Type == Delete && ev.Old != nil)
	if ev.Type == Delete && ev.Old != nil {
		if i := indexOf(rows, ev.Old.ID); i >= 0 {
			cached := rows[i]
			ev.Old = &cached
		}
	}
	if single {
		s.rows[key] = Apply(ev, rows)
	}
	if d, ok := s.dashboards[key.UserID]; ok {
		d.stale = true
		d.gen++
	}
	listeners := append([]func(Event){}, s.listeners...)
	s.mu.Unlock()

	var err error
	if !single {
		err = s.reload(ctx, key)
	}
	if _, derr := s.Dashboard(ctx, key.UserID); derr != nil {
		s.log.WithError(derr).WithField("user", key.UserID).Warn("dashboard refetch failed")
	}
	for _, fn := range listeners {
		fn(ev)
	}
	return err
}

// Dashboard returns the user's aggregates, re-fetching them when stale.
func (s *Syncer) Dashboard(ctx context.Context, userID string) (Dashboard, error) {
	s.mu.RLock()
	entry, ok := s.dashboards[userID]
	var (
		cached Dashboard
		stale  bool
		gen    uint64
	)
	if ok {
		cached, stale, gen = entry.value, entry.stale, entry.gen
	}
	s.mu.RUnlock()
	if !ok {
		return Dashboard{}, ErrNotWatched
	}
	if !stale {
		return cached, nil
	}

	d, err := s.store.Dashboard(ctx, userID)
	if err != nil {
		return Dashboard{}, fmt.Errorf("dashboard %s: %w", userID, err)
	}
	d.UserID = userID
	if d.FetchedAt.IsZero() {
		d.FetchedAt = s.now()
	}

	s.mu.Lock()
	// an event that landed while fetching keeps the entry stale
	if cur, ok := s.dashboards[userID]; ok {
		cur.value = d
		cur.stale = cur.gen != gen
	}
	s.mu.Unlock()
	return d, nil
}

// Consume handles events until ctx is done or events is closed.
func (s *Syncer) Consume(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.Handle(ctx, ev); err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{
					"table": ev.Table,
					"type":  ev.Type,
					"user":  ev.UserID,
				}).Warn("failed to apply change")
			}
		}
	}
}
