package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ChangeType is the kind of row change.
type ChangeType string

const (
	Insert ChangeType = "INSERT"
	Update ChangeType = "UPDATE"
	Delete ChangeType = "DELETE"
)

// Table is a watched relation.
type Table string

const (
	Trades    Table = "trades"
	Positions Table = "positions"
	Wallets   Table = "wallets"
)

// WatchedTables are the relations a user's views depend on.
var WatchedTables = []Table{Trades, Positions, Wallets}

// Valid reports whether t is one of WatchedTables.
func (t Table) Valid() bool {
	for _, w := range WatchedTables {
		if t == w {
			return true
		}
	}
	return false
}

// Row is one cached record of a watched table.
type Row struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Data      map[string]any `json:"data"`
}

// Key identifies one cached collection.
type Key struct {
	UserID string
	Table  Table
}

func (k Key) String() string {
	return string(k.Table) + ":" + k.UserID
}

// Event is one change notification.
type Event struct {
	Table           Table
	Type            ChangeType
	UserID          string
	New             *Row
	Old             *Row
	CommitTimestamp time.Time
}

// Key is the collection the event belongs to.
func (e Event) Key() Key {
	return Key{UserID: e.UserID, Table: e.Table}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05.999999",
}

func parseTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func stringOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return fmt.Sprintf("%.0f", x)
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// RowFromRecord builds a Row from a decoded database record.
func RowFromRecord(rec map[string]any) (Row, error) {
	if len(rec) == 0 {
		return Row{}, errors.New("empty record")
	}
	row := Row{
		ID:     stringOf(rec["id"]),
		UserID: stringOf(rec["user_id"]),
		Data:   rec,
	}
	if row.ID == "" {
		return Row{}, errors.New("record has no id")
	}
	var err error
	if row.CreatedAt, err = parseTime(rec["created_at"]); err != nil {
		return Row{}, fmt.Errorf("created_at: %w", err)
	}
	if row.UpdatedAt, err = parseTime(rec["updated_at"]); err != nil {
		return Row{}, fmt.Errorf("updated_at: %w", err)
	}
	return row, nil
}

// Apply returns rows with ev merged in. rows is kept in descending
// CreatedAt order and is never modified. Applying the same event twice
// yields the same result as applying it once.
func Apply(ev Event, rows []Row) []Row {
	out := make([]Row, len(rows))
	copy(out, rows)

	switch ev.Type {
	case Insert, Update:
		if ev.New == nil {
			return out
		}
		row := *ev.New
		idx := indexOf(out, row.ID)
		if idx < 0 {
			return insertSorted(out, row)
		}
		cur := out[idx]
		if !row.UpdatedAt.IsZero() && row.UpdatedAt.Before(cur.UpdatedAt) {
			return out
		}
		if row.CreatedAt.Equal(cur.CreatedAt) {
			out[idx] = row
			return out
		}
		out = append(out[:idx], out[idx+1:]...)
		return insertSorted(out, row)

	case Delete:
		id := ""
		if ev.Old != nil {
			id = ev.Old.ID
		} else if ev.New != nil {
			id = ev.New.ID
		}
		if idx := indexOf(out, id); idx >= 0 && id != "" {
			out = append(out[:idx], out[idx+1:]...)
		}
		return out
	}
	return out
}

func indexOf(rows []Row, id string) int {
	for i := range rows {
		if rows[i].ID == id {
			return i
		}
	}
	return -1
}

// insertSorted places row after every row created at or after it.
func insertSorted(rows []Row, row Row) []Row {
	i := sort.Search(len(rows), func(i int) bool {
		return rows[i].CreatedAt.Before(row.CreatedAt)
	})
	rows = append(rows, Row{})
	copy(rows[i+1:], rows[i:])
	rows[i] = row
	return rows
}

// changePayload is the wire shape of one change, shared by the websocket
// and AMQP transports.
type changePayload struct {
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	Type            string         `json:"type"`
	EventType       string         `json:"eventType"`
	Record          map[string]any `json:"record"`
	OldRecord       map[string]any `json:"old_record"`
	CommitTimestamp string         `json:"commit_timestamp"`
}

// DecodeChange parses one change payload. UserID is empty when neither
// record names its owner; the transport then knows it from the subscription.
func DecodeChange(raw []byte) (Event, error) {
	var p changePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Event{}, fmt.Errorf("decode change: %w", err)
	}
	return p.event()
}

func (p changePayload) event() (Event, error) {
	table := Table(strings.ToLower(p.Table))
	if !table.Valid() {
		return Event{}, fmt.Errorf("unwatched table %q", p.Table)
	}
	typ := ChangeType(strings.ToUpper(p.Type))
	if typ == "" {
		typ = ChangeType(strings.ToUpper(p.EventType))
	}
	switch typ {
	case Insert, Update, Delete:
	default:
		return Event{}, fmt.Errorf("unknown change type %q", typ)
	}

	ev := Event{Table: table, Type: typ}
	if len(p.Record) > 0 {
		row, err := RowFromRecord(p.Record)
		if err != nil {
			return Event{}, fmt.Errorf("record: %w", err)
		}
		ev.New = &row
		ev.UserID = row.UserID
	}
	// old_record only carries the primary key unless replica identity is full
	if len(p.OldRecord) > 0 {
		if row, err := RowFromRecord(p.OldRecord); err == nil {
			ev.Old = &row
			if ev.UserID == "" {
				ev.UserID = row.UserID
			}
		}
	}
	if ts, err := parseTime(p.CommitTimestamp); err == nil {
		ev.CommitTimestamp = ts
	}
	return ev, nil
}
