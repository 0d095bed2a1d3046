package tracker

import (
	"container/ring"
	"time"
)

// DefaultHistoryCapacity is the number of points kept per instrument.
const DefaultHistoryCapacity = 30

// History is a fixed-capacity FIFO of price points. The oldest point is
// evicted when a new one arrives on a full buffer.
// Not safe for concurrent use.
type History struct {
	next *ring.Ring // slot the next Append writes to
	size int
	cap  int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{next: ring.New(capacity), cap: capacity}
}

// Append records a point in O(1).
func (h *History) Append(price float64, at time.Time) {
	h.next.Value = PricePoint{Price: price, ObservedAt: at}
	h.next = h.next.Next()
	if h.size < h.cap {
		h.size++
	}
}

func (h *History) Len() int { return h.size }

func (h *History) Cap() int { return h.cap }

// Snapshot returns a copy ordered oldest to newest.
func (h *History) Snapshot() []PricePoint {
	out := make([]PricePoint, 0, h.size)
	r := h.next.Move(-h.size)
	for i := 0; i < h.size; i++ {
		out = append(out, r.Value.(PricePoint))
		r = r.Next()
	}
	return out
}

// Latest returns the newest point.
func (h *History) Latest() (PricePoint, bool) {
	if h.size == 0 {
		return PricePoint{}, false
	}
	return h.next.Prev().Value.(PricePoint), true
}

// ChangeOver returns the percent change between the newest point and the
// newest point at least window older than it.
func (h *History) ChangeOver(window time.Duration) (float64, bool) {
	latest, ok := h.Latest()
	if !ok {
		return 0, false
	}
	r := h.next.Prev()
	for i := 1; i < h.size; i++ {
		r = r.Prev()
		p := r.Value.(PricePoint)
		if latest.ObservedAt.Sub(p.ObservedAt) >= window {
			if p.Price <= 0 {
				return 0, false
			}
			return (latest.Price - p.Price) / p.Price * 100, true
		}
	}
	return 0, false
}
