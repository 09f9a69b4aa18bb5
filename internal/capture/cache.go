package capture

import (
	"github.com/m-lab/netstack/internal/metrics"
	"github.com/m-lab/netstack/tcp"
)

// Cache tracks the most recent snapshot archived for every connection
// being watched, across one collection cycle to the next, so Saver only
// has to ask Compare about the delta instead of re-deriving it. It is not
// threadsafe: one collection cycle drives it from a single goroutine.
type Cache struct {
	current  map[uint64]tcp.ConnSnapshot
	previous map[uint64]tcp.ConnSnapshot
	cycles   int64
}

// NewCache creates an empty Cache sized for a few hundred concurrent
// connections; the maps grow and shrink with actual usage.
func NewCache() *Cache {
	return &Cache{
		current:  make(map[uint64]tcp.ConnSnapshot, 500),
		previous: make(map[uint64]tcp.ConnSnapshot),
	}
}

// Update records snap as the current sample for its connection and
// returns the snapshot recorded for that connection last cycle, if any.
func (c *Cache) Update(snap tcp.ConnSnapshot) (tcp.ConnSnapshot, bool) {
	cookie := snap.ID.Cookie()
	c.current[cookie] = snap
	old, ok := c.previous[cookie]
	if ok {
		delete(c.previous, cookie)
	}
	return old, ok
}

// EndCycle closes out one collection round and returns every connection
// that was present last round but absent this round: it has since closed
// and will receive no further samples.
func (c *Cache) EndCycle() map[uint64]tcp.ConnSnapshot {
	metrics.CaptureCacheSize.Observe(float64(len(c.current)))
	residual := c.previous
	c.previous = c.current
	c.current = make(map[uint64]tcp.ConnSnapshot, len(c.previous)+len(c.previous)/10+10)
	c.cycles++
	return residual
}

// CycleCount returns the number of times EndCycle has run.
func (c *Cache) CycleCount() int64 { return c.cycles }
