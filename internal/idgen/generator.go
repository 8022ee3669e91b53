package idgen

import (
	"sync"
	"sync/atomic"

	"github.com/rescrv/hyperdex/internal/config"
)

// Generator hands out a dense, strictly increasing sequence of ids per
// region. It is seeded from storage's high-water mark on startup (via Bump)
// so ids never collide with ones already durable from a previous run.
type Generator struct {
	mu      sync.RWMutex
	regions map[config.RegionID]*atomic.Uint64
}

// NewGenerator constructs an empty Generator; no regions are managed until
// Adopt or Bump names one.
func NewGenerator() *Generator {
	return &Generator{regions: make(map[config.RegionID]*atomic.Uint64)}
}

func (g *Generator) counter(ri config.RegionID, create bool) (*atomic.Uint64, bool) {
	g.mu.RLock()
	c, ok := g.regions[ri]
	g.mu.RUnlock()
	if ok || !create {
		return c, ok
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok = g.regions[ri]; ok {
		return c, true
	}
	c = &atomic.Uint64{}
	g.regions[ri] = c
	return c, true
}

// Bump ensures subsequent ids for ri are strictly greater than id, creating
// the region's counter if this is the first mention of it. Returns true
// always (ri becomes managed as a side effect, matching the "managed region"
// semantics of the methods below once at least one of them has touched it).
func (g *Generator) Bump(ri config.RegionID, id uint64) bool {
	c, _ := g.counter(ri, true)
	for {
		cur := c.Load()
		if cur >= id {
			return true
		}
		if c.CompareAndSwap(cur, id) {
			return true
		}
	}
}

// Peek returns the next id that GenerateID would hand out, without consuming
// it. Returns (0, false) if ri is not managed.
func (g *Generator) Peek(ri config.RegionID) (uint64, bool) {
	c, ok := g.counter(ri, false)
	if !ok {
		return 0, false
	}
	return c.Load() + 1, true
}

// GenerateID consumes and returns the next id for ri, creating the region's
// counter if necessary.
func (g *Generator) GenerateID(ri config.RegionID) uint64 {
	c, _ := g.counter(ri, true)
	return c.Add(1)
}

// Adopt replaces the full set of managed regions with ris, dropping any
// region not listed and creating counters starting at zero for any newly
// listed region. Requires external synchronization: no other Generator
// method may run concurrently with Adopt.
func (g *Generator) Adopt(ris []config.RegionID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := make(map[config.RegionID]*atomic.Uint64, len(ris))
	for _, ri := range ris {
		if c, ok := g.regions[ri]; ok {
			next[ri] = c
		} else {
			next[ri] = &atomic.Uint64{}
		}
	}
	g.regions = next
}

// CopyFrom overwrites g's managed regions and their counters with a snapshot
// of other. Requires external synchronization on both generators.
func (g *Generator) CopyFrom(other *Generator) {
	other.mu.RLock()
	snapshot := make(map[config.RegionID]uint64, len(other.regions))
	for ri, c := range other.regions {
		snapshot[ri] = c.Load()
	}
	other.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.regions = make(map[config.RegionID]*atomic.Uint64, len(snapshot))
	for ri, v := range snapshot {
		c := &atomic.Uint64{}
		c.Store(v)
		g.regions[ri] = c
	}
}
