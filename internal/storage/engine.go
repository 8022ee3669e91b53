package storage

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/rescrv/hyperdex/internal/config"
)

// ErrKeyNotFound is returned by Get when the requested (region, key) has no
// durable value.
var ErrKeyNotFound = errors.New("storage: key not found")

// Record is the durable state of one key: its current value (nil encodes
// "deleted", distinguished from "never written" only by Get returning
// ErrKeyNotFound) and the version it was written at.
type Record struct {
	Value   []byte
	Version uint64
}

// Engine is the storage adapter contract from spec §4.4. It is called only
// when a key-state's committable head has been acked; every method must not
// return until its effect is durable, and SequenceID values passed to
// Put/Overwrite/Delete must be recoverable by HighWaterMark after a restart
// so the identifier generator can resume issuing ids above any id already on
// disk.
//
// Special-case routing (§4.4): during a subspace transfer, the donor region
// calls Delete, the recipient region calls Put, and a region acting as both
// donor and recipient (the rectangle didn't change) calls Overwrite.
type Engine interface {
	// Get returns the durable value and version for (region, key), or
	// ErrKeyNotFound if no value is on disk.
	Get(region config.RegionID, key []byte) (Record, error)

	// Put durably replaces any existing value for (region, key).
	Put(region config.RegionID, sequenceID uint64, key, value []byte, version uint64) error

	// Overwrite durably replaces the value for (region, key). oldValue is
	// the value the caller read as previously durable; MemoryEngine and
	// SQLiteEngine do not compare it with what is stored. Used when a
	// region is both the donor and recipient of a subspace transfer.
	Overwrite(region config.RegionID, sequenceID uint64, key, oldValue, newValue []byte, version uint64) error

	// Delete durably removes (region, key).
	Delete(region config.RegionID, sequenceID uint64, key, oldValue []byte) error

	// MarkAcked is a hint-only call: no data changes, but durable
	// bookkeeping of the highest acked sequence id may advance so the
	// engine can reclaim committed-log prefixes.
	MarkAcked(region config.RegionID, sequenceID uint64) error

	// HighWaterMark returns the highest sequence id durably recorded for
	// region, used by internal/idgen.Generator to resume after restart.
	HighWaterMark(region config.RegionID) (uint64, bool)

	// Close releases any resources held by the engine.
	Close() error
}

type memKey struct {
	region config.RegionID
	key    string
}

// MemoryEngine is a non-durable Engine backed by an in-memory map, with a
// copy-on-read/copy-on-write discipline: every Get returns a defensive copy,
// every write stores one.
type MemoryEngine struct {
	mu   sync.RWMutex
	data map[memKey]Record
	hwm  map[config.RegionID]uint64
}

// NewMemoryEngine constructs an empty MemoryEngine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		data: make(map[memKey]Record),
		hwm:  make(map[config.RegionID]uint64),
	}
}

func (m *MemoryEngine) Get(region config.RegionID, key []byte) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.data[memKey{region, string(key)}]
	if !ok {
		return Record{}, ErrKeyNotFound
	}
	return Record{Value: append([]byte(nil), r.Value...), Version: r.Version}, nil
}

func (m *MemoryEngine) Put(region config.RegionID, sequenceID uint64, key, value []byte, version uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[memKey{region, string(key)}] = Record{Value: append([]byte(nil), value...), Version: version}
	m.bumpHWM(region, sequenceID)
	return nil
}

func (m *MemoryEngine) Overwrite(region config.RegionID, sequenceID uint64, key, oldValue, newValue []byte, version uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[memKey{region, string(key)}] = Record{Value: append([]byte(nil), newValue...), Version: version}
	m.bumpHWM(region, sequenceID)
	return nil
}

func (m *MemoryEngine) Delete(region config.RegionID, sequenceID uint64, key, oldValue []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, memKey{region, string(key)})
	m.bumpHWM(region, sequenceID)
	return nil
}

func (m *MemoryEngine) MarkAcked(region config.RegionID, sequenceID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bumpHWM(region, sequenceID)
	return nil
}

func (m *MemoryEngine) HighWaterMark(region config.RegionID) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.hwm[region]
	return v, ok
}

func (m *MemoryEngine) Close() error { return nil }

// bumpHWM must be called with mu held.
func (m *MemoryEngine) bumpHWM(region config.RegionID, sequenceID uint64) {
	if cur, ok := m.hwm[region]; !ok || sequenceID > cur {
		m.hwm[region] = sequenceID
	}
}
