package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescrv/hyperdex/internal/config"
)

func testEngines(t *testing.T) map[string]Engine {
	sqliteEngine, err := OpenSQLiteEngine(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqliteEngine.Close() })
	return map[string]Engine{
		"memory": NewMemoryEngine(),
		"sqlite": sqliteEngine,
	}
}

func TestEnginePutGetDelete(t *testing.T) {
	for name, eng := range testEngines(t) {
		t.Run(name, func(t *testing.T) {
			region := config.RegionID(1)
			_, err := eng.Get(region, []byte("k1"))
			assert.ErrorIs(t, err, ErrKeyNotFound)

			require.NoError(t, eng.Put(region, 1, []byte("k1"), []byte("v1"), 1))
			rec, err := eng.Get(region, []byte("k1"))
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), rec.Value)
			assert.Equal(t, uint64(1), rec.Version)

			require.NoError(t, eng.Overwrite(region, 2, []byte("k1"), []byte("v1"), []byte("v2"), 2))
			rec, err = eng.Get(region, []byte("k1"))
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), rec.Value)

			require.NoError(t, eng.Delete(region, 3, []byte("k1"), []byte("v2")))
			_, err = eng.Get(region, []byte("k1"))
			assert.ErrorIs(t, err, ErrKeyNotFound)
		})
	}
}

func TestEngineHighWaterMarkAdvances(t *testing.T) {
	for name, eng := range testEngines(t) {
		t.Run(name, func(t *testing.T) {
			region := config.RegionID(7)
			_, ok := eng.HighWaterMark(region)
			assert.False(t, ok)

			require.NoError(t, eng.Put(region, 5, []byte("a"), []byte("v"), 1))
			seq, ok := eng.HighWaterMark(region)
			require.True(t, ok)
			assert.Equal(t, uint64(5), seq)

			require.NoError(t, eng.MarkAcked(region, 3))
			seq, ok = eng.HighWaterMark(region)
			require.True(t, ok)
			assert.Equal(t, uint64(5), seq, "mark-acked must not regress the high-water mark")

			require.NoError(t, eng.MarkAcked(region, 9))
			seq, ok = eng.HighWaterMark(region)
			require.True(t, ok)
			assert.Equal(t, uint64(9), seq)
		})
	}
}
