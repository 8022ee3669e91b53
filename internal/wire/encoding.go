package wire

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"

	"github.com/rescrv/hyperdex/internal/model"
)

// EncodeSortKey produces the memcmp-comparable byte encoding of a value
// described in spec §6.3:
//
//   - string  — length-prefixed bytes; sort by memcmp of the raw bytes.
//   - int64   — 8 bytes little-endian two's complement with the sign bit
//     flipped, so unsigned comparison of the encoded bytes matches signed
//     comparison of the original integers.
//   - float64 — 8 bytes IEEE-754 little-endian, bijected onto u64 so unsigned
//     comparison matches float comparison: negative values get every bit
//     flipped, non-negative values get only the sign bit flipped.
//   - list    — concatenation of elements in insertion order.
//   - set     — concatenation of elements in sorted order (post-dedup).
//   - map     — concatenation of (K,V) pairs sorted by K.
//
// The length prefix on strings and the fixed width of the numeric encodings
// make concatenation unambiguous without a top-level length: a sort key is
// only ever compared against another sort key of the same schema type.
func EncodeSortKey(v model.Value) []byte {
	var buf bytes.Buffer
	appendSortKey(&buf, v)
	return buf.Bytes()
}

func appendSortKey(buf *bytes.Buffer, v model.Value) {
	switch v.Kind {
	case model.KindString:
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(v.Str)))
		buf.Write(lenBuf[:])
		buf.WriteString(v.Str)
	case model.KindInt64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v.Int))
		b[7] ^= 0x80 // flip sign bit: shifts the signed range to unsigned order
		buf.Write(b[:])
	case model.KindFloat64:
		buf.Write(encodeFloatSortKey(v.Float))
	case model.KindList:
		for _, e := range v.List {
			appendSortKey(buf, e)
		}
	case model.KindSet:
		sorted := append([]model.Value(nil), v.Set...)
		sort.Slice(sorted, func(i, j int) bool {
			return bytes.Compare(EncodeSortKey(sorted[i]), EncodeSortKey(sorted[j])) < 0
		})
		deduped := dedupSorted(sorted)
		for _, e := range deduped {
			appendSortKey(buf, e)
		}
	case model.KindMap:
		entries := append([]model.MapEntry(nil), v.Map...)
		sort.Slice(entries, func(i, j int) bool {
			return bytes.Compare(EncodeSortKey(entries[i].Key), EncodeSortKey(entries[j].Key)) < 0
		})
		for _, e := range entries {
			appendSortKey(buf, e.Key)
			appendSortKey(buf, e.Value)
		}
	}
}

func dedupSorted(sorted []model.Value) []model.Value {
	out := sorted[:0:0]
	for i, v := range sorted {
		if i == 0 || !bytes.Equal(EncodeSortKey(v), EncodeSortKey(sorted[i-1])) {
			out = append(out, v)
		}
	}
	return out
}

// encodeFloatSortKey implements the monotone bijection from float64 onto u64
// described in spec §6.3: negative values have every bit flipped, everything
// else (including +0) has only the sign bit flipped. -0 has its sign bit set,
// so it takes the every-bit-flipped branch and gets a key distinct from +0's,
// one below it as a u64. NaN has no defined order and must not be encoded.
func encodeFloatSortKey(f float64) []byte {
	bits := math.Float64bits(f)
	if f < 0 || (bits>>63) == 1 {
		bits = ^bits
	} else {
		bits ^= 1 << 63
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], bits)
	return b[:]
}

// HashSortKey reduces a value's sort key to a single uint64 for rectangle
// lookups (internal/config.LookupRegion). It is deliberately simple — the
// hyperspace partitioning function itself lives outside this package's
// concern (spec §1) and any well-distributed reduction suffices here.
func HashSortKey(v model.Value) uint64 {
	key := EncodeSortKey(v)
	var h uint64 = 1469598103934665603 // FNV-1a offset basis
	for _, b := range key {
		h ^= uint64(b)
		h *= 1099511628211 // FNV-1a prime
	}
	return h
}
