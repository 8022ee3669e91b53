package replication

import (
	"bytes"
	"math"

	"github.com/rescrv/hyperdex/internal/config"
	"github.com/rescrv/hyperdex/internal/model"
	"github.com/rescrv/hyperdex/internal/wire"
)

// applyRequest resolves a REQ_ATOMIC's CAS checks and functional updates
// against current (the latest visible attribute tuple, in space.Attributes
// order; nil if the key has no current value), per spec §4.2 step 1 and
// §7's numeric-overflow handling. On success it returns the full new
// attribute tuple and wire.Success; on a failed predicate or an arithmetic
// overflow it returns the status the client should see and current
// unmodified.
func applyRequest(space *config.Space, current []model.Value, req wire.ReqAtomicPayload) ([]model.Value, wire.Status) {
	index := attributeIndex(space)

	for _, check := range req.Checks {
		i, ok := index[check.Attribute]
		if !ok {
			return current, wire.ServerError
		}
		var have model.Value
		exists := false
		if i < len(current) {
			have = current[i]
			exists = true
		}
		if !satisfiesCheck(have, exists, check) {
			return current, wire.CmpFail
		}
	}

	if req.Delete {
		return nil, wire.Success
	}

	next := make([]model.Value, len(space.Attributes))
	copy(next, current)

	for _, fn := range req.Funcs {
		i, ok := index[fn.Attribute]
		if !ok {
			return current, wire.ServerError
		}
		updated, status := applyFunc(next[i], fn)
		if status != wire.Success {
			return current, status
		}
		next[i] = updated
	}
	return next, wire.Success
}

func attributeIndex(space *config.Space) map[string]int {
	idx := make(map[string]int, len(space.Attributes))
	for i, a := range space.Attributes {
		idx[a.Name] = i
	}
	return idx
}

func satisfiesCheck(have model.Value, exists bool, check wire.Check) bool {
	switch check.Op {
	case wire.CompareFail:
		return false
	case wire.CompareEquals:
		return exists && have.Equal(check.Value)
	case wire.CompareLessThan:
		return exists && bytes.Compare(wire.EncodeSortKey(have), wire.EncodeSortKey(check.Value)) < 0
	case wire.CompareGreaterThan:
		return exists && bytes.Compare(wire.EncodeSortKey(have), wire.EncodeSortKey(check.Value)) > 0
	default:
		return false
	}
}

// applyFunc applies one functional update to an attribute's current value.
// Arithmetic ops require both sides to be int64; anything else is a server
// error rather than a silent coercion, since the coordinator's schema check
// should have rejected a type mismatch before the request ever reached here.
func applyFunc(have model.Value, fn wire.Func) (model.Value, wire.Status) {
	switch fn.Op {
	case wire.FuncSet:
		return fn.Operand, wire.Success
	case wire.FuncDelete:
		return model.Value{}, wire.Success
	case wire.FuncAtomicAdd:
		return intArith(have, fn.Operand, addOverflows, func(a, b int64) int64 { return a + b })
	case wire.FuncAtomicSub:
		return intArith(have, fn.Operand, subOverflows, func(a, b int64) int64 { return a - b })
	case wire.FuncAtomicMul:
		return intArith(have, fn.Operand, mulOverflows, func(a, b int64) int64 { return a * b })
	case wire.FuncAtomicDiv:
		if fn.Operand.Int == 0 {
			return have, wire.Overflow
		}
		return intArith(have, fn.Operand, divOverflows, func(a, b int64) int64 { return a / b })
	case wire.FuncAtomicMod:
		if fn.Operand.Int == 0 {
			return have, wire.Overflow
		}
		return intArith(have, fn.Operand, divOverflows, func(a, b int64) int64 { return a % b })
	case wire.FuncAtomicAnd:
		return intArith(have, fn.Operand, func(int64, int64) bool { return false }, func(a, b int64) int64 { return a & b })
	case wire.FuncAtomicOr:
		return intArith(have, fn.Operand, func(int64, int64) bool { return false }, func(a, b int64) int64 { return a | b })
	case wire.FuncAtomicXor:
		return intArith(have, fn.Operand, func(int64, int64) bool { return false }, func(a, b int64) int64 { return a ^ b })
	case wire.FuncListAppend:
		l := have
		if l.Kind != model.KindList {
			l = model.ListOf()
		}
		return model.ListOf(append(append([]model.Value(nil), l.List...), fn.Operand)...), wire.Success
	case wire.FuncSetAdd:
		s := have
		if s.Kind != model.KindSet {
			s = model.SetOf()
		}
		return model.SetOf(append(append([]model.Value(nil), s.Set...), fn.Operand)...), wire.Success
	case wire.FuncMapSet:
		m := have
		if m.Kind != model.KindMap {
			m = model.MapOf()
		}
		entries := append([]model.MapEntry(nil), m.Map...)
		replaced := false
		for i, e := range entries {
			if e.Key.Equal(fn.Operand) {
				entries[i].Value = fn.Operand
				replaced = true
				break
			}
		}
		if !replaced {
			entries = append(entries, model.MapEntry{Key: fn.Operand, Value: fn.Operand})
		}
		return model.MapOf(entries...), wire.Success
	default:
		return have, wire.ServerError
	}
}

func intArith(have, operand model.Value, overflows func(a, b int64) bool, op func(a, b int64) int64) (model.Value, wire.Status) {
	if have.Kind != model.KindInt64 || operand.Kind != model.KindInt64 {
		return have, wire.ServerError
	}
	a, b := have.Int, operand.Int
	if overflows(a, b) {
		return have, wire.Overflow
	}
	return model.Int64(op(a, b)), wire.Success
}

func addOverflows(a, b int64) bool {
	if b > 0 {
		return a > math.MaxInt64-b
	}
	return a < math.MinInt64-b
}

func subOverflows(a, b int64) bool {
	if b < 0 {
		return a > math.MaxInt64+b
	}
	return a < math.MinInt64+b
}

func mulOverflows(a, b int64) bool {
	if a == math.MinInt64 && b == -1 {
		return true
	}
	if a == 0 || b == 0 {
		return false
	}
	result := a * b
	return result/b != a
}

// divOverflows covers the one case integer division's own arithmetic can't
// signal: dividing the most negative int64 by -1 is mathematically 2^63,
// one past math.MaxInt64, so it is not representable as int64 even though
// Go's runtime silently wraps it back to a (spec §9, "mathematical result
// not representable as int64"). Shared by ATOMIC_DIV and ATOMIC_MOD, since
// both route through the same divisor.
func divOverflows(a, b int64) bool {
	return a == math.MinInt64 && b == -1
}
