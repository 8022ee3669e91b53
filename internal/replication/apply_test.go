package replication

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescrv/hyperdex/internal/config"
	"github.com/rescrv/hyperdex/internal/model"
	"github.com/rescrv/hyperdex/internal/wire"
)

func testSpace() *config.Space {
	return &config.Space{
		Name: "accounts",
		Key:  model.Attribute{Name: "username", Type: model.KindString},
		Attributes: []model.Attribute{
			{Name: "balance", Type: model.KindInt64},
			{Name: "nickname", Type: model.KindString},
		},
	}
}

func TestApplyRequestPutsFreshValue(t *testing.T) {
	space := testSpace()
	req := wire.ReqAtomicPayload{
		Key: []byte("alice"),
		Funcs: []wire.Func{
			{Attribute: "balance", Op: wire.FuncSet, Operand: model.Int64(100)},
			{Attribute: "nickname", Op: wire.FuncSet, Operand: model.String("al")},
		},
	}

	values, status := applyRequest(space, nil, req)
	require.Equal(t, wire.Success, status)
	assert.Equal(t, int64(100), values[0].Int)
	assert.Equal(t, "al", values[1].Str)
}

func TestApplyRequestFailsCheckAgainstMissingAttribute(t *testing.T) {
	space := testSpace()
	req := wire.ReqAtomicPayload{
		Key: []byte("alice"),
		Checks: []wire.Check{
			{Attribute: "balance", Op: wire.CompareEquals, Value: model.Int64(5)},
		},
	}

	_, status := applyRequest(space, nil, req)
	assert.Equal(t, wire.CmpFail, status)
}

func TestApplyRequestPassesCheckAgainstCurrentValue(t *testing.T) {
	space := testSpace()
	current := []model.Value{model.Int64(100), model.String("al")}
	req := wire.ReqAtomicPayload{
		Key: []byte("alice"),
		Checks: []wire.Check{
			{Attribute: "balance", Op: wire.CompareEquals, Value: model.Int64(100)},
		},
		Funcs: []wire.Func{
			{Attribute: "nickname", Op: wire.FuncSet, Operand: model.String("ali")},
		},
	}

	values, status := applyRequest(space, current, req)
	require.Equal(t, wire.Success, status)
	assert.Equal(t, int64(100), values[0].Int)
	assert.Equal(t, "ali", values[1].Str)
}

func TestApplyRequestAtomicAdd(t *testing.T) {
	space := testSpace()
	current := []model.Value{model.Int64(100), model.String("al")}
	req := wire.ReqAtomicPayload{
		Key: []byte("alice"),
		Funcs: []wire.Func{
			{Attribute: "balance", Op: wire.FuncAtomicAdd, Operand: model.Int64(50)},
		},
	}

	values, status := applyRequest(space, current, req)
	require.Equal(t, wire.Success, status)
	assert.Equal(t, int64(150), values[0].Int)
}

func TestApplyRequestAtomicAddOverflow(t *testing.T) {
	space := testSpace()
	current := []model.Value{model.Int64(9223372036854775807), model.String("al")}
	req := wire.ReqAtomicPayload{
		Key: []byte("alice"),
		Funcs: []wire.Func{
			{Attribute: "balance", Op: wire.FuncAtomicAdd, Operand: model.Int64(1)},
		},
	}

	_, status := applyRequest(space, current, req)
	assert.Equal(t, wire.Overflow, status)
}

func TestApplyRequestDivideByZero(t *testing.T) {
	space := testSpace()
	current := []model.Value{model.Int64(10), model.String("al")}
	req := wire.ReqAtomicPayload{
		Key: []byte("alice"),
		Funcs: []wire.Func{
			{Attribute: "balance", Op: wire.FuncAtomicDiv, Operand: model.Int64(0)},
		},
	}

	_, status := applyRequest(space, current, req)
	assert.Equal(t, wire.Overflow, status)
}

func TestApplyRequestDivideMinInt64ByNegativeOneOverflows(t *testing.T) {
	space := testSpace()
	current := []model.Value{model.Int64(math.MinInt64), model.String("al")}
	req := wire.ReqAtomicPayload{
		Key: []byte("alice"),
		Funcs: []wire.Func{
			{Attribute: "balance", Op: wire.FuncAtomicDiv, Operand: model.Int64(-1)},
		},
	}

	_, status := applyRequest(space, current, req)
	assert.Equal(t, wire.Overflow, status)
}

func TestApplyRequestModMinInt64ByNegativeOneOverflows(t *testing.T) {
	space := testSpace()
	current := []model.Value{model.Int64(math.MinInt64), model.String("al")}
	req := wire.ReqAtomicPayload{
		Key: []byte("alice"),
		Funcs: []wire.Func{
			{Attribute: "balance", Op: wire.FuncAtomicMod, Operand: model.Int64(-1)},
		},
	}

	_, status := applyRequest(space, current, req)
	assert.Equal(t, wire.Overflow, status)
}

func TestApplyRequestMulMinInt64ByNegativeOneOverflows(t *testing.T) {
	space := testSpace()
	current := []model.Value{model.Int64(math.MinInt64), model.String("al")}
	req := wire.ReqAtomicPayload{
		Key: []byte("alice"),
		Funcs: []wire.Func{
			{Attribute: "balance", Op: wire.FuncAtomicMul, Operand: model.Int64(-1)},
		},
	}

	_, status := applyRequest(space, current, req)
	assert.Equal(t, wire.Overflow, status)
}

func TestApplyRequestDelete(t *testing.T) {
	space := testSpace()
	current := []model.Value{model.Int64(10), model.String("al")}
	req := wire.ReqAtomicPayload{Key: []byte("alice"), Delete: true}

	values, status := applyRequest(space, current, req)
	require.Equal(t, wire.Success, status)
	assert.Nil(t, values)
}
