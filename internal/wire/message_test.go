package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rescrv/hyperdex/internal/model"
)

func TestChainOpRoundTrip(t *testing.T) {
	p := ChainOpPayload{
		Fresh:      true,
		HasValue:   true,
		OldVersion: 0,
		NewVersion: 1,
		Key:        []byte("k1"),
		Value:      []model.Value{model.Int64(7), model.String("hi")},
	}
	b := EncodeChainOp(p)
	got, err := DecodeChainOp(b)
	require.NoError(t, err)
	require.Equal(t, p.Fresh, got.Fresh)
	require.Equal(t, p.HasValue, got.HasValue)
	require.Equal(t, p.NewVersion, got.NewVersion)
	require.Equal(t, p.Key, got.Key)
	require.Len(t, got.Value, 2)
	require.True(t, got.Value[0].Equal(model.Int64(7)))
	require.True(t, got.Value[1].Equal(model.String("hi")))
}

func TestChainSubspaceRoundTrip(t *testing.T) {
	p := ChainSubspacePayload{
		HasValue:      true,
		NewVersion:    5,
		Key:           []byte("k2"),
		Value:         []model.Value{model.String("B")},
		Hashes:        []uint64{42},
		PrevRegion:    1,
		ThisOldRegion: 2,
		ThisNewRegion: 3,
		NextRegion:    4,
	}
	b := EncodeChainSubspace(p)
	got, err := DecodeChainSubspace(b)
	require.NoError(t, err)
	require.Equal(t, p.ThisOldRegion, got.ThisOldRegion)
	require.Equal(t, p.ThisNewRegion, got.ThisNewRegion)
	require.Equal(t, p.Hashes, got.Hashes)
}

func TestChainAckRoundTrip(t *testing.T) {
	p := ChainAckPayload{Version: 9, Key: []byte("k3")}
	b := EncodeChainAck(p)
	got, err := DecodeChainAck(b)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestReqAtomicRoundTrip(t *testing.T) {
	p := ReqAtomicPayload{
		Nonce: 1,
		Key:   []byte("k4"),
		Checks: []Check{
			{Attribute: "v", Op: CompareEquals, Value: model.Int64(7)},
		},
		Funcs: []Func{
			{Attribute: "v", Op: FuncAtomicAdd, Operand: model.Int64(1)},
		},
	}
	b := EncodeReqAtomic(p)
	got, err := DecodeReqAtomic(b)
	require.NoError(t, err)
	require.Equal(t, p.Nonce, got.Nonce)
	require.Equal(t, p.Key, got.Key)
	require.Len(t, got.Checks, 1)
	require.Equal(t, "v", got.Checks[0].Attribute)
	require.True(t, got.Checks[0].Value.Equal(model.Int64(7)))
	require.Len(t, got.Funcs, 1)
	require.Equal(t, FuncAtomicAdd, got.Funcs[0].Op)
}

func TestRespAtomicRoundTrip(t *testing.T) {
	p := RespAtomicPayload{Nonce: 3, Status: CmpFail}
	b := EncodeRespAtomic(p)
	got, err := DecodeRespAtomic(b)
	require.NoError(t, err)
	require.Equal(t, p, got)
}
