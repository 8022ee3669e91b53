package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/rescrv/hyperdex/internal/model"
)

func float64bits(f float64) uint64    { return math.Float64bits(f) }
func float64frombits(u uint64) float64 { return math.Float64frombits(u) }

// Status is the client-visible outcome of a REQ_ATOMIC, per spec §6.2.
type Status uint16

const (
	Success Status = iota
	NotFound
	CmpFail
	ReadOnly
	Overflow
	Unauthorized
	ServerError
)

func (s Status) String() string {
	switch s {
	case Success:
		return "SUCCESS"
	case NotFound:
		return "NOTFOUND"
	case CmpFail:
		return "CMPFAIL"
	case ReadOnly:
		return "READONLY"
	case Overflow:
		return "OVERFLOW"
	case Unauthorized:
		return "UNAUTHORIZED"
	case ServerError:
		return "SERVERERROR"
	default:
		return "UNKNOWN"
	}
}

// CompareOp is a CAS predicate's comparison operator.
type CompareOp uint8

const (
	CompareEquals CompareOp = iota
	CompareLessThan
	CompareGreaterThan
	CompareFail // always fails, whatever the attribute holds
)

// Check is one CAS predicate clause of a REQ_ATOMIC: the named attribute's
// current value must satisfy Op against Value or the whole request fails
// with CmpFail.
type Check struct {
	Attribute string
	Op        CompareOp
	Value     model.Value
}

// FuncOp is a functional update applied to one attribute of a REQ_ATOMIC.
type FuncOp uint8

const (
	FuncSet FuncOp = iota
	FuncDelete
	FuncAtomicAdd
	FuncAtomicSub
	FuncAtomicMul
	FuncAtomicDiv
	FuncAtomicMod
	FuncAtomicAnd
	FuncAtomicOr
	FuncAtomicXor
	FuncListAppend
	FuncSetAdd
	FuncMapSet
)

// Func is one functional update clause.
type Func struct {
	Attribute string
	Op        FuncOp
	Operand   model.Value
}

// ReqAtomicPayload is REQ_ATOMIC's payload: a client's proposed write against
// one key, expressed as CAS checks plus functional updates (spec §6.1,
// §4.2 step 1, §7's numeric-overflow handling).
type ReqAtomicPayload struct {
	Nonce  uint64
	Key    []byte
	Checks []Check
	Funcs  []Func
	// Delete marks this request as a delete-the-key operation rather than
	// a put; Funcs is unused when Delete is set.
	Delete bool
}

// RespAtomicPayload is RESP_ATOMIC's payload.
type RespAtomicPayload struct {
	Nonce  uint64
	Status Status
}

// ChainOpPayload is CHAIN_OP's payload (spec §6.1): a committed version
// forwarded along a region's own chain, with the four-region hashing left to
// the receiver (the "continuous" path).
type ChainOpPayload struct {
	Fresh      bool
	HasValue   bool
	OldVersion uint64
	NewVersion uint64
	Key        []byte
	Value      []model.Value
}

// ChainSubspacePayload is CHAIN_SUBSPACE's payload: identical to ChainOp but
// carrying the four region ids explicitly, bypassing the receiver's local
// re-hash (spec §4.2, §4.3, §9).
type ChainSubspacePayload struct {
	Fresh         bool
	HasValue      bool
	OldVersion    uint64
	NewVersion    uint64
	Key           []byte
	Value         []model.Value
	Hashes        []uint64
	PrevRegion    uint64
	ThisOldRegion uint64
	ThisNewRegion uint64
	NextRegion    uint64
}

// ChainAckPayload is CHAIN_ACK's payload: acknowledges durable receipt of a
// version, flowing back up the chain.
type ChainAckPayload struct {
	Version uint64
	Key     []byte
}

func putBytes(buf *bytes.Buffer, b []byte) {
	var l [8]byte
	binary.LittleEndian.PutUint64(l[:], uint64(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

func getBytes(r *bytes.Reader) ([]byte, error) {
	var l [8]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint64(l[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func getUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// putValue encodes a self-describing value (kind tag + the raw little-endian
// bits of a number or the length-prefixed bytes of a string, with
// containers recursed explicitly) so a receiver can decode it without
// consulting the schema. This is distinct from EncodeSortKey, which is
// intentionally not self-describing because it is only ever compared within
// one known schema type.
func putValue(buf *bytes.Buffer, v model.Value) {
	buf.WriteByte(byte(v.Kind))
	switch v.Kind {
	case model.KindString:
		putBytes(buf, []byte(v.Str))
	case model.KindInt64:
		putUint64(buf, uint64(v.Int))
	case model.KindFloat64:
		putUint64(buf, float64bits(v.Float))
	case model.KindList, model.KindSet:
		elems := v.List
		if v.Kind == model.KindSet {
			elems = v.Set
		}
		putUint64(buf, uint64(len(elems)))
		for _, e := range elems {
			putValue(buf, e)
		}
	case model.KindMap:
		putUint64(buf, uint64(len(v.Map)))
		for _, e := range v.Map {
			putValue(buf, e.Key)
			putValue(buf, e.Value)
		}
	}
}

func getValue(r *bytes.Reader) (model.Value, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return model.Value{}, err
	}
	kind := model.Kind(kindByte)
	switch kind {
	case model.KindString:
		b, err := getBytes(r)
		if err != nil {
			return model.Value{}, err
		}
		return model.String(string(b)), nil
	case model.KindInt64:
		u, err := getUint64(r)
		if err != nil {
			return model.Value{}, err
		}
		return model.Int64(int64(u)), nil
	case model.KindFloat64:
		u, err := getUint64(r)
		if err != nil {
			return model.Value{}, err
		}
		return model.Float64(float64frombits(u)), nil
	case model.KindList, model.KindSet:
		n, err := getUint64(r)
		if err != nil {
			return model.Value{}, err
		}
		elems := make([]model.Value, 0, n)
		for i := uint64(0); i < n; i++ {
			e, err := getValue(r)
			if err != nil {
				return model.Value{}, err
			}
			elems = append(elems, e)
		}
		if kind == model.KindSet {
			return model.SetOf(elems...), nil
		}
		return model.ListOf(elems...), nil
	case model.KindMap:
		n, err := getUint64(r)
		if err != nil {
			return model.Value{}, err
		}
		entries := make([]model.MapEntry, 0, n)
		for i := uint64(0); i < n; i++ {
			k, err := getValue(r)
			if err != nil {
				return model.Value{}, err
			}
			v, err := getValue(r)
			if err != nil {
				return model.Value{}, err
			}
			entries = append(entries, model.MapEntry{Key: k, Value: v})
		}
		return model.MapOf(entries...), nil
	default:
		return model.Value{}, errors.Errorf("wire: unknown value kind %d", kindByte)
	}
}

// EncodeChainOp serializes a ChainOpPayload for CHAIN_OP framing.
func EncodeChainOp(p ChainOpPayload) []byte {
	var buf bytes.Buffer
	flags := byte(0)
	if p.Fresh {
		flags |= FlagFresh
	}
	if p.HasValue {
		flags |= FlagHasValue
	}
	buf.WriteByte(flags)
	putUint64(&buf, p.OldVersion)
	putUint64(&buf, p.NewVersion)
	putBytes(&buf, p.Key)
	putUint64(&buf, uint64(len(p.Value)))
	for _, v := range p.Value {
		putValue(&buf, v)
	}
	return buf.Bytes()
}

// DecodeChainOp parses a CHAIN_OP payload.
func DecodeChainOp(b []byte) (ChainOpPayload, error) {
	r := bytes.NewReader(b)
	flags, err := r.ReadByte()
	if err != nil {
		return ChainOpPayload{}, err
	}
	old, err := getUint64(r)
	if err != nil {
		return ChainOpPayload{}, err
	}
	nv, err := getUint64(r)
	if err != nil {
		return ChainOpPayload{}, err
	}
	key, err := getBytes(r)
	if err != nil {
		return ChainOpPayload{}, err
	}
	n, err := getUint64(r)
	if err != nil {
		return ChainOpPayload{}, err
	}
	values := make([]model.Value, 0, n)
	for i := uint64(0); i < n; i++ {
		v, err := getValue(r)
		if err != nil {
			return ChainOpPayload{}, err
		}
		values = append(values, v)
	}
	return ChainOpPayload{
		Fresh:      flags&FlagFresh != 0,
		HasValue:   flags&FlagHasValue != 0,
		OldVersion: old,
		NewVersion: nv,
		Key:        key,
		Value:      values,
	}, nil
}

// EncodeChainSubspace serializes a ChainSubspacePayload for CHAIN_SUBSPACE
// framing.
func EncodeChainSubspace(p ChainSubspacePayload) []byte {
	var buf bytes.Buffer
	flags := byte(0)
	if p.Fresh {
		flags |= FlagFresh
	}
	if p.HasValue {
		flags |= FlagHasValue
	}
	buf.WriteByte(flags)
	putUint64(&buf, p.OldVersion)
	putUint64(&buf, p.NewVersion)
	putBytes(&buf, p.Key)
	putUint64(&buf, uint64(len(p.Value)))
	for _, v := range p.Value {
		putValue(&buf, v)
	}
	putUint64(&buf, uint64(len(p.Hashes)))
	for _, h := range p.Hashes {
		putUint64(&buf, h)
	}
	putUint64(&buf, p.PrevRegion)
	putUint64(&buf, p.ThisOldRegion)
	putUint64(&buf, p.ThisNewRegion)
	putUint64(&buf, p.NextRegion)
	return buf.Bytes()
}

// DecodeChainSubspace parses a CHAIN_SUBSPACE payload.
func DecodeChainSubspace(b []byte) (ChainSubspacePayload, error) {
	r := bytes.NewReader(b)
	flags, err := r.ReadByte()
	if err != nil {
		return ChainSubspacePayload{}, err
	}
	p := ChainSubspacePayload{Fresh: flags&FlagFresh != 0, HasValue: flags&FlagHasValue != 0}
	var err2 error
	if p.OldVersion, err2 = getUint64(r); err2 != nil {
		return ChainSubspacePayload{}, err2
	}
	if p.NewVersion, err2 = getUint64(r); err2 != nil {
		return ChainSubspacePayload{}, err2
	}
	if p.Key, err2 = getBytes(r); err2 != nil {
		return ChainSubspacePayload{}, err2
	}
	n, err2 := getUint64(r)
	if err2 != nil {
		return ChainSubspacePayload{}, err2
	}
	for i := uint64(0); i < n; i++ {
		v, err := getValue(r)
		if err != nil {
			return ChainSubspacePayload{}, err
		}
		p.Value = append(p.Value, v)
	}
	hn, err2 := getUint64(r)
	if err2 != nil {
		return ChainSubspacePayload{}, err2
	}
	for i := uint64(0); i < hn; i++ {
		h, err := getUint64(r)
		if err != nil {
			return ChainSubspacePayload{}, err
		}
		p.Hashes = append(p.Hashes, h)
	}
	if p.PrevRegion, err2 = getUint64(r); err2 != nil {
		return ChainSubspacePayload{}, err2
	}
	if p.ThisOldRegion, err2 = getUint64(r); err2 != nil {
		return ChainSubspacePayload{}, err2
	}
	if p.ThisNewRegion, err2 = getUint64(r); err2 != nil {
		return ChainSubspacePayload{}, err2
	}
	if p.NextRegion, err2 = getUint64(r); err2 != nil {
		return ChainSubspacePayload{}, err2
	}
	return p, nil
}

// EncodeChainAck serializes a ChainAckPayload for CHAIN_ACK framing.
func EncodeChainAck(p ChainAckPayload) []byte {
	var buf bytes.Buffer
	putUint64(&buf, p.Version)
	putBytes(&buf, p.Key)
	return buf.Bytes()
}

// DecodeChainAck parses a CHAIN_ACK payload.
func DecodeChainAck(b []byte) (ChainAckPayload, error) {
	r := bytes.NewReader(b)
	v, err := getUint64(r)
	if err != nil {
		return ChainAckPayload{}, err
	}
	key, err := getBytes(r)
	if err != nil {
		return ChainAckPayload{}, err
	}
	return ChainAckPayload{Version: v, Key: key}, nil
}

// EncodeRespAtomic serializes a RespAtomicPayload.
func EncodeRespAtomic(p RespAtomicPayload) []byte {
	var buf bytes.Buffer
	putUint64(&buf, p.Nonce)
	var s [2]byte
	binary.LittleEndian.PutUint16(s[:], uint16(p.Status))
	buf.Write(s[:])
	return buf.Bytes()
}

// DecodeRespAtomic parses a RESP_ATOMIC payload.
func DecodeRespAtomic(b []byte) (RespAtomicPayload, error) {
	r := bytes.NewReader(b)
	nonce, err := getUint64(r)
	if err != nil {
		return RespAtomicPayload{}, err
	}
	var s [2]byte
	if _, err := io.ReadFull(r, s[:]); err != nil {
		return RespAtomicPayload{}, err
	}
	return RespAtomicPayload{Nonce: nonce, Status: Status(binary.LittleEndian.Uint16(s[:]))}, nil
}

// EncodeReqAtomic serializes a ReqAtomicPayload for REQ_ATOMIC framing.
func EncodeReqAtomic(p ReqAtomicPayload) []byte {
	var buf bytes.Buffer
	putUint64(&buf, p.Nonce)
	putBytes(&buf, p.Key)
	deleteByte := byte(0)
	if p.Delete {
		deleteByte = 1
	}
	buf.WriteByte(deleteByte)
	putUint64(&buf, uint64(len(p.Checks)))
	for _, c := range p.Checks {
		putBytes(&buf, []byte(c.Attribute))
		buf.WriteByte(byte(c.Op))
		putValue(&buf, c.Value)
	}
	putUint64(&buf, uint64(len(p.Funcs)))
	for _, f := range p.Funcs {
		putBytes(&buf, []byte(f.Attribute))
		buf.WriteByte(byte(f.Op))
		putValue(&buf, f.Operand)
	}
	return buf.Bytes()
}

// DecodeReqAtomic parses a REQ_ATOMIC payload.
func DecodeReqAtomic(b []byte) (ReqAtomicPayload, error) {
	r := bytes.NewReader(b)
	nonce, err := getUint64(r)
	if err != nil {
		return ReqAtomicPayload{}, err
	}
	key, err := getBytes(r)
	if err != nil {
		return ReqAtomicPayload{}, err
	}
	delByte, err := r.ReadByte()
	if err != nil {
		return ReqAtomicPayload{}, err
	}
	p := ReqAtomicPayload{Nonce: nonce, Key: key, Delete: delByte != 0}
	cn, err := getUint64(r)
	if err != nil {
		return ReqAtomicPayload{}, err
	}
	for i := uint64(0); i < cn; i++ {
		name, err := getBytes(r)
		if err != nil {
			return ReqAtomicPayload{}, err
		}
		op, err := r.ReadByte()
		if err != nil {
			return ReqAtomicPayload{}, err
		}
		v, err := getValue(r)
		if err != nil {
			return ReqAtomicPayload{}, err
		}
		p.Checks = append(p.Checks, Check{Attribute: string(name), Op: CompareOp(op), Value: v})
	}
	fn, err := getUint64(r)
	if err != nil {
		return ReqAtomicPayload{}, err
	}
	for i := uint64(0); i < fn; i++ {
		name, err := getBytes(r)
		if err != nil {
			return ReqAtomicPayload{}, err
		}
		op, err := r.ReadByte()
		if err != nil {
			return ReqAtomicPayload{}, err
		}
		v, err := getValue(r)
		if err != nil {
			return ReqAtomicPayload{}, err
		}
		p.Funcs = append(p.Funcs, Func{Attribute: string(name), Op: FuncOp(op), Operand: v})
	}
	return p, nil
}

// EncodeValues serializes an ordered tuple of attribute values (a full
// record's worth, or a key-operation's Value field) using the same
// self-describing encoding as ChainOp payloads, so storage.Engine can treat
// a record as an opaque byte string without importing this package's wire
// framing.
func EncodeValues(values []model.Value) []byte {
	var buf bytes.Buffer
	putUint64(&buf, uint64(len(values)))
	for _, v := range values {
		putValue(&buf, v)
	}
	return buf.Bytes()
}

// DecodeValues is the inverse of EncodeValues.
func DecodeValues(b []byte) ([]model.Value, error) {
	r := bytes.NewReader(b)
	n, err := getUint64(r)
	if err != nil {
		return nil, err
	}
	values := make([]model.Value, 0, n)
	for i := uint64(0); i < n; i++ {
		v, err := getValue(r)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}
