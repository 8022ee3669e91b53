package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MsgType identifies the kind of payload that follows a frame's header.
type MsgType uint8

const (
	ReqAtomic      MsgType = 16
	RespAtomic     MsgType = 17
	ChainOpMsg     MsgType = 64
	ChainSubspace  MsgType = 65
	ChainAckMsg    MsgType = 66
	ConfigMismatch MsgType = 254
)

func (m MsgType) String() string {
	switch m {
	case ReqAtomic:
		return "REQ_ATOMIC"
	case RespAtomic:
		return "RESP_ATOMIC"
	case ChainOpMsg:
		return "CHAIN_OP"
	case ChainSubspace:
		return "CHAIN_SUBSPACE"
	case ChainAckMsg:
		return "CHAIN_ACK"
	case ConfigMismatch:
		return "CONFIGMISMATCH"
	default:
		return "UNKNOWN"
	}
}

// ChainOp flag bits (CHAIN_OP.flags in spec §6.1).
const (
	FlagFresh    uint8 = 1 << 0
	FlagHasValue uint8 = 1 << 1
)

// Header is the parsed form of a frame's fixed-size prefix. Which fields are
// meaningful depends on Server: client-originated frames never populate
// Flags/ConfigVersion/VirtualTo, and VirtualFrom names the client connection
// rather than a chain position.
type Header struct {
	MsgType       MsgType
	Flags         uint8
	ConfigVersion uint64
	VirtualTo     uint64
	VirtualFrom   uint64
	Server        bool
}

// magic tags the start of every frame; ReadHeader rejects a header that
// does not begin with it (ErrBadMagic). The readers in this tree then stop
// reading that connection; none of them scans ahead to resynchronize.
const magic uint32 = 0x68797065 // "hype"

// WriteServerHeader encodes a server-to-server frame header.
func WriteServerHeader(w io.Writer, h Header, payloadLen uint32) error {
	buf := make([]byte, 4+1+1+8+8+8+4)
	binary.LittleEndian.PutUint32(buf[0:], magic)
	buf[4] = byte(h.MsgType)
	buf[5] = h.Flags
	binary.LittleEndian.PutUint64(buf[6:], h.ConfigVersion)
	binary.LittleEndian.PutUint64(buf[14:], h.VirtualTo)
	binary.LittleEndian.PutUint64(buf[22:], h.VirtualFrom)
	binary.LittleEndian.PutUint32(buf[30:], payloadLen)
	_, err := w.Write(buf)
	return errors.Wrap(err, "write server header")
}

// WriteClientHeader encodes a client-to-server frame header.
func WriteClientHeader(w io.Writer, msgType MsgType, virtualFrom uint64, payloadLen uint32) error {
	buf := make([]byte, 4+1+8+4)
	binary.LittleEndian.PutUint32(buf[0:], magic)
	buf[4] = byte(msgType)
	binary.LittleEndian.PutUint64(buf[5:], virtualFrom)
	binary.LittleEndian.PutUint32(buf[13:], payloadLen)
	_, err := w.Write(buf)
	return errors.Wrap(err, "write client header")
}

// ErrBadMagic indicates a frame did not begin with the expected magic value.
var ErrBadMagic = errors.New("wire: bad frame magic")

// ReadHeader decodes one frame header and returns the payload length to read
// next. server selects which shape to expect.
func ReadHeader(r io.Reader, server bool) (Header, uint32, error) {
	var fixed []byte
	if server {
		fixed = make([]byte, 4+1+1+8+8+8+4)
	} else {
		fixed = make([]byte, 4+1+8+4)
	}
	if _, err := io.ReadFull(r, fixed); err != nil {
		return Header{}, 0, errors.Wrap(err, "read frame header")
	}
	if binary.LittleEndian.Uint32(fixed[0:]) != magic {
		return Header{}, 0, ErrBadMagic
	}
	h := Header{MsgType: MsgType(fixed[4]), Server: server}
	if server {
		h.Flags = fixed[5]
		h.ConfigVersion = binary.LittleEndian.Uint64(fixed[6:])
		h.VirtualTo = binary.LittleEndian.Uint64(fixed[14:])
		h.VirtualFrom = binary.LittleEndian.Uint64(fixed[22:])
		return h, binary.LittleEndian.Uint32(fixed[30:]), nil
	}
	h.VirtualFrom = binary.LittleEndian.Uint64(fixed[5:])
	return h, binary.LittleEndian.Uint32(fixed[13:]), nil
}

// ReadPayload reads exactly n bytes following a header.
func ReadPayload(r io.Reader, n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "read frame payload")
	}
	return buf, nil
}
