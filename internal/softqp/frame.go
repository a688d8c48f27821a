package softqp

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	opSend byte = 1
	opAck  byte = 2

	flagImm byte = 1 << 0

	headerLen = 10
)

var errProtocol = errors.New("softqp: protocol violation")

// header precedes every frame on the wire. For opSend, length is the payload
// size; for opAck it is the number of sends acknowledged, with no payload.
type header struct {
	op     byte
	flags  byte
	imm    uint32
	length uint32
}

func appendHeader(dst []byte, h header) []byte {
	dst = append(dst, h.op, h.flags)
	dst = protowire.AppendFixed32(dst, h.imm)
	return protowire.AppendFixed32(dst, h.length)
}

func parseHeader(b []byte) (header, error) {
	if len(b) < headerLen {
		return header{}, fmt.Errorf("%w: short header (%d bytes)", errProtocol, len(b))
	}
	h := header{op: b[0], flags: b[1]}
	imm, n := protowire.ConsumeFixed32(b[2:])
	if n < 0 {
		return header{}, fmt.Errorf("%w: imm: %v", errProtocol, protowire.ParseError(n))
	}
	length, n := protowire.ConsumeFixed32(b[6:])
	if n < 0 {
		return header{}, fmt.Errorf("%w: length: %v", errProtocol, protowire.ParseError(n))
	}
	h.imm = imm
	h.length = length
	switch h.op {
	case opSend, opAck:
	default:
		return header{}, fmt.Errorf("%w: unknown opcode %d", errProtocol, h.op)
	}
	return h, nil
}
