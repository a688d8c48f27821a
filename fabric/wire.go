package fabric

// Immediate data carried on the wire: a 3-bit kind above a 29-bit value.
const (
	immKindShift = 29
	maxImmValue  = 1<<immKindShift - 1
)

type immKind uint32

const (
	immData immKind = iota
	immToken
	immHello
	// immNop carries no payload; it only forces a signaled completion.
	immNop
)

func (k immKind) String() string {
	switch k {
	case immData:
		return "data"
	case immToken:
		return "token"
	case immHello:
		return "hello"
	case immNop:
		return "nop"
	default:
		return "unknown"
	}
}

func encodeImm(kind immKind, value uint32) uint32 {
	return uint32(kind)<<immKindShift | value&maxImmValue
}

func decodeImm(imm uint32) (immKind, uint32) {
	return immKind(imm >> immKindShift), imm & maxImmValue
}

// Local work request ids: a 2-bit kind, a 14-bit batch count and a 48-bit
// slot index. They never leave this process.
const (
	wrKindShift  = 62
	wrCountShift = 48
	wrCountMask  = 1<<14 - 1
	wrSlotMask   = 1<<wrCountShift - 1
)

type wrKind uint64

const (
	wrData wrKind = iota + 1
	wrControl
	wrRecv
)

func encodeWRID(kind wrKind, count int, slot int) uint64 {
	return uint64(kind)<<wrKindShift | (uint64(count)&wrCountMask)<<wrCountShift | uint64(slot)&wrSlotMask
}

func decodeWRID(id uint64) (wrKind, int, int) {
	return wrKind(id >> wrKindShift), int(id >> wrCountShift & wrCountMask), int(id & wrSlotMask)
}
