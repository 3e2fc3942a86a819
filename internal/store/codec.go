package store

import (
	"encoding/binary"
	"math"
)

// encodeDueTime renders a due-time (ms) as the 8-byte host-endian float64
// payload carried on the ndt channel. This is a pragmatic choice: it is only
// valid because every replica in a fleet is assumed to share the host's
// endianness (spec.md §3). A heterogeneous fleet would need a fixed
// encoding instead; this codec is the single place that would change.
func encodeDueTime(ms float64) []byte {
	buf := make([]byte, 8)
	binary.NativeEndian.PutUint64(buf, math.Float64bits(ms))
	return buf
}

// decodeDueTime parses the ndt payload. An empty buffer denotes "queue
// empty", reported via the second return value.
func decodeDueTime(payload []byte) (ms float64, ok bool) {
	if len(payload) == 0 {
		return 0, false
	}
	if len(payload) != 8 {
		return 0, false
	}
	return math.Float64frombits(binary.NativeEndian.Uint64(payload)), true
}
