// Package ids computes message identifiers.
//
// An identifier is a deterministic function of (due-time, text): the base-64
// (padding stripped) encoding of the SHA-1 of the 8-byte binary
// representation of the due-time, taken as a float64 *before* rounding to
// milliseconds, concatenated with the raw message bytes. Two enqueues of the
// same pair therefore yield the same id, making retries side-effect-free.
package ids

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"math"
)

// Length is the fixed size of every identifier produced by For.
const Length = 27

// For computes the message id for the given due-time (milliseconds, as a
// float64, prior to any rounding) and text.
func For(timeMs float64, text string) string {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], math.Float64bits(timeMs))

	h := sha1.New()
	h.Write(buf[:])
	h.Write([]byte(text))
	sum := h.Sum(nil)

	return base64.RawStdEncoding.EncodeToString(sum)
}
