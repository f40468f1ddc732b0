package tcp

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
	"time"
)

// isnBase is a process-lifetime random offset (crypto/rand-seeded, per
// the resolved Open Question ii) so restarted listeners don't reuse a
// predictable ISN sequence.
var isnBase uint32

func init() {
	var b [4]byte
	if _, err := rand.Read(b[:]); err == nil {
		isnBase = binary.BigEndian.Uint32(b[:])
	}
}

var isnCounter uint32

// nextISN derives an initial sequence number from the random base plus
// a coarse clock tick (roughly RFC 793's 4-microsecond timer, tracked
// here as milliseconds since that's the finest grain this model's
// tests drive) plus a monotonic counter, so back-to-back connections
// from the same source never reuse a sequence number even if the
// clock hasn't advanced.
func nextISN() uint32 {
	tick := uint32(time.Now().UnixMilli())
	n := atomic.AddUint32(&isnCounter, 1)
	return isnBase + tick + n
}
