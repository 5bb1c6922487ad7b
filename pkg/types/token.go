package types

import "fmt"

// offsetBits is the number of low bits of the source offset folded into
// the packed uint64 form. 20 bits disambiguate events committed within
// the same millisecond.
const offsetBits = 20

// VersionToken orders writes for a single document. Tokens compare by
// commit time first, then by source offset, so redelivered and
// out-of-order events are rejected by the writer's conditional check.
type VersionToken struct {
	EventTimeMs int64  `json:"event_time_ms"`
	Offset      uint64 `json:"offset"`
}

// Compare returns -1, 0 or 1 as t orders before, equal to, or after o.
func (t VersionToken) Compare(o VersionToken) int {
	switch {
	case t.EventTimeMs < o.EventTimeMs:
		return -1
	case t.EventTimeMs > o.EventTimeMs:
		return 1
	case t.Offset < o.Offset:
		return -1
	case t.Offset > o.Offset:
		return 1
	default:
		return 0
	}
}

// Before reports whether t is strictly older than o.
func (t VersionToken) Before(o VersionToken) bool { return t.Compare(o) < 0 }

// IsZero reports whether t is the zero token (no write applied yet).
func (t VersionToken) IsZero() bool { return t.EventTimeMs == 0 && t.Offset == 0 }

// Uint64 packs the token into a single monotonic integer for index
// backends that take one external version number. The millisecond
// timestamp occupies the high bits; the low offsetBits bits break ties
// within a millisecond.
func (t VersionToken) Uint64() uint64 {
	return uint64(t.EventTimeMs)<<offsetBits | (t.Offset & (1<<offsetBits - 1))
}

func (t VersionToken) String() string {
	return fmt.Sprintf("%d:%d", t.EventTimeMs, t.Offset)
}
