// Package id mints the four identifier formats named in the wire
// protocol: loop, signal, tool-job, and event ids. Formats are ported
// from the original implementation's id module and confirmed against its
// embedded unit tests rather than re-derived from prose.
package id

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// NowMillis returns the current wall-clock time as milliseconds since the
// Unix epoch. All timestamps in this repo (Loop.CreatedAt/UpdatedAt,
// Signal.CreatedAt, ...) are expressed in this unit.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// hexSeq backs randHex4: it starts at a random 16-bit value and steps by
// one per call, so one process never repeats a suffix until 65536 more
// have been minted, even within a single millisecond.
var hexSeq atomic.Uint32

func init() {
	var b [2]byte
	_, _ = rand.Read(b[:])
	hexSeq.Store(uint32(binary.BigEndian.Uint16(b[:])))
}

// randHex4 returns the next four hex digits from hexSeq, used as a
// collision-resistant suffix on every id format below.
func randHex4() string {
	return fmt.Sprintf("%04x", uint16(hexSeq.Add(1)))
}

// NewLoopID mints a root loop id: "<wall-clock-millis>-<4-hex>".
func NewLoopID() string {
	return fmt.Sprintf("%d-%s", NowMillis(), randHex4())
}

// NewChildID derives a child loop id from its parent: the parent id's
// last '-'-delimited segment becomes the child's prefix, suffixed with a
// zero-padded 3-digit index. E.g. parent "1738300800123-a1b2" with index
// 5 yields "a1b2-005".
func NewChildID(parentID string, index int) string {
	segments := strings.Split(parentID, "-")
	suffix := segments[len(segments)-1]
	return fmt.Sprintf("%s-%03d", suffix, index)
}

// NewSignalID mints "sig-<millis>-<4-hex>".
func NewSignalID() string {
	return fmt.Sprintf("sig-%d-%s", NowMillis(), randHex4())
}

// NewToolJobID mints "job-<loop-id>-<iteration>-<4-hex>".
func NewToolJobID(loopID string, iteration int) string {
	return fmt.Sprintf("job-%s-%d-%s", loopID, iteration, randHex4())
}

// NewEventID mints "evt-<millis>-<4-hex>". Events are not modeled in the
// original implementation; this format follows the loop/signal/tool-job
// convention (kind prefix + millis + 4-hex suffix) established there.
func NewEventID() string {
	return fmt.Sprintf("evt-%d-%s", NowMillis(), randHex4())
}
