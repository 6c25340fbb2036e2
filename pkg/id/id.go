package id

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"
)

// epochMs anchors ID timestamps to 2024-01-01T00:00:00Z.
const epochMs = int64(1704067200000)

// ID identifies a saga run. Twelve bytes big-endian: 6 bytes of
// milliseconds since the epoch, a 2-byte generator tag, and a 4-byte
// sequence, so IDs sort by creation time.
type ID [12]byte

// String returns the 24-character lowercase hex form.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// Bytes returns a copy of the raw bytes.
func (i ID) Bytes() []byte {
	b := make([]byte, len(i))
	copy(b, i[:])
	return b
}

// Compare orders IDs lexically, returning -1, 0, or 1.
func (i ID) Compare(other ID) int { return bytes.Compare(i[:], other[:]) }

// NowMs is the clock source, swappable in tests.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Generator hands out strictly increasing IDs. The tag is drawn at random
// per generator so two processes sharing a store do not collide.
type Generator struct {
	mu   sync.Mutex
	tag  [2]byte
	last int64
	seq  uint32
}

// NewGenerator creates a Generator with a random tag.
func NewGenerator() *Generator {
	g := &Generator{}
	if _, err := rand.Read(g.tag[:]); err != nil {
		binary.BigEndian.PutUint16(g.tag[:], uint16(time.Now().UnixNano()))
	}
	return g
}

// Next returns an ID greater than every previous one from g. A clock that
// stalls or runs backwards advances the sequence instead; a wrapped
// sequence borrows a millisecond.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs() - epochMs
	if ms <= g.last {
		ms = g.last
		g.seq++
		if g.seq == 0 {
			ms++
		}
	} else {
		g.seq = 0
	}
	g.last = ms

	var out ID
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(ms))
	copy(out[0:6], ts[2:8])
	copy(out[6:8], g.tag[:])
	binary.BigEndian.PutUint32(out[8:12], g.seq)
	return out
}
