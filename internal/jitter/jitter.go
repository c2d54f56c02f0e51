// Package jitter implements a jitter buffer for the receive-audio stream.
//
// The monitor client has exactly one audio sender — the server's receiver
// feed — so this is a single-stream buffer: it reorders out-of-order packets
// by sequence number, buffers a configurable number of frames before playback
// starts, and signals missing frames so the caller can run Opus PLC (packet
// loss concealment).
package jitter

import "time"

const (
	ringSize = 16 // must be a power of 2
	ringMask = ringSize - 1

	// staleTimeout is how long the feed must be silent before buffered
	// state is discarded and priming starts over.
	staleTimeout = 500 * time.Millisecond
)

// slot holds one opus packet in the ring buffer.
type slot struct {
	opus []byte
	seq  uint16
	set  bool
}

// Buffer is a single-stream jitter buffer. Not safe for concurrent use; the
// playback loop is the sole consumer and synchronises externally.
type Buffer struct {
	ring     [ringSize]slot
	nextPlay uint16    // next sequence number to consume
	primed   bool      // true once enough frames are buffered to start
	count    int       // frames received during priming
	lastRecv time.Time // time of last Push
	depth    int       // frames to buffer before starting playback
}

// New creates a jitter buffer with the given depth (in 20 ms frames).
// A depth of 3 adds ~60 ms latency and tolerates reordering within that
// window.
func New(depth int) *Buffer {
	if depth < 1 {
		depth = 1
	}
	if depth > ringSize/2 {
		depth = ringSize / 2
	}
	return &Buffer{depth: depth}
}

// Push inserts a received packet.
func (b *Buffer) Push(seq uint16, opus []byte) {
	if b.lastRecv.IsZero() {
		// Very first packet (or first after Reset): prime nextPlay from the
		// feed's own sequence numbering.
		b.restart(seq, opus)
		return
	}
	if time.Since(b.lastRecv) > staleTimeout {
		// The feed went quiet (server restart, squelch): re-prime from here.
		b.restart(seq, opus)
		return
	}
	b.lastRecv = time.Now()

	idx := int(seq) & ringMask

	if !b.primed {
		b.ring[idx] = slot{opus: opus, seq: seq, set: true}
		b.count++
		if b.count >= b.depth {
			b.primed = true
		}
		return
	}

	// Signed distance from nextPlay: positive = ahead, negative = behind.
	dist := int16(seq - b.nextPlay)
	if dist < 0 {
		// Late arrival (already played past this seq) — drop.
		return
	}
	if int(dist) >= ringSize {
		// Way ahead of expectation — sender restart or a long gap.
		b.restart(seq, opus)
		return
	}

	b.ring[idx] = slot{opus: opus, seq: seq, set: true}
}

// restart discards all state and begins priming again from seq.
func (b *Buffer) restart(seq uint16, opus []byte) {
	*b = Buffer{
		nextPlay: seq,
		count:    1,
		depth:    b.depth,
		lastRecv: time.Now(),
	}
	b.ring[int(seq)&ringMask] = slot{opus: opus, seq: seq, set: true}
	if b.count >= b.depth {
		b.primed = true
	}
}

// Pop returns the frame for the current 20 ms playback tick. ok is false
// while the buffer is still priming or the feed is idle. A nil opus slice
// with ok true signals a missing frame: the caller should decode with PLC.
func (b *Buffer) Pop() (opus []byte, ok bool) {
	if !b.primed {
		return nil, false
	}
	if time.Since(b.lastRecv) > staleTimeout {
		// Feed went silent: stop emitting PLC frames and re-prime on the
		// next Push instead of concealing forever.
		b.Reset()
		return nil, false
	}

	idx := int(b.nextPlay) & ringMask
	if b.ring[idx].set && b.ring[idx].seq == b.nextPlay {
		opus = b.ring[idx].opus
		b.ring[idx] = slot{}
		b.nextPlay++
		return opus, true
	}

	// Missing frame — clear any stale data and report the loss.
	b.ring[idx] = slot{}
	b.nextPlay++
	return nil, true
}

// Primed reports whether playback has started.
func (b *Buffer) Primed() bool {
	return b.primed
}

// Reset clears all buffered state (e.g. on disconnect).
func (b *Buffer) Reset() {
	*b = Buffer{depth: b.depth}
}
