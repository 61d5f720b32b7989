package quic

import (
	"sync"

	"github.com/zys-contribs/quic/internal/protocol"
)

// cryptoStreamBuffer queues one encryption level's outbound handshake
// bytes, tracking how much has been submitted, sent, and acknowledged.
// There is no per-stream flow control here: the three crypto streams are
// implicitly trusted, the way RFC 9000 §7.5 grants CRYPTO frames no
// flow-control accounting.
type cryptoStreamBuffer struct {
	mu sync.Mutex

	queue []byte
	// queueOffset is the stream offset of queue[0].
	queueOffset protocol.ByteCount

	// highestSent is the offset up to which bytes have been handed to
	// the packet writer at least once.
	highestSent protocol.ByteCount
	// largestAcked is the highest contiguous offset known to have been
	// acknowledged by the peer.
	largestAcked protocol.ByteCount

	unacked map[protocol.ByteCount][]byte // offset -> bytes, retransmission candidates
}

func newCryptoStreamBuffer() *cryptoStreamBuffer {
	return &cryptoStreamBuffer{unacked: make(map[protocol.ByteCount][]byte)}
}

// Submit appends application- or TLS-provider-supplied bytes to the
// outbound queue, to be picked up by the session's send pipeline.
func (b *cryptoStreamBuffer) Submit(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, data...)
}

// HasData reports whether there is data waiting to be sent for the
// first time (as opposed to only retransmissions).
func (b *cryptoStreamBuffer) HasData() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queueOffset+protocol.ByteCount(len(b.queue)) > b.highestSent
}

// PopCryptoFrame returns up to maxLen bytes of not-yet-sent data as a
// CRYPTO frame payload, advancing highestSent and remembering the bytes
// under their offset so a future loss can be retransmitted verbatim.
func (b *cryptoStreamBuffer) PopCryptoFrame(maxLen protocol.ByteCount) (offset protocol.ByteCount, data []byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := b.highestSent - b.queueOffset
	if start < 0 || protocol.ByteCount(len(b.queue)) <= start {
		return 0, nil, false
	}
	end := start + maxLen
	if end > protocol.ByteCount(len(b.queue)) {
		end = protocol.ByteCount(len(b.queue))
	}
	chunk := make([]byte, end-start)
	copy(chunk, b.queue[start:end])
	off := b.highestSent
	b.unacked[off] = chunk
	b.highestSent += protocol.ByteCount(len(chunk))
	return off, chunk, true
}

// QueueRetransmission re-marks [offset, offset+len(data)) as unsent, so
// the send pipeline re-emits it in a future CRYPTO frame (called from a
// lost-packet callback).
func (b *cryptoStreamBuffer) QueueRetransmission(offset protocol.ByteCount, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if offset < b.largestAcked {
		return // already acknowledged via a later, overlapping range
	}
	rel := offset - b.queueOffset
	if rel < 0 || rel > protocol.ByteCount(len(b.queue)) {
		return
	}
	if protocol.ByteCount(b.highestSent) > offset {
		b.highestSent = offset
	}
}

// Ack marks [offset, offset+len) as acknowledged, trimming the queue's
// front once the acknowledged region is contiguous from queueOffset.
func (b *cryptoStreamBuffer) Ack(offset protocol.ByteCount, length int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.unacked, offset)
	if offset != b.queueOffset {
		return
	}
	if protocol.ByteCount(length) > protocol.ByteCount(len(b.queue)) {
		length = int(len(b.queue))
	}
	b.queue = b.queue[length:]
	b.queueOffset += protocol.ByteCount(length)
	if b.largestAcked < b.queueOffset {
		b.largestAcked = b.queueOffset
	}
}

// Stats reports the submit/sent/acked offsets for this buffer.
func (b *cryptoStreamBuffer) Stats() (submitted, sent, acked protocol.ByteCount) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queueOffset + protocol.ByteCount(len(b.queue)), b.highestSent, b.largestAcked
}

// cryptoBuffers holds one cryptoStreamBuffer per encryption level that
// ever carries CRYPTO frames (Initial, Handshake, and 1-RTT for post-
// handshake NewSessionTicket messages).
type cryptoBuffers struct {
	levels [3]*cryptoStreamBuffer // indexed by levelIndex
}

func newCryptoBuffers() *cryptoBuffers {
	return &cryptoBuffers{levels: [3]*cryptoStreamBuffer{
		newCryptoStreamBuffer(),
		newCryptoStreamBuffer(),
		newCryptoStreamBuffer(),
	}}
}

func levelIndex(l protocol.EncryptionLevel) int {
	switch l {
	case protocol.EncryptionInitial:
		return 0
	case protocol.EncryptionHandshake:
		return 1
	default:
		return 2
	}
}

func (c *cryptoBuffers) Get(level protocol.EncryptionLevel) *cryptoStreamBuffer {
	return c.levels[levelIndex(level)]
}
