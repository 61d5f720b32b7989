package quic

import (
	"sync"

	"github.com/zys-contribs/quic/internal/protocol"
)

// maxPacketBufferSize is the largest UDP datagram this module will ever
// read or write; IPv4 path MTU plus headroom.
const maxPacketBufferSize = int(protocol.MaxPacketSizeIPv4)

// packetBuffer is an owned, length-bounded byte buffer backing one
// inbound or outbound UDP datagram. Data is the buffer's usable region;
// Slice is the full backing array, kept so the buffer can be returned to
// its pool at full capacity.
type packetBuffer struct {
	Slice []byte
	Data  []byte

	refs int32
	pool *packetBufferPool
}

// Split narrows Data to the first n bytes read/to be written, without
// reallocating.
func (b *packetBuffer) Split(n int) { b.Data = b.Slice[:n] }

// Release returns the buffer to its pool once every reference (e.g. one
// per coalesced QUIC packet inside a single UDP datagram) has been
// dropped.
func (b *packetBuffer) Release() {
	if b.pool == nil {
		return
	}
	b.pool.put(b)
}

// addRef increments the buffer's reference count, for code that hands a
// single received datagram's packetBuffer to more than one packet's
// worth of processing (GRO-coalesced datagrams).
func (b *packetBuffer) addRef() { b.refs++ }

// packetBufferPool is a sync.Pool wrapper that owns packetBuffer
// lifetimes: buffers are zero-refcounted back into the pool exactly once
// every holder has released them, grounded on the teacher's
// internal/wire packet buffer pool pattern used to keep UDP read/write
// hot paths allocation-free.
type packetBufferPool struct {
	pool sync.Pool
}

func newPacketBufferPool() *packetBufferPool {
	p := &packetBufferPool{}
	p.pool.New = func() interface{} {
		return &packetBuffer{Slice: make([]byte, maxPacketBufferSize)}
	}
	return p
}

func (p *packetBufferPool) get() *packetBuffer {
	buf := p.pool.Get().(*packetBuffer)
	buf.Data = buf.Slice
	buf.refs = 1
	buf.pool = p
	return buf
}

func (p *packetBufferPool) put(buf *packetBuffer) {
	buf.refs--
	if buf.refs > 0 {
		return
	}
	buf.Data = nil
	p.pool.Put(buf)
}
