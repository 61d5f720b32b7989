package ackhandler

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"

	"github.com/zys-contribs/quic/internal/protocol"
)

// packetNumberGenerator hands out the next packet number for one packet
// number space, occasionally skipping one to detect an optimistic-acking
// peer (RFC 9000 §21.4), grounded on the teacher's implementation of the
// same defense. It never skips two consecutive numbers.
type packetNumberGenerator struct {
	rnd           *mrand.Rand
	averagePeriod protocol.PacketNumber

	next       protocol.PacketNumber
	nextToSkip protocol.PacketNumber
}

func newPacketNumberGenerator(initial, averagePeriod protocol.PacketNumber) *packetNumberGenerator {
	var seed [8]byte
	rand.Read(seed[:])
	g := &packetNumberGenerator{
		rnd:           mrand.New(mrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:])))),
		next:          initial,
		averagePeriod: averagePeriod,
	}
	g.generateNewSkip()
	return g
}

func (g *packetNumberGenerator) Peek() protocol.PacketNumber { return g.next }

func (g *packetNumberGenerator) Pop() protocol.PacketNumber {
	next := g.next
	g.next++
	if g.next == g.nextToSkip {
		g.next++
		g.generateNewSkip()
	}
	return next
}

func (g *packetNumberGenerator) generateNewSkip() {
	g.nextToSkip = g.next + 2 + protocol.PacketNumber(g.rnd.Int63n(int64(2*g.averagePeriod)))
}
