package quic

import (
	"fmt"
	"sync"

	"github.com/zys-contribs/quic/internal/flowcontrol"
	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/qerr"
)

// streamsMap owns every stream's lifetime for one session, enforces
// at-most-once creation per ID, and implements the local/remote-open
// admission rules of RFC 9000 §2.1. Grounded on the teacher's streamsMap,
// generalized from gQUIC's odd/even client/server split to QUIC v1's
// two-bit (initiator, direction) stream ID scheme and split bidi/uni
// accounting, each with its own outgoing counter and incoming limit.
type streamsMap struct {
	mu sync.Mutex

	perspective protocol.Perspective
	sender      streamSender
	connFC      flowcontrol.ConnectionFlowController

	newFlowController func(protocol.StreamID) flowcontrol.StreamFlowController

	bidi *streamSet
	uni  *streamSet

	closeErr error
}

// streamSet tracks one (direction) class of streams: both the ones this
// perspective opens and the ones the peer opens.
type streamSet struct {
	streamType protocol.StreamType

	streams map[protocol.StreamID]*stream

	nextOutgoing     protocol.StreamNum
	outgoingOpened   protocol.StreamNum
	maxOutgoing      protocol.StreamNum
	outgoingOpenCond sync.Cond

	nextIncomingToAccept protocol.StreamNum
	highestIncomingOpened protocol.StreamNum
	maxIncoming           protocol.StreamNum
	incomingAcceptCond    sync.Cond
}

func newStreamsMap(perspective protocol.Perspective, sender streamSender, connFC flowcontrol.ConnectionFlowController, maxOutgoingBidi, maxOutgoingUni protocol.StreamNum, newFC func(protocol.StreamID) flowcontrol.StreamFlowController) *streamsMap {
	m := &streamsMap{
		perspective:       perspective,
		sender:            sender,
		connFC:            connFC,
		newFlowController: newFC,
		bidi:              newStreamSet(protocol.StreamTypeBidi, maxOutgoingBidi),
		uni:               newStreamSet(protocol.StreamTypeUni, maxOutgoingUni),
	}
	m.bidi.outgoingOpenCond.L = &m.mu
	m.bidi.incomingAcceptCond.L = &m.mu
	m.uni.outgoingOpenCond.L = &m.mu
	m.uni.incomingAcceptCond.L = &m.mu
	return m
}

func newStreamSet(t protocol.StreamType, maxOutgoing protocol.StreamNum) *streamSet {
	return &streamSet{
		streamType:  t,
		streams:     make(map[protocol.StreamID]*stream),
		maxOutgoing: maxOutgoing,
	}
}

func (m *streamsMap) setForType(t protocol.StreamType) *streamSet {
	if t == protocol.StreamTypeUni {
		return m.uni
	}
	return m.bidi
}

// SetMaxIncoming is called with the peer's InitialMaxStreamsBidi/Uni
// transport parameter once the handshake completes.
func (m *streamsMap) SetMaxIncoming(bidi, uni protocol.StreamNum) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bidi.maxIncoming = bidi
	m.uni.maxIncoming = uni
}

// UpdateOutgoingLimit raises how many outgoing streams of the given type
// this perspective may open, in response to a MAX_STREAMS frame.
func (m *streamsMap) UpdateOutgoingLimit(t protocol.StreamType, limit protocol.StreamNum) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.setForType(t)
	if limit > set.maxOutgoing {
		set.maxOutgoing = limit
		set.outgoingOpenCond.Broadcast()
	}
}

func (m *streamsMap) newLocalStream(id protocol.StreamID) *stream {
	return newStream(id, m.sender, m.newFlowController(id))
}

// OpenStream opens the next outgoing bidirectional stream, failing
// immediately rather than blocking if the peer's MAX_STREAMS limit is
// currently exhausted.
func (m *streamsMap) OpenStream() (Stream, error) {
	return m.openStream(protocol.StreamTypeBidi, false)
}

func (m *streamsMap) OpenStreamSync() (Stream, error) {
	s, err := m.openStream(protocol.StreamTypeBidi, true)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (m *streamsMap) OpenUniStream() (SendStream, error) {
	return m.openStream(protocol.StreamTypeUni, false)
}

func (m *streamsMap) OpenUniStreamSync() (SendStream, error) {
	return m.openStream(protocol.StreamTypeUni, true)
}

func (m *streamsMap) openStream(t protocol.StreamType, blocking bool) (*stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.setForType(t)
	for {
		if m.closeErr != nil {
			return nil, m.closeErr
		}
		if set.outgoingOpened < set.maxOutgoing {
			num := set.nextOutgoing + 1
			set.nextOutgoing = num
			set.outgoingOpened++
			id := protocol.StreamIDForNum(m.perspective, t, num)
			s := m.newLocalStream(id)
			set.streams[id] = s
			return s, nil
		}
		if !blocking {
			return nil, &streamLimitReachedError{typ: t}
		}
		set.outgoingOpenCond.Wait()
	}
}

// streamLimitReachedError is returned by the non-blocking Open*Stream
// variants when the peer's advertised MAX_STREAMS limit is currently
// exhausted.
type streamLimitReachedError struct{ typ protocol.StreamType }

func (e *streamLimitReachedError) Error() string {
	return fmt.Sprintf("quic: too many open streams of type %v", e.typ)
}

// AcceptStream blocks until the peer opens the next bidirectional stream
// in order, or the session closes.
func (m *streamsMap) AcceptStream() (Stream, error) { return m.acceptStream(protocol.StreamTypeBidi) }

// AcceptUniStream blocks until the peer opens the next unidirectional
// stream in order.
func (m *streamsMap) AcceptUniStream() (ReceiveStream, error) {
	return m.acceptStream(protocol.StreamTypeUni)
}

func (m *streamsMap) acceptStream(t protocol.StreamType) (*stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.setForType(t)
	for {
		if m.closeErr != nil {
			return nil, m.closeErr
		}
		id := protocol.StreamIDForNum(m.perspective.Opposite(), t, set.nextIncomingToAccept+1)
		if s, ok := set.streams[id]; ok {
			set.nextIncomingToAccept++
			return s, nil
		}
		set.incomingAcceptCond.Wait()
	}
}

// GetOrOpenRemoteStream resolves id to a *stream, opening every
// intervening peer-initiated stream of the same class in order (RFC 9000
// §2.1: opening stream N implicitly opens every lower-numbered stream of
// that class). Returns (nil, nil) if id names a stream this perspective
// already knows to be closed. A given stream ID maps to at most one
// *stream for the life of the session, even across repeated calls here.
//
// hasPayload must be false only for a STREAM frame carrying no data and
// no FIN: such a frame conveys nothing, so if id names a stream not
// already known, it is silently dropped instead of opening every
// intervening stream up to it (a peer could otherwise commit a session
// to unbounded stream objects with a single empty frame).
func (m *streamsMap) GetOrOpenRemoteStream(id protocol.StreamID, hasPayload bool) (*stream, error) {
	t := id.Type()
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.setForType(t)

	if s, ok := set.streams[id]; ok {
		return s, nil
	}
	if !hasPayload {
		return nil, nil
	}
	num := id.StreamNum()
	if id.InitiatedBy() == m.perspective {
		// A stream we opened ourselves and have since forgotten about.
		return nil, nil
	}
	if num <= set.highestIncomingOpened {
		return nil, nil // peer-initiated, already closed and forgotten
	}
	if num > set.highestIncomingOpened+protocol.StreamNum(protocol.MaxNewStreamIDDelta) {
		return nil, &qerr.TransportError{ErrorCode: qerr.StreamLimitError, ErrorMessage: "stream ID too far ahead of the highest opened"}
	}
	if num > set.maxIncoming {
		return nil, &qerr.TransportError{ErrorCode: qerr.StreamLimitError, ErrorMessage: "too many open streams"}
	}

	for n := set.highestIncomingOpened + 1; n <= num; n++ {
		sid := protocol.StreamIDForNum(m.perspective.Opposite(), t, n)
		set.streams[sid] = m.newLocalStream(sid)
	}
	set.highestIncomingOpened = num
	set.incomingAcceptCond.Broadcast()
	return set.streams[id], nil
}

// Get returns a known stream by ID, without opening anything.
func (m *streamsMap) Get(id protocol.StreamID) (*stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.setForType(id.Type()).streams[id]
	return s, ok
}

// DeleteStream forgets a fully-closed stream, freeing it to be garbage
// collected, and wakes waiters on the outgoing-open condition when the
// stream was locally initiated. The outgoing stream limit is not raised
// by this; only a MAX_STREAMS frame raises it.
func (m *streamsMap) DeleteStream(id protocol.StreamID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.setForType(id.Type())
	delete(set.streams, id)
	if id.InitiatedBy() == m.perspective {
		set.outgoingOpenCond.Broadcast()
	}
}

// streamsWithData returns every currently-known stream, bidi and uni,
// local and remote, as a snapshot slice for the send path to poll for
// pending STREAM frames. Cheap relative to the packet-send cadence: the
// alternative, a dirty-set pushed to from stream.Write, would need its
// own locking discipline for no benefit at this scale.
func (m *streamsMap) streamsWithData() []*stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*stream, 0, len(m.bidi.streams)+len(m.uni.streams))
	for _, s := range m.bidi.streams {
		out = append(out, s)
	}
	for _, s := range m.uni.streams {
		out = append(out, s)
	}
	return out
}

// CloseWithError unblocks every blocked Open*/Accept* call and read/write
// on every open stream, used when the session is torn down.
func (m *streamsMap) CloseWithError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeErr = err
	for _, set := range []*streamSet{m.bidi, m.uni} {
		set.outgoingOpenCond.Broadcast()
		set.incomingAcceptCond.Broadcast()
		for _, s := range set.streams {
			s.mu.Lock()
			if s.readErr == nil {
				s.readErr = err
			}
			if s.writeErr == nil {
				s.writeErr = err
			}
			s.mu.Unlock()
			s.readCond.Broadcast()
			s.cancelCtx()
		}
	}
}
