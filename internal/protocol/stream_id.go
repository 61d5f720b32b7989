package protocol

// StreamID identifies a stream within a session. Bit 0 encodes the
// initiating perspective (0 = client, 1 = server), bit 1 encodes direction
// (0 = bidirectional, 1 = unidirectional).
type StreamID int64

// StreamType distinguishes bidirectional from unidirectional streams.
type StreamType uint8

const (
	StreamTypeBidi StreamType = iota
	StreamTypeUni
)

// InitiatedBy returns which perspective opened this stream.
func (s StreamID) InitiatedBy() Perspective {
	if s%2 == 1 {
		return PerspectiveServer
	}
	return PerspectiveClient
}

// Type returns whether the stream is bidirectional or unidirectional.
func (s StreamID) Type() StreamType {
	if s%4 >= 2 {
		return StreamTypeUni
	}
	return StreamTypeBidi
}

// StreamNum is the 1-indexed ordinal of this stream within its
// (initiator, type) class, i.e. the Nth stream of that class to be opened.
func (s StreamID) StreamNum() StreamNum {
	return StreamNum(s/4) + 1
}

// FirstStreamID returns the lowest stream ID for the given initiator and
// stream type, the one assigned to StreamNum 1.
func FirstStreamID(initiator Perspective, t StreamType) StreamID {
	var id StreamID
	if initiator == PerspectiveServer {
		id += 1
	}
	if t == StreamTypeUni {
		id += 2
	}
	return id
}

// StreamIDForNum computes the StreamID of the num'th stream (1-indexed) of
// the given initiator/type class.
func StreamIDForNum(initiator Perspective, t StreamType, num StreamNum) StreamID {
	return FirstStreamID(initiator, t) + StreamID(num-1)*4
}
