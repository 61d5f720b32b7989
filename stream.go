package quic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zys-contribs/quic/internal/ackhandler"
	"github.com/zys-contribs/quic/internal/flowcontrol"
	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/qerr"
	"github.com/zys-contribs/quic/internal/wire"
)

// ReceiveStream is the read half of a Stream, or the entirety of a
// unidirectional stream opened by the peer.
type ReceiveStream interface {
	StreamID() protocol.StreamID
	Read(p []byte) (int, error)
	CancelRead(code uint64) error
	SetReadDeadline(t time.Time) error
}

// SendStream is the write half of a Stream, or the entirety of a
// unidirectional stream opened locally.
type SendStream interface {
	StreamID() protocol.StreamID
	Write(p []byte) (int, error)
	Close() error
	CancelWrite(code uint64) error
	SetWriteDeadline(t time.Time) error
	Context() context.Context
}

// Stream is a bidirectional, reliable, ordered byte stream multiplexed
// over a Session.
type Stream interface {
	ReceiveStream
	SendStream
}

// streamSender is how a stream talks back to the session that owns it:
// queueing control frames (MAX_STREAM_DATA, STOP_SENDING, RESET_STREAM),
// waking the send loop when new data is ready, and reporting when the
// stream has fully closed so the streams map can forget it. This keeps
// stream.go from needing to know anything about packet packing or the
// run loop, the same separation the teacher's channel-based Stream kept
// between itself and the connection.
type streamSender interface {
	queueControlFrame(wire.Frame)
	onHasStreamData(protocol.StreamID)
	onStreamCompleted(protocol.StreamID)
}

// inboundFragment is one not-yet-consumed, not-yet-contiguous piece of a
// receiveStream's reassembly buffer.
type inboundFragment struct {
	offset protocol.ByteCount
	data   []byte
}

type stream struct {
	id          protocol.StreamID
	sender      streamSender
	flowCtrl    flowcontrol.StreamFlowController
	ctx         context.Context
	cancelCtx   context.CancelFunc

	mu       sync.Mutex
	readCond sync.Cond

	// receive side
	fragments    []inboundFragment
	readOffset   protocol.ByteCount
	finalOffset  protocol.ByteCount
	finalKnown   bool
	readClosed   bool
	readErr      error
	readDeadline time.Time

	// send side
	writeBuf      []byte
	writeOffset   protocol.ByteCount // offset of writeBuf[0]
	writeClosed   bool
	fin           bool
	finSent       bool
	writeErr      error
	writeDeadline time.Time
	sentUpTo      protocol.ByteCount // offset up to which data has been handed to a STREAM frame at least once
}

func newStream(id protocol.StreamID, sender streamSender, fc flowcontrol.StreamFlowController) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{id: id, sender: sender, flowCtrl: fc, ctx: ctx, cancelCtx: cancel}
	s.readCond.L = &s.mu
	return s
}

func (s *stream) StreamID() protocol.StreamID { return s.id }
func (s *stream) Context() context.Context    { return s.ctx }

// --- receive side ---

// handleStreamFrame is called by the session's receive pipeline for
// every STREAM frame addressed to this stream.
func (s *stream) handleStreamFrame(f *wire.StreamFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := f.Offset + protocol.ByteCount(len(f.Data))
	if err := s.flowCtrl.UpdateHighestReceived(end, f.Fin); err != nil {
		return err
	}
	if f.Fin {
		s.finalOffset = end
		s.finalKnown = true
	}
	if len(f.Data) > 0 {
		s.insertFragment(f.Offset, f.Data)
	}
	s.readCond.Broadcast()
	return nil
}

func (s *stream) insertFragment(offset protocol.ByteCount, data []byte) {
	end := offset + protocol.ByteCount(len(data))
	if end <= s.readOffset {
		return // entirely stale, already consumed
	}
	if offset < s.readOffset {
		data = data[s.readOffset-offset:]
		offset = s.readOffset
	}
	i := 0
	for ; i < len(s.fragments); i++ {
		if s.fragments[i].offset >= offset {
			break
		}
	}
	// de-duplicate against an existing fragment covering the same start.
	if i < len(s.fragments) && s.fragments[i].offset == offset && len(s.fragments[i].data) >= len(data) {
		return
	}
	frag := inboundFragment{offset: offset, data: data}
	s.fragments = append(s.fragments, inboundFragment{})
	copy(s.fragments[i+1:], s.fragments[i:])
	s.fragments[i] = frag
}

func (s *stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if s.readErr != nil {
			return 0, s.readErr
		}
		if len(s.fragments) > 0 && s.fragments[0].offset == s.readOffset {
			n := 0
			for n < len(p) && len(s.fragments) > 0 && s.fragments[0].offset == s.readOffset {
				frag := &s.fragments[0]
				c := copy(p[n:], frag.data)
				frag.data = frag.data[c:]
				frag.offset += protocol.ByteCount(c)
				s.readOffset += protocol.ByteCount(c)
				n += c
				if len(frag.data) == 0 {
					s.fragments = s.fragments[1:]
				}
			}
			s.flowCtrl.AddBytesRead(protocol.ByteCount(n))
			if offset := s.flowCtrl.GetWindowUpdate(); offset > 0 {
				s.sender.queueControlFrame(&wire.MaxStreamDataFrame{StreamID: s.id, MaximumStreamData: offset})
			}
			return n, nil
		}
		if s.finalKnown && s.readOffset >= s.finalOffset {
			return 0, nil // io.EOF semantics: caller's next Read sees this again
		}
		if !s.readDeadline.IsZero() && !time.Now().Before(s.readDeadline) {
			return 0, errDeadlineExceeded{}
		}
		s.readCond.Wait()
	}
}

func (s *stream) CancelRead(code uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readClosed {
		return nil
	}
	s.readClosed = true
	s.readErr = &qerr.StreamError{ErrorCode: code}
	s.sender.queueControlFrame(&wire.StopSendingFrame{StreamID: s.id, ErrorCode: code})
	s.readCond.Broadcast()
	return nil
}

func (s *stream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDeadline = t
	s.mu.Unlock()
	s.readCond.Broadcast()
	return nil
}

// handleResetStreamFrame aborts the receive side because the peer gave
// up on sending.
func (s *stream) handleResetStreamFrame(f *wire.ResetStreamFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flowCtrl.UpdateHighestReceived(f.FinalSize, true); err != nil {
		return err
	}
	s.readClosed = true
	s.readErr = &qerr.StreamError{ErrorCode: f.ErrorCode, Remote: true}
	s.readCond.Broadcast()
	return nil
}

// handleStopSendingFrame honors the peer's request to abandon the send
// side: the local application write error surfaces immediately, and a
// RESET_STREAM carrying the same error code goes back so the peer's own
// receive side unblocks too (RFC 9000 §3.5).
func (s *stream) handleStopSendingFrame(f *wire.StopSendingFrame) {
	s.mu.Lock()
	if s.writeClosed && s.finSent {
		s.mu.Unlock()
		return
	}
	alreadyClosed := s.writeClosed
	s.writeClosed = true
	s.writeErr = &qerr.StreamError{ErrorCode: f.ErrorCode, Remote: true}
	finalSize := s.writeOffset + protocol.ByteCount(len(s.writeBuf))
	s.mu.Unlock()
	if alreadyClosed {
		return
	}
	s.sender.queueControlFrame(&wire.ResetStreamFrame{StreamID: s.id, ErrorCode: f.ErrorCode, FinalSize: finalSize})
	s.sender.onStreamCompleted(s.id)
}

// --- send side ---

func (s *stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeClosed {
		return 0, fmt.Errorf("quic: write on closed stream %d", s.id)
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.writeBuf = append(s.writeBuf, p...)
	s.sender.onHasStreamData(s.id)
	return len(p), nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.writeClosed {
		s.mu.Unlock()
		return nil
	}
	s.writeClosed = true
	s.fin = true
	s.mu.Unlock()
	s.sender.onHasStreamData(s.id)
	return nil
}

func (s *stream) CancelWrite(code uint64) error {
	s.mu.Lock()
	if s.writeClosed && s.finSent {
		s.mu.Unlock()
		return nil
	}
	s.writeClosed = true
	s.writeErr = &qerr.StreamError{ErrorCode: code}
	finalSize := s.writeOffset + protocol.ByteCount(len(s.writeBuf))
	s.mu.Unlock()
	s.sender.queueControlFrame(&wire.ResetStreamFrame{StreamID: s.id, ErrorCode: code, FinalSize: finalSize})
	s.sender.onStreamCompleted(s.id)
	return nil
}

func (s *stream) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	s.writeDeadline = t
	s.mu.Unlock()
	return nil
}

// hasStreamData reports whether there's unsent data or an unsent FIN.
func (s *stream) hasStreamData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentUpTo < s.writeOffset+protocol.ByteCount(len(s.writeBuf)) || (s.fin && !s.finSent)
}

// popStreamFrame builds the next outgoing STREAM frame, constrained by
// maxLen and by the stream- and connection-level flow control windows,
// returning ok=false if nothing can be sent right now (blocked or
// empty). The returned frame carries OnAcked/OnLost callbacks so the
// ackhandler can drive retransmission without importing this package.
func (s *stream) popStreamFrame(maxLen protocol.ByteCount) (ackhandler.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	available := s.writeOffset + protocol.ByteCount(len(s.writeBuf)) - s.sentUpTo
	sendWindow := s.flowCtrl.SendWindowSize()
	if available == 0 {
		if s.fin && !s.finSent {
			s.finSent = true
			f := &wire.StreamFrame{StreamID: s.id, Offset: s.sentUpTo, Fin: true, DataLenPresent: true}
			return s.wrapFrame(f), true
		}
		return ackhandler.Frame{}, false
	}
	if sendWindow == 0 {
		s.sender.queueControlFrame(&wire.StreamDataBlockedFrame{StreamID: s.id, MaximumStreamData: s.sentUpTo})
		return ackhandler.Frame{}, false
	}
	n := available
	if n > sendWindow {
		n = sendWindow
	}
	if n > maxLen {
		n = maxLen
	}
	if n <= 0 {
		return ackhandler.Frame{}, false
	}
	rel := s.sentUpTo - s.writeOffset
	data := make([]byte, n)
	copy(data, s.writeBuf[rel:rel+n])
	f := &wire.StreamFrame{StreamID: s.id, Offset: s.sentUpTo, Data: data, DataLenPresent: true}
	s.sentUpTo += n
	s.flowCtrl.AddBytesSent(n)
	if s.fin && s.sentUpTo == s.writeOffset+protocol.ByteCount(len(s.writeBuf)) {
		f.Fin = true
		s.finSent = true
	}
	return s.wrapFrame(f), true
}

func (s *stream) wrapFrame(f *wire.StreamFrame) ackhandler.Frame {
	return ackhandler.Frame{
		Frame: f,
		OnAcked: func(wire.Frame) { s.onFrameAcked(f) },
		OnLost: func(wire.Frame) { s.onFrameLost(f) },
	}
}

func (s *stream) onFrameAcked(f *wire.StreamFrame) {
	s.mu.Lock()
	end := f.Offset + protocol.ByteCount(len(f.Data))
	completed := s.writeClosed && (!s.fin || s.finSent) && end >= s.writeOffset+protocol.ByteCount(len(s.writeBuf))
	s.mu.Unlock()
	if completed {
		s.sender.onStreamCompleted(s.id)
	}
}

func (s *stream) onFrameLost(f *wire.StreamFrame) {
	s.mu.Lock()
	if f.Offset < s.sentUpTo {
		s.sentUpTo = f.Offset
	}
	if f.Fin {
		s.finSent = false
	}
	s.mu.Unlock()
	s.sender.onHasStreamData(s.id)
}

// errDeadlineExceeded satisfies net.Error with Timeout()==true, the same
// shape the standard library's os.ErrDeadlineExceeded carries.
type errDeadlineExceeded struct{}

func (errDeadlineExceeded) Error() string   { return "quic: deadline exceeded" }
func (errDeadlineExceeded) Timeout() bool   { return true }
func (errDeadlineExceeded) Temporary() bool { return true }
