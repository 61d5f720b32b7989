package quic

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zys-contribs/quic/internal/flowcontrol"
	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/utils"
)

var errSessionClosedForTest = errors.New("session closed")

func timeoutCh() <-chan time.Time { return time.After(time.Second) }

func newTestStreamsMap(t *testing.T, perspective protocol.Perspective, maxBidi, maxUni protocol.StreamNum) (*streamsMap, *fakeStreamSender) {
	sender := &fakeStreamSender{}
	connFC := flowcontrol.NewConnectionFlowController(1<<20, 1<<20, 1<<20, &utils.RTTStats{}, utils.NopLogger)
	newFC := func(id protocol.StreamID) flowcontrol.StreamFlowController {
		return flowcontrol.NewStreamFlowController(id, connFC, 1<<16, 1<<16, 1<<16, &utils.RTTStats{}, utils.NopLogger)
	}
	m := newStreamsMap(perspective, sender, connFC, maxBidi, maxUni, newFC)
	return m, sender
}

func TestStreamsMapOpenStreamAssignsSequentialIDs(t *testing.T) {
	m, _ := newTestStreamsMap(t, protocol.PerspectiveClient, 10, 10)
	s1, err := m.OpenStream()
	require.NoError(t, err)
	s2, err := m.OpenStream()
	require.NoError(t, err)
	require.NotEqual(t, s1.StreamID(), s2.StreamID())
}

func TestStreamsMapOpenStreamFailsAtLimit(t *testing.T) {
	m, _ := newTestStreamsMap(t, protocol.PerspectiveClient, 1, 0)
	_, err := m.OpenStream()
	require.NoError(t, err)

	_, err = m.OpenStream()
	require.Error(t, err)
	var limitErr *streamLimitReachedError
	require.ErrorAs(t, err, &limitErr)
}

func TestStreamsMapUpdateOutgoingLimitUnblocks(t *testing.T) {
	m, _ := newTestStreamsMap(t, protocol.PerspectiveClient, 0, 0)
	done := make(chan error, 1)
	go func() {
		_, err := m.OpenStreamSync()
		done <- err
	}()

	m.UpdateOutgoingLimit(protocol.StreamTypeBidi, 1)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-timeoutCh():
		t.Fatal("OpenStreamSync did not unblock after limit update")
	}
}

func TestStreamsMapGetOrOpenRemoteStreamOpensIntervening(t *testing.T) {
	m, _ := newTestStreamsMap(t, protocol.PerspectiveServer, 10, 10)
	m.SetMaxIncoming(10, 10)
	id := protocol.StreamIDForNum(protocol.PerspectiveClient, protocol.StreamTypeBidi, 3)

	s, err := m.GetOrOpenRemoteStream(id, true)
	require.NoError(t, err)
	require.NotNil(t, s)

	// the two lower-numbered streams must now also exist
	for n := protocol.StreamNum(1); n < 3; n++ {
		lowerID := protocol.StreamIDForNum(protocol.PerspectiveClient, protocol.StreamTypeBidi, n)
		_, ok := m.Get(lowerID)
		require.True(t, ok)
	}
}

func TestStreamsMapGetOrOpenRemoteStreamRejectsOverLimit(t *testing.T) {
	m, _ := newTestStreamsMap(t, protocol.PerspectiveServer, 10, 10)
	m.SetMaxIncoming(1, 1)
	id := protocol.StreamIDForNum(protocol.PerspectiveClient, protocol.StreamTypeBidi, 2)

	_, err := m.GetOrOpenRemoteStream(id, true)
	require.Error(t, err)
}

// TestStreamsMapGetOrOpenRemoteStreamDropsEmptyFrameForUnknownStream covers
// the stream-commit guard: a STREAM frame carrying no data and no FIN for
// a stream ID this side has never seen must not open it, or any
// intervening stream below it, since the frame carries nothing worth
// creating state for (a peer could otherwise commit a session to
// thousands of stream objects with one frame).
func TestStreamsMapGetOrOpenRemoteStreamDropsEmptyFrameForUnknownStream(t *testing.T) {
	m, _ := newTestStreamsMap(t, protocol.PerspectiveServer, 10, 10)
	m.SetMaxIncoming(10, 10)
	id := protocol.StreamIDForNum(protocol.PerspectiveClient, protocol.StreamTypeBidi, 5)

	s, err := m.GetOrOpenRemoteStream(id, false)
	require.NoError(t, err)
	require.Nil(t, s)

	for n := protocol.StreamNum(1); n <= 5; n++ {
		lowerID := protocol.StreamIDForNum(protocol.PerspectiveClient, protocol.StreamTypeBidi, n)
		_, ok := m.Get(lowerID)
		require.False(t, ok, "stream %d must not have been opened by an empty, non-FIN frame", n)
	}
}

// TestStreamsMapGetOrOpenRemoteStreamHasPayloadOpensAlreadyKnownStream
// confirms the guard only gates creation, not access to a stream that
// already exists: a later frame on the same ID, even an empty one, still
// resolves to it.
func TestStreamsMapGetOrOpenRemoteStreamHasPayloadOpensAlreadyKnownStream(t *testing.T) {
	m, _ := newTestStreamsMap(t, protocol.PerspectiveServer, 10, 10)
	m.SetMaxIncoming(10, 10)
	id := protocol.StreamIDForNum(protocol.PerspectiveClient, protocol.StreamTypeBidi, 1)

	opened, err := m.GetOrOpenRemoteStream(id, true)
	require.NoError(t, err)
	require.NotNil(t, opened)

	again, err := m.GetOrOpenRemoteStream(id, false)
	require.NoError(t, err)
	require.Same(t, opened, again)
}

func TestStreamsMapAcceptStreamInOrder(t *testing.T) {
	m, _ := newTestStreamsMap(t, protocol.PerspectiveServer, 10, 10)
	m.SetMaxIncoming(10, 10)
	id1 := protocol.StreamIDForNum(protocol.PerspectiveClient, protocol.StreamTypeBidi, 1)

	accepted := make(chan Stream, 1)
	go func() {
		s, err := m.AcceptStream()
		require.NoError(t, err)
		accepted <- s
	}()

	_, err := m.GetOrOpenRemoteStream(id1, true)
	require.NoError(t, err)

	select {
	case s := <-accepted:
		require.Equal(t, id1, s.StreamID())
	case <-timeoutCh():
		t.Fatal("AcceptStream did not unblock")
	}
}

func TestStreamsMapDeleteStreamForgetsIt(t *testing.T) {
	m, _ := newTestStreamsMap(t, protocol.PerspectiveClient, 10, 10)
	s, err := m.OpenStream()
	require.NoError(t, err)

	m.DeleteStream(s.StreamID())
	_, ok := m.Get(s.StreamID())
	require.False(t, ok)
}

func TestStreamsMapCloseWithErrorUnblocksEverything(t *testing.T) {
	m, _ := newTestStreamsMap(t, protocol.PerspectiveClient, 10, 10)
	s, err := m.OpenStream()
	require.NoError(t, err)

	m.CloseWithError(errSessionClosedForTest)

	_, err = m.OpenStream()
	require.ErrorIs(t, err, errSessionClosedForTest)

	buf := make([]byte, 1)
	_, err = s.Read(buf)
	require.ErrorIs(t, err, errSessionClosedForTest)
}

func TestStreamsMapStreamsWithDataSnapshot(t *testing.T) {
	m, _ := newTestStreamsMap(t, protocol.PerspectiveClient, 10, 10)
	s1, err := m.OpenStream()
	require.NoError(t, err)
	s2, err := m.OpenUniStream()
	require.NoError(t, err)

	all := m.streamsWithData()
	require.Len(t, all, 2)
	ids := map[protocol.StreamID]bool{all[0].StreamID(): true, all[1].StreamID(): true}
	require.True(t, ids[s1.StreamID()])
	require.True(t, ids[s2.StreamID()])
}
