package quic

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventKindString(t *testing.T) {
	require.Equal(t, "session_ready", EventSessionReady.String())
	require.Equal(t, "stream_reset", EventStreamReset.String())
	require.Equal(t, "unknown", EventKind(255).String())
}

func TestEventSinkDeliversWithinCapacity(t *testing.T) {
	sink := newEventSink(2)
	sink.emit(Event{Kind: EventSessionReady})
	sink.emit(Event{Kind: EventHandshake})

	require.Equal(t, EventSessionReady, (<-sink.events()).Kind)
	require.Equal(t, EventHandshake, (<-sink.events()).Kind)
}

func TestEventSinkDropsOldestOnOverflow(t *testing.T) {
	sink := newEventSink(1)
	sink.emit(Event{Kind: EventSessionReady})
	sink.emit(Event{Kind: EventHandshake}) // overflow, drops EventSessionReady

	got := <-sink.events()
	require.Equal(t, EventHandshake, got.Kind)
}

func TestEventSinkCloseClosesChannel(t *testing.T) {
	sink := newEventSink(1)
	sink.close()
	_, ok := <-sink.events()
	require.False(t, ok)
}
