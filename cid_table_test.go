package quic

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zys-contribs/quic/internal/protocol"
)

func TestCIDTableAddLookupRemove(t *testing.T) {
	table := newCIDTable()
	cid := protocol.ConnectionID{1, 2, 3, 4}
	sess := &Session{}

	_, ok := table.Lookup(cid)
	require.False(t, ok)

	table.Add(cid, sess)
	got, ok := table.Lookup(cid)
	require.True(t, ok)
	require.Same(t, sess, got)

	table.Remove(cid)
	_, ok = table.Lookup(cid)
	require.False(t, ok)
}

func TestCIDTableResetTokenLookup(t *testing.T) {
	table := newCIDTable()
	sess := &Session{}
	var tok protocol.StatelessResetToken
	tok[0] = 0xAB

	_, ok := table.LookupByResetToken(tok)
	require.False(t, ok)

	table.AddResetToken(tok, sess)
	got, ok := table.LookupByResetToken(tok)
	require.True(t, ok)
	require.Same(t, sess, got)

	table.RemoveResetToken(tok)
	_, ok = table.LookupByResetToken(tok)
	require.False(t, ok)
}

func TestCIDTableSessionCountDedupesMultipleCIDs(t *testing.T) {
	table := newCIDTable()
	sess := &Session{}
	table.Add(protocol.ConnectionID{1}, sess)
	table.Add(protocol.ConnectionID{2}, sess)
	require.Equal(t, 1, table.sessionCount())

	table.Add(protocol.ConnectionID{3}, &Session{})
	require.Equal(t, 2, table.sessionCount())
}

func TestCIDTableRemoveSession(t *testing.T) {
	table := newCIDTable()
	sess := &Session{}
	a, b := protocol.ConnectionID{1}, protocol.ConnectionID{2}
	table.Add(a, sess)
	table.Add(b, sess)

	table.RemoveSession([]protocol.ConnectionID{a, b})
	_, ok := table.Lookup(a)
	require.False(t, ok)
	_, ok = table.Lookup(b)
	require.False(t, ok)
}
