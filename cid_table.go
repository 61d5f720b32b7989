package quic

import (
	"encoding/hex"
	"sync"

	"github.com/zys-contribs/quic/internal/protocol"
)

// cidTable routes incoming packets' destination connection IDs to the
// Session that owns them, and is the single source of truth for which
// connection IDs this Endpoint currently has reserved. One table is
// shared by every Session a socket multiplexes, grounded on the
// teacher's packetHandlerMap.
type cidTable struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// resetTokens maps the stateless reset token carried by a CID this
	// endpoint generated to its owning session, so a misrouted short
	// header can still be resolved to a session for STATELESS_RESET
	// emission bookkeeping (closing/draining sessions keep their entry
	// here after being removed from sessions).
	resetTokens map[protocol.StatelessResetToken]*Session
	// peerResetTokens maps a stateless reset token the peer advertised
	// for one of its own connection IDs (transport parameter or
	// NEW_CONNECTION_ID) to the local session talking to that peer, the
	// reverse direction of resetTokens: this table recognizes a reset
	// sent to us, rather than remembering one we could send.
	peerResetTokens map[protocol.StatelessResetToken]*Session
}

func newCIDTable() *cidTable {
	return &cidTable{
		sessions:        make(map[string]*Session),
		resetTokens:     make(map[protocol.StatelessResetToken]*Session),
		peerResetTokens: make(map[protocol.StatelessResetToken]*Session),
	}
}

func cidKey(id protocol.ConnectionID) string { return string(id.Bytes()) }

// Add reserves cid for sess. The caller must not have already reserved
// this exact byte sequence for a different session.
func (t *cidTable) Add(cid protocol.ConnectionID, sess *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[cidKey(cid)] = sess
}

// AddResetToken records the stateless reset token bound to one of this
// endpoint's advertised connection IDs.
func (t *cidTable) AddResetToken(tok protocol.StatelessResetToken, sess *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetTokens[tok] = sess
}

// AddPeerResetToken records a stateless reset token the peer advertised
// for one of its own connection IDs, so a later opaque datagram ending
// in that token is recognized as a genuine reset from that peer.
func (t *cidTable) AddPeerResetToken(tok protocol.StatelessResetToken, sess *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peerResetTokens[tok] = sess
}

// RemovePeerResetToken forgets a peer-advertised reset token, once its
// owning connection ID has been retired.
func (t *cidTable) RemovePeerResetToken(tok protocol.StatelessResetToken) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peerResetTokens, tok)
}

// LookupByPeerResetToken checks whether the last 16 bytes of a short,
// unroutable packet match a stateless reset token some peer advertised
// for one of its own connection IDs.
func (t *cidTable) LookupByPeerResetToken(tok protocol.StatelessResetToken) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.peerResetTokens[tok]
	return s, ok
}

// Remove forgets cid; called on RETIRE_CONNECTION_ID or session teardown.
func (t *cidTable) Remove(cid protocol.ConnectionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, cidKey(cid))
}

// RemoveResetToken forgets a stateless reset token, once its owning
// connection ID has been fully retired on both sides.
func (t *cidTable) RemoveResetToken(tok protocol.StatelessResetToken) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.resetTokens, tok)
}

// RemoveSession drops each of the given connection IDs, used once the
// session owning them is fully destroyed.
func (t *cidTable) RemoveSession(cids []protocol.ConnectionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cid := range cids {
		delete(t.sessions, cidKey(cid))
	}
}

// Lookup resolves an inbound packet's destination connection ID to a
// session. ok is false if no session owns this CID.
func (t *cidTable) Lookup(cid protocol.ConnectionID) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[cidKey(cid)]
	return s, ok
}

// LookupByResetToken checks whether the last 16 bytes of a short,
// unroutable packet match a stateless reset token this endpoint issued
// (RFC 9000 §10.3.1): callers compare the trailing bytes of every packet
// that failed CID lookup against this table in constant time per
// candidate, but the token itself is looked up by exact map key since an
// attacker gains nothing from a table-existence timing side-channel once
// the comparison is already keyed by the full 16-byte secret value.
func (t *cidTable) LookupByResetToken(tok protocol.StatelessResetToken) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.resetTokens[tok]
	return s, ok
}

// sessionCount returns how many distinct sessions currently own at least
// one registered connection ID, used when enforcing Config.MaxConnections.
func (t *cidTable) sessionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[*Session]struct{}, len(t.sessions))
	for _, s := range t.sessions {
		seen[s] = struct{}{}
	}
	return len(seen)
}

func (t *cidTable) debugString(cid protocol.ConnectionID) string {
	return hex.EncodeToString(cid.Bytes())
}
