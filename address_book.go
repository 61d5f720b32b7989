package quic

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// addressBook tracks, per source address, how many sessions are
// currently admitted, whether the address has recently completed
// address validation (so a future connection from it can skip Retry),
// and a token-bucket limiter on STATELESS_RESET emission, backing the
// anti-amplification/anti-DoS admission heuristics at connection setup.
// The reset limiter is a golang.org/x/time/rate token bucket; the
// congestion pacer (internal/congestion/pacer.go) keeps its own
// hand-rolled bucket instead.
type addressBook struct {
	mu sync.Mutex

	maxPerHost       int
	maxResetsPerHost int

	connsPerHost map[string]int

	validated    *validatedLRU
	resetLimiter map[string]*rate.Limiter
}

func newAddressBook(maxPerHost, maxResetsPerHost, validatedCapacity int) *addressBook {
	return &addressBook{
		maxPerHost:       maxPerHost,
		maxResetsPerHost: maxResetsPerHost,
		connsPerHost:     make(map[string]int),
		validated:        newValidatedLRU(validatedCapacity),
		resetLimiter:     make(map[string]*rate.Limiter),
	}
}

// AdmitConnection reports whether a new session may be created from
// host, and if so accounts for it; call ReleaseConnection when the
// session is destroyed.
func (b *addressBook) AdmitConnection(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxPerHost > 0 && b.connsPerHost[host] >= b.maxPerHost {
		return false
	}
	b.connsPerHost[host]++
	return true
}

// ReleaseConnection accounts for a session from host being destroyed.
func (b *addressBook) ReleaseConnection(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connsPerHost[host] <= 1 {
		delete(b.connsPerHost, host)
		return
	}
	b.connsPerHost[host]--
}

// MarkValidated records that host has proven path ownership (completed a
// Retry round-trip, or the handshake completed), letting a future
// connection attempt from it skip Retry until the entry ages out.
func (b *addressBook) MarkValidated(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.validated.add(host)
}

// IsValidated reports whether host has a live validated-address entry.
func (b *addressBook) IsValidated(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.validated.contains(host)
}

// AllowStatelessReset reports whether another STATELESS_RESET packet may
// be sent to host without exceeding MaxStatelessResetsPerHost, consuming
// one token if so.
func (b *addressBook) AllowStatelessReset(host string) bool {
	if b.maxResetsPerHost <= 0 {
		return true
	}
	b.mu.Lock()
	lim, ok := b.resetLimiter[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(b.maxResetsPerHost), b.maxResetsPerHost)
		b.resetLimiter[host] = lim
	}
	b.mu.Unlock()
	return lim.Allow()
}

// validatedLRU is a capacity-bounded, TTL-evicting cache of addresses
// that have recently passed address validation. Implemented directly
// over container/list rather than pulling in a third-party LRU package,
// since no LRU cache library appears anywhere else in this module's
// dependency surface to justify adding one solely for this.
type validatedLRU struct {
	capacity int
	ttl      time.Duration
	ll       *list.List
	items    map[string]*list.Element
}

type validatedEntry struct {
	host    string
	expires time.Time
}

func newValidatedLRU(capacity int) *validatedLRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &validatedLRU{
		capacity: capacity,
		ttl:      10 * time.Minute,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *validatedLRU) add(host string) {
	if el, ok := c.items[host]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*validatedEntry).expires = time.Now().Add(c.ttl)
		return
	}
	el := c.ll.PushFront(&validatedEntry{host: host, expires: time.Now().Add(c.ttl)})
	c.items[host] = el
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*validatedEntry).host)
	}
}

func (c *validatedLRU) contains(host string) bool {
	el, ok := c.items[host]
	if !ok {
		return false
	}
	e := el.Value.(*validatedEntry)
	if time.Now().After(e.expires) {
		c.ll.Remove(el)
		delete(c.items, host)
		return false
	}
	c.ll.MoveToFront(el)
	return true
}
