package quic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddressBookAdmitConnectionLimit(t *testing.T) {
	b := newAddressBook(2, 0, 16)
	require.True(t, b.AdmitConnection("1.2.3.4:1"))
	require.True(t, b.AdmitConnection("1.2.3.4:1"))
	require.False(t, b.AdmitConnection("1.2.3.4:1"))

	b.ReleaseConnection("1.2.3.4:1")
	require.True(t, b.AdmitConnection("1.2.3.4:1"))
}

func TestAddressBookUnboundedWithoutLimit(t *testing.T) {
	b := newAddressBook(0, 0, 16)
	for i := 0; i < 100; i++ {
		require.True(t, b.AdmitConnection("host"))
	}
}

func TestAddressBookValidatedRoundTrip(t *testing.T) {
	b := newAddressBook(0, 0, 16)
	require.False(t, b.IsValidated("host"))
	b.MarkValidated("host")
	require.True(t, b.IsValidated("host"))
}

func TestAddressBookStatelessResetRateLimit(t *testing.T) {
	b := newAddressBook(0, 2, 16)
	require.True(t, b.AllowStatelessReset("host"))
	require.True(t, b.AllowStatelessReset("host"))
	require.False(t, b.AllowStatelessReset("host"))
}

func TestAddressBookStatelessResetUnboundedWithoutLimit(t *testing.T) {
	b := newAddressBook(0, 0, 16)
	for i := 0; i < 10; i++ {
		require.True(t, b.AllowStatelessReset("host"))
	}
}

func TestValidatedLRUEvictsOldest(t *testing.T) {
	c := newValidatedLRU(2)
	c.add("a")
	c.add("b")
	c.add("c")
	require.False(t, c.contains("a"))
	require.True(t, c.contains("b"))
	require.True(t, c.contains("c"))
}

func TestValidatedLRUExpiresByTTL(t *testing.T) {
	c := newValidatedLRU(4)
	c.ttl = time.Millisecond
	c.add("a")
	time.Sleep(5 * time.Millisecond)
	require.False(t, c.contains("a"))
}
