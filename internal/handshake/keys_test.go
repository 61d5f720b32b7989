package handshake

import (
	"crypto/tls"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zys-contribs/quic/internal/protocol"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	require.NoError(t, err)
	return b
}

// TestDeriveInitialSecretsMatchesRFC9001Vector checks DeriveInitialSecrets
// against the worked example in RFC 9001 Appendix A.1.
func TestDeriveInitialSecretsMatchesRFC9001Vector(t *testing.T) {
	destConnID := protocol.ConnectionID(mustHex(t, "8394c8f03e515708"))
	clientSecret, serverSecret := DeriveInitialSecrets(destConnID)

	require.Equal(t, mustHex(t, "c00cf151ca5be075ed0ebfb5c80323c42d6b7db67881289af4008f1f6c357aea"), clientSecret)
	require.Equal(t, mustHex(t, "3c199828fd139efd216c155ad844cc81fb82fa8d7446fa7d78be803acdda951b"), serverSecret)
}

// TestNewInitialKeysDerivesRFC9001IV checks the Initial IV derived from
// each side's secret against RFC 9001 Appendix A.2/A.3.
func TestNewInitialKeysDerivesRFC9001IV(t *testing.T) {
	destConnID := protocol.ConnectionID(mustHex(t, "8394c8f03e515708"))
	clientSecret, serverSecret := DeriveInitialSecrets(destConnID)

	clientKeys, err := NewInitialKeys(clientSecret)
	require.NoError(t, err)
	require.Equal(t, mustHex(t, "fa044b2f42a3fd3b46fb255c"), clientKeys.ivBase)

	serverKeys, err := NewInitialKeys(serverSecret)
	require.NoError(t, err)
	require.Equal(t, mustHex(t, "0ac1493ca1905853b0bba03e"), serverKeys.ivBase)
}

// TestInitialKeysSealOpenRoundTrip covers the client/server Initial key
// pair actually protecting and recovering a payload, not just matching
// derived IV bytes.
func TestInitialKeysSealOpenRoundTrip(t *testing.T) {
	destConnID := protocol.ConnectionID{1, 2, 3, 4, 5, 6, 7, 8}
	clientSecret, serverSecret := DeriveInitialSecrets(destConnID)

	clientKeys, err := NewInitialKeys(clientSecret)
	require.NoError(t, err)
	serverKeys, err := NewInitialKeys(serverSecret)
	require.NoError(t, err)

	ad := []byte{0xc3, 0, 0, 0, 1}
	sealed := clientKeys.Seal(nil, []byte("client hello"), 2, ad)
	require.NotEqual(t, []byte("client hello"), sealed[:len("client hello")])

	// the server's Initial keys, derived from the same connection ID,
	// cannot open what the client sealed with its own direction's keys.
	_, err = serverKeys.Open(nil, sealed, 2, ad)
	require.Error(t, err)

	// a matching receiver derived the same way as the sender recovers
	// the plaintext.
	clientKeysAgain, err := NewInitialKeys(clientSecret)
	require.NoError(t, err)
	opened, err := clientKeysAgain.Open(nil, sealed, 2, ad)
	require.NoError(t, err)
	require.Equal(t, []byte("client hello"), opened)
}

// TestNewKeysFromTLSRejectsUnknownCipherSuite covers the one error path
// NewKeysFromTLS has: a cipher suite outside QUIC's negotiable set.
func TestNewKeysFromTLSRejectsUnknownCipherSuite(t *testing.T) {
	_, err := NewKeysFromTLS(tls.TLS_RSA_WITH_AES_128_CBC_SHA, make([]byte, 32))
	require.Error(t, err)
}

// TestNewKeysFromTLSEachCipherSuite covers every cipher suite QUIC-TLS
// can negotiate deriving a usable AEAD (a Seal/Open round trip) and the
// right header-protection mask length.
func TestNewKeysFromTLSEachCipherSuite(t *testing.T) {
	suites := []uint16{tls.TLS_AES_128_GCM_SHA256, tls.TLS_AES_256_GCM_SHA384, tls.TLS_CHACHA20_POLY1305_SHA256}
	for _, suite := range suites {
		keys, err := NewKeysFromTLS(suite, make([]byte, 48))
		require.NoError(t, err)

		ad := []byte{0x40, 1, 2, 3}
		sealed := keys.Seal(nil, []byte("payload"), 9, ad)
		opened, err := keys.Open(nil, sealed, 9, ad)
		require.NoError(t, err)
		require.Equal(t, []byte("payload"), opened)

		mask, err := keys.HeaderProtectionMask(make([]byte, 16))
		require.NoError(t, err)
		require.Len(t, mask, 5)
	}
}

// TestNextKeysAdvancesAEADKeepsHeaderProtection covers the RFC 9001 §6
// invariant a key update relies on: NextKeys changes the AEAD key/IV
// (old ciphertext no longer opens under it) but keeps the exact same
// header-protection key and cipher, since RFC 9001 never rotates that.
func TestNextKeysAdvancesAEADKeepsHeaderProtection(t *testing.T) {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	keys, err := NewInitialKeys(secret)
	require.NoError(t, err)

	next, err := keys.NextKeys()
	require.NoError(t, err)
	require.Same(t, keys.hpAES, next.hpAES)
	require.Equal(t, keys.hpKey, next.hpKey)
	require.NotEqual(t, keys.ivBase, next.ivBase)

	ad := []byte{0x40, 9, 9, 9}
	sealed := keys.Seal(nil, []byte("epoch zero"), 3, ad)
	_, err = next.Open(nil, sealed, 3, ad)
	require.Error(t, err, "the next epoch's keys must not open a packet sealed under the previous one")

	sealedNext := next.Seal(nil, []byte("epoch one"), 3, ad)
	opened, err := next.Open(nil, sealedNext, 3, ad)
	require.NoError(t, err)
	require.Equal(t, []byte("epoch one"), opened)
}

// TestNextKeysDeterministic covers that two independent derivations
// from the same secret land on the same next epoch, a property the
// receive-side peer-rollover trial decrypt depends on.
func TestNextKeysDeterministic(t *testing.T) {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i + 1)
	}
	keys, err := NewInitialKeys(secret)
	require.NoError(t, err)

	next1, err := keys.NextKeys()
	require.NoError(t, err)
	next2, err := keys.NextKeys()
	require.NoError(t, err)

	ad := []byte{0x40, 1}
	sealed := next1.Seal(nil, []byte("rolled"), 1, ad)
	opened, err := next2.Open(nil, sealed, 1, ad)
	require.NoError(t, err)
	require.Equal(t, []byte("rolled"), opened)
}

// TestHeaderProtectionMaskRejectsWrongSampleLength covers the one
// explicit validation HeaderProtectionMask does.
func TestHeaderProtectionMaskRejectsWrongSampleLength(t *testing.T) {
	keys, err := NewInitialKeys(make([]byte, 32))
	require.NoError(t, err)
	_, err = keys.HeaderProtectionMask(make([]byte, 8))
	require.Error(t, err)
}
