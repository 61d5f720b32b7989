package handshake

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/tls"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/zys-contribs/quic/internal/protocol"
)

// quicSaltV1 is the salt used to derive Initial secrets for QUIC v1
// (RFC 9001 §5.2).
var quicSaltV1 = []byte{0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a}

// Keys holds the derived read/write AEAD and header-protection state for
// one encryption level and one direction.
type Keys struct {
	aead   cipher.AEAD
	hpKey  []byte
	hpAES  cipher.Block
	suite  *cipherSuite
	ivBase []byte
	// secret is the traffic secret these keys were derived from, kept
	// around only so NextKeys can advance it (RFC 9001 §6.1's "quic ku"
	// label); Initial/Handshake-level Keys never call NextKeys.
	secret []byte
}

type cipherSuite struct {
	hash crypto.Hash
	// chacha is true if this suite uses ChaCha20-Poly1305 header
	// protection (a different mask derivation than AES) instead of
	// AES-ECB.
	chacha bool
	// keyLen is the AEAD key length in bytes, needed again when
	// rederiving a key-update epoch's AEAD key from the rolled secret.
	keyLen int
}

var initialCipherSuite = &cipherSuite{hash: crypto.SHA256}

// DeriveInitialSecrets derives the client and server Initial secrets from
// the destination connection ID of the client's first Initial packet
// (RFC 9001 §5.2).
func DeriveInitialSecrets(destConnID protocol.ConnectionID) (clientSecret, serverSecret []byte) {
	initialSecret := hkdf.Extract(sha256.New, destConnID.Bytes(), quicSaltV1)
	clientSecret = hkdfExpandLabel(crypto.SHA256, initialSecret, nil, "client in", 32)
	serverSecret = hkdfExpandLabel(crypto.SHA256, initialSecret, nil, "server in", 32)
	return
}

// NewInitialKeys builds the AEAD/header-protection Keys for a given
// Initial-level traffic secret.
func NewInitialKeys(secret []byte) (*Keys, error) {
	return newAESKeys(crypto.SHA256, secret, 16)
}

// NewKeysFromTLS derives Keys for a level from the traffic secret handed
// to on_secrets by the TLS provider, using the negotiated cipher suite.
func NewKeysFromTLS(cipherSuiteID uint16, secret []byte) (*Keys, error) {
	switch cipherSuiteID {
	case tls.TLS_AES_128_GCM_SHA256:
		return newAESKeys(crypto.SHA256, secret, 16)
	case tls.TLS_AES_256_GCM_SHA384:
		return newAESKeys(crypto.SHA384, secret, 32)
	case tls.TLS_CHACHA20_POLY1305_SHA256:
		return newChaChaKeys(secret)
	default:
		return nil, fmt.Errorf("handshake: unsupported cipher suite %#x", cipherSuiteID)
	}
}

func newAESKeys(hash crypto.Hash, secret []byte, keyLen int) (*Keys, error) {
	key := hkdfExpandLabel(hash, secret, nil, "quic key", keyLen)
	iv := hkdfExpandLabel(hash, secret, nil, "quic iv", 12)
	hp := hkdfExpandLabel(hash, secret, nil, "quic hp", keyLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	hpBlock, err := aes.NewCipher(hp)
	if err != nil {
		return nil, err
	}
	return &Keys{aead: aead, hpKey: hp, hpAES: hpBlock, ivBase: iv, secret: secret, suite: &cipherSuite{hash: hash, keyLen: keyLen}}, nil
}

func newChaChaKeys(secret []byte) (*Keys, error) {
	key := hkdfExpandLabel(crypto.SHA256, secret, nil, "quic key", 32)
	iv := hkdfExpandLabel(crypto.SHA256, secret, nil, "quic iv", 12)
	hp := hkdfExpandLabel(crypto.SHA256, secret, nil, "quic hp", 32)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Keys{aead: aead, hpKey: hp, ivBase: iv, secret: secret, suite: &cipherSuite{hash: crypto.SHA256, chacha: true, keyLen: 32}}, nil
}

// NextKeys derives the next key-update epoch's packet-protection key and
// IV from this level's current traffic secret (RFC 9001 §6.1's "quic ku"
// label expansion), reusing the same header-protection key and cipher:
// RFC 9001 §5.4 / §6 both specify that a key update never changes header
// protection, only the AEAD key and IV.
func (k *Keys) NextKeys() (*Keys, error) {
	nextSecret := hkdfExpandLabel(k.suite.hash, k.secret, nil, "quic ku", len(k.secret))
	key := hkdfExpandLabel(k.suite.hash, nextSecret, nil, "quic key", k.suite.keyLen)
	iv := hkdfExpandLabel(k.suite.hash, nextSecret, nil, "quic iv", 12)

	var aead cipher.AEAD
	var err error
	if k.suite.chacha {
		aead, err = chacha20poly1305.New(key)
	} else {
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	}
	if err != nil {
		return nil, err
	}
	return &Keys{aead: aead, hpKey: k.hpKey, hpAES: k.hpAES, ivBase: iv, secret: nextSecret, suite: k.suite}, nil
}

// Seal encrypts a packet payload in place, using pn to build the nonce.
func (k *Keys) Seal(dst, plaintext []byte, pn protocol.PacketNumber, ad []byte) []byte {
	nonce := k.nonce(pn)
	return k.aead.Seal(dst, nonce, plaintext, ad)
}

// Open decrypts a packet payload.
func (k *Keys) Open(dst, ciphertext []byte, pn protocol.PacketNumber, ad []byte) ([]byte, error) {
	nonce := k.nonce(pn)
	return k.aead.Open(dst, nonce, ciphertext, ad)
}

func (k *Keys) nonce(pn protocol.PacketNumber) []byte {
	nonce := make([]byte, len(k.ivBase))
	copy(nonce, k.ivBase)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-1-i] ^= byte(pn >> (8 * i))
	}
	return nonce
}

// Overhead is the AEAD authentication tag length in bytes.
func (k *Keys) Overhead() int { return k.aead.Overhead() }

// HeaderProtectionMask computes the 5-byte mask RFC 9001 §5.4 applies to
// the packet's first byte and truncated packet number, given a 16-byte
// ciphertext sample.
func (k *Keys) HeaderProtectionMask(sample []byte) ([]byte, error) {
	if len(sample) != 16 {
		return nil, errors.New("handshake: header protection sample must be 16 bytes")
	}
	if k.suite.chacha {
		return chachaMask(k.hpKey, sample)
	}
	mask := make([]byte, 16)
	k.hpAES.Encrypt(mask, sample)
	return mask[:5], nil
}

func chachaMask(key, sample []byte) ([]byte, error) {
	// RFC 9001 §5.4.4: counter = sample[0:4] LE, nonce = sample[4:16].
	counter := uint32(sample[0]) | uint32(sample[1])<<8 | uint32(sample[2])<<16 | uint32(sample[3])<<24
	block, err := newChaCha20Block(key, sample[4:16], counter)
	if err != nil {
		return nil, err
	}
	mask := make([]byte, 5)
	block.XORKeyStream(mask, mask)
	return mask, nil
}

// hkdfExpandLabel implements the TLS 1.3 HKDF-Expand-Label (RFC 8446
// §7.1) as QUIC-TLS uses it (RFC 9001 §5.1): the label gets the usual
// "tls13 " prefix, and QUIC passes label strings like "quic key" instead
// of "key".
func hkdfExpandLabel(hash crypto.Hash, secret, context []byte, label string, length int) []byte {
	fullLabel := "tls13 " + label
	hkdfLabel := make([]byte, 0, 2+1+len(fullLabel)+1+len(context))
	hkdfLabel = append(hkdfLabel, byte(length>>8), byte(length))
	hkdfLabel = append(hkdfLabel, byte(len(fullLabel)))
	hkdfLabel = append(hkdfLabel, []byte(fullLabel)...)
	hkdfLabel = append(hkdfLabel, byte(len(context)))
	hkdfLabel = append(hkdfLabel, context...)

	out := make([]byte, length)
	r := hkdf.Expand(hash.New, secret, hkdfLabel)
	if _, err := fillFull(r, out); err != nil {
		panic("handshake: hkdf-expand-label failed: " + err.Error())
	}
	return out
}

func fillFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}
