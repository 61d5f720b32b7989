package handshake

import "golang.org/x/crypto/chacha20"

// newChaCha20Block returns a ChaCha20 keystream cipher seeded with the
// given key, nonce, and initial counter, used only to compute the 5-byte
// header-protection mask (RFC 9001 §5.4.4).
func newChaCha20Block(key, nonce []byte, counter uint32) (*chacha20.Cipher, error) {
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, err
	}
	c.SetCounter(counter)
	return c, nil
}
