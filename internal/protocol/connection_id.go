package protocol

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
)

// MinConnectionIDLenInitial is the minimum length of the destination
// connection ID on an Initial packet sent by a client.
const MinConnectionIDLenInitial = 8

// MaxConnectionIDLen is the maximum length of a QUIC v1 connection ID.
const MaxConnectionIDLen = 20

// DefaultConnectionIDLength is the length of connection ID this endpoint
// generates for itself when none is configured.
const DefaultConnectionIDLength = 18

// ConnectionID is an opaque routing label, 0 to MaxConnectionIDLen bytes.
type ConnectionID []byte

// GenerateConnectionID generates a connection ID of the given length using
// a cryptographic random source.
func GenerateConnectionID(length int) (ConnectionID, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return ConnectionID(b), nil
}

// GenerateConnectionIDForInitial picks a length between
// MinConnectionIDLenInitial and MaxConnectionIDLen and generates a CID of
// that length, as a client does for its initial source connection ID.
func GenerateConnectionIDForInitial() (ConnectionID, error) {
	r := make([]byte, 1)
	if _, err := rand.Read(r); err != nil {
		return nil, err
	}
	l := MinConnectionIDLenInitial + int(r[0])%(MaxConnectionIDLen-MinConnectionIDLenInitial+1)
	return GenerateConnectionID(l)
}

// ReadConnectionID reads a connection ID of the given length from r.
func ReadConnectionID(r io.Reader, length int) (ConnectionID, error) {
	if length == 0 {
		return nil, nil
	}
	c := make(ConnectionID, length)
	if _, err := io.ReadFull(r, c); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return c, nil
}

// Equal reports whether two connection IDs carry the same bytes.
func (c ConnectionID) Equal(other ConnectionID) bool {
	return bytes.Equal(c, other)
}

// Len returns the length of the connection ID in bytes.
func (c ConnectionID) Len() int { return len(c) }

// Bytes returns the byte representation of the connection ID.
func (c ConnectionID) Bytes() []byte { return c }

// String is a short hex representation, used for logging.
func (c ConnectionID) String() string {
	if len(c) == 0 {
		return "(empty)"
	}
	return fmt.Sprintf("%x", []byte(c))
}

// StatelessResetToken is the fixed-width token bound to every connection ID
// an endpoint advertises. It authenticates a STATELESS_RESET packet as
// originating from an endpoint that once owned the CID.
type StatelessResetToken [16]byte
