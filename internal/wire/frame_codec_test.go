package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zys-contribs/quic/internal/protocol"
)

// roundTrip writes f, parses the result back with a fresh FrameParser at
// encLevel, and returns the parsed frame plus how many bytes it consumed.
func roundTrip(t *testing.T, f Frame, encLevel protocol.EncryptionLevel) (Frame, int) {
	t.Helper()
	b := &bytes.Buffer{}
	require.NoError(t, f.Write(b))
	require.EqualValues(t, f.Length(), b.Len())

	parsed, n, err := NewFrameParser().ParseNext(b.Bytes(), encLevel)
	require.NoError(t, err)
	return parsed, n
}

func TestPingFrameRoundTrip(t *testing.T) {
	parsed, n := roundTrip(t, &PingFrame{}, protocol.Encryption1RTT)
	require.Equal(t, &PingFrame{}, parsed)
	require.Equal(t, 1, n)
}

func TestPaddingIsSkippedByParser(t *testing.T) {
	b := &bytes.Buffer{}
	require.NoError(t, (&PaddingFrame{}).Write(b))
	require.NoError(t, (&PaddingFrame{}).Write(b))
	require.NoError(t, (&PingFrame{}).Write(b))

	parsed, _, err := NewFrameParser().ParseNext(b.Bytes(), protocol.Encryption1RTT)
	require.NoError(t, err)
	require.Equal(t, &PingFrame{}, parsed)
}

func TestCryptoFrameRoundTrip(t *testing.T) {
	f := &CryptoFrame{Offset: 17, Data: []byte("client hello bytes")}
	parsed, n := roundTrip(t, f, protocol.EncryptionInitial)
	require.Equal(t, f, parsed)
	require.EqualValues(t, f.Length(), n)
}

func TestCryptoFrameNotAllowedOutsideHandshakeLevelsIsFine(t *testing.T) {
	f := &CryptoFrame{Offset: 0, Data: []byte("x")}
	_, n := roundTrip(t, f, protocol.Encryption1RTT)
	require.Greater(t, n, 0)
}

func TestStreamFrameRoundTripWithOffsetAndLen(t *testing.T) {
	f := &StreamFrame{StreamID: 4, Offset: 100, Data: []byte("payload"), Fin: true, DataLenPresent: true}
	parsed, n := roundTrip(t, f, protocol.Encryption1RTT)
	require.Equal(t, f, parsed)
	require.EqualValues(t, f.Length(), n)
}

func TestStreamFrameRoundTripWithoutLenConsumesRestOfBuffer(t *testing.T) {
	f := &StreamFrame{StreamID: 2, Data: []byte("tail data"), DataLenPresent: false}
	b := &bytes.Buffer{}
	require.NoError(t, f.Write(b))

	parsed, n, err := NewFrameParser().ParseNext(b.Bytes(), protocol.Encryption1RTT)
	require.NoError(t, err)
	require.Equal(t, n, b.Len())
	sf, ok := parsed.(*StreamFrame)
	require.True(t, ok)
	require.Equal(t, f.Data, sf.Data)
	require.Equal(t, f.StreamID, sf.StreamID)
}

func TestAckFrameRoundTripSingleRange(t *testing.T) {
	f := &AckFrame{
		Ranges:    []AckRange{{Smallest: 10, Largest: 20}},
		DelayTime: 5 * time.Millisecond,
	}
	parsed, n := roundTrip(t, f, protocol.Encryption1RTT)
	require.EqualValues(t, f.Length(), n)
	af, ok := parsed.(*AckFrame)
	require.True(t, ok)
	require.Equal(t, f.Ranges, af.Ranges)
	require.Equal(t, f.DelayTime, af.DelayTime)
}

func TestAckFrameRoundTripMultipleRangesWithGaps(t *testing.T) {
	f := &AckFrame{
		Ranges: []AckRange{
			{Smallest: 50, Largest: 60},
			{Smallest: 30, Largest: 40},
			{Smallest: 0, Largest: 10},
		},
		DelayTime: 0,
	}
	parsed, _ := roundTrip(t, f, protocol.Encryption1RTT)
	af, ok := parsed.(*AckFrame)
	require.True(t, ok)
	require.Equal(t, f.Ranges, af.Ranges)
	require.True(t, af.HasMissingRanges())
	require.Equal(t, protocol.PacketNumber(60), af.LargestAcked())
	require.Equal(t, protocol.PacketNumber(0), af.SmallestAcked())
}

func TestAckFrameRoundTripWithECN(t *testing.T) {
	f := &AckFrame{
		Ranges: []AckRange{{Smallest: 1, Largest: 1}},
		ECN:    true,
		ECT0:   3,
		ECT1:   1,
		ECNCE:  2,
	}
	parsed, _ := roundTrip(t, f, protocol.Encryption1RTT)
	af, ok := parsed.(*AckFrame)
	require.True(t, ok)
	require.True(t, af.ECN)
	require.EqualValues(t, 3, af.ECT0)
	require.EqualValues(t, 1, af.ECT1)
	require.EqualValues(t, 2, af.ECNCE)
}

func TestAckFrameAcksPacket(t *testing.T) {
	f := &AckFrame{Ranges: []AckRange{{Smallest: 10, Largest: 20}, {Smallest: 0, Largest: 5}}}
	require.True(t, f.AcksPacket(15))
	require.True(t, f.AcksPacket(3))
	require.False(t, f.AcksPacket(7))
	require.False(t, f.AcksPacket(25))
}

func TestConnectionCloseFrameRoundTripTransport(t *testing.T) {
	f := &ConnectionCloseFrame{ErrorCode: 0x0a, FrameType: 0x1b, ReasonPhrase: "flow control violation"}
	parsed, n := roundTrip(t, f, protocol.Encryption1RTT)
	require.Equal(t, f, parsed)
	require.EqualValues(t, f.Length(), n)
}

func TestConnectionCloseFrameRoundTripApplication(t *testing.T) {
	f := &ConnectionCloseFrame{IsApplicationError: true, ErrorCode: 0x42, ReasonPhrase: "bye"}
	parsed, n := roundTrip(t, f, protocol.Encryption1RTT)
	require.Equal(t, f, parsed)
	require.EqualValues(t, f.Length(), n)

	ae := f.ToApplicationError()
	require.EqualValues(t, 0x42, ae.ErrorCode)
	require.Equal(t, "bye", ae.ErrorMessage)
	require.True(t, ae.Remote)
}

func TestConnectionCloseFrameToTransportError(t *testing.T) {
	f := &ConnectionCloseFrame{ErrorCode: 0x07, FrameType: 0x08, ReasonPhrase: "stream limit error"}
	te := f.ToTransportError()
	require.EqualValues(t, 0x07, te.ErrorCode)
	require.EqualValues(t, 0x08, te.FrameType)
	require.Equal(t, "stream limit error", te.ErrorMessage)
}

func TestMaxDataFrameRoundTrip(t *testing.T) {
	f := &MaxDataFrame{MaximumData: 1 << 20}
	parsed, n := roundTrip(t, f, protocol.Encryption1RTT)
	require.Equal(t, f, parsed)
	require.EqualValues(t, f.Length(), n)
}

func TestMaxStreamDataFrameRoundTrip(t *testing.T) {
	f := &MaxStreamDataFrame{StreamID: 9, MaximumStreamData: 4096}
	parsed, n := roundTrip(t, f, protocol.Encryption1RTT)
	require.Equal(t, f, parsed)
	require.EqualValues(t, f.Length(), n)
}

func TestResetStreamFrameRoundTrip(t *testing.T) {
	f := &ResetStreamFrame{StreamID: 3, ErrorCode: 5, FinalSize: 1024}
	parsed, n := roundTrip(t, f, protocol.Encryption1RTT)
	require.Equal(t, f, parsed)
	require.EqualValues(t, f.Length(), n)
}

func TestStopSendingFrameRoundTrip(t *testing.T) {
	f := &StopSendingFrame{StreamID: 11, ErrorCode: 2}
	parsed, n := roundTrip(t, f, protocol.Encryption1RTT)
	require.Equal(t, f, parsed)
	require.EqualValues(t, f.Length(), n)
}

func TestNewTokenFrameRoundTrip(t *testing.T) {
	f := &NewTokenFrame{Token: []byte("opaque-retry-token-bytes")}
	parsed, n := roundTrip(t, f, protocol.Encryption1RTT)
	require.Equal(t, f, parsed)
	require.EqualValues(t, f.Length(), n)
}

func TestPathChallengeResponseRoundTrip(t *testing.T) {
	challenge := &PathChallengeFrame{Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}
	parsed, n := roundTrip(t, challenge, protocol.Encryption1RTT)
	require.Equal(t, challenge, parsed)
	require.EqualValues(t, challenge.Length(), n)

	response := &PathResponseFrame{Data: challenge.Data}
	parsedResp, _ := roundTrip(t, response, protocol.Encryption1RTT)
	require.Equal(t, response, parsedResp)
}

func TestIsProbingFrame(t *testing.T) {
	require.True(t, IsProbingFrame(&PathChallengeFrame{}))
	require.True(t, IsProbingFrame(&NewConnectionIDFrame{}))
	require.True(t, IsProbingFrame(&PaddingFrame{}))
	require.False(t, IsProbingFrame(&PingFrame{}))
	require.False(t, IsProbingFrame(&StreamFrame{}))
}

func TestIsAckEliciting(t *testing.T) {
	require.False(t, IsAckEliciting(&AckFrame{Ranges: []AckRange{{Smallest: 0, Largest: 0}}}))
	require.False(t, IsAckEliciting(&PaddingFrame{}))
	require.True(t, IsAckEliciting(&PingFrame{}))
	require.True(t, IsAckEliciting(&StreamFrame{}))
}

func TestFrameParserRejectsStreamFrameAtInitialLevel(t *testing.T) {
	f := &StreamFrame{StreamID: 0, Data: []byte("not allowed in initial")}
	b := &bytes.Buffer{}
	require.NoError(t, f.Write(b))

	_, _, err := NewFrameParser().ParseNext(b.Bytes(), protocol.EncryptionInitial)
	require.Error(t, err)
}

func TestFrameParserRejectsUnknownFrameType(t *testing.T) {
	_, _, err := NewFrameParser().ParseNext([]byte{0xff, 0x7f}, protocol.Encryption1RTT)
	require.Error(t, err)
}

func TestFrameParserHonorsAckDelayExponent(t *testing.T) {
	p := NewFrameParser()
	p.AckDelayExponent = 0

	f := &AckFrame{Ranges: []AckRange{{Smallest: 0, Largest: 0}}, DelayTime: (4 * time.Microsecond) << protocol.AckDelayExponent}
	b := &bytes.Buffer{}
	require.NoError(t, f.Write(b))

	parsed, _, err := p.ParseNext(b.Bytes(), protocol.Encryption1RTT)
	require.NoError(t, err)
	af, ok := parsed.(*AckFrame)
	require.True(t, ok)
	require.Equal(t, 4*time.Microsecond, af.DelayTime)
}
