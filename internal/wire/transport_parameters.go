package wire

import (
	"bytes"
	"fmt"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/utils"
)

// transport parameter IDs, RFC 9000 §18.2.
const (
	tpOriginalDestinationConnectionID tpID = 0x00
	tpMaxIdleTimeout                  tpID = 0x01
	tpStatelessResetToken             tpID = 0x02
	tpMaxUDPPayloadSize               tpID = 0x03
	tpInitialMaxData                  tpID = 0x04
	tpInitialMaxStreamDataBidiLocal   tpID = 0x05
	tpInitialMaxStreamDataBidiRemote  tpID = 0x06
	tpInitialMaxStreamDataUni         tpID = 0x07
	tpInitialMaxStreamsBidi           tpID = 0x08
	tpInitialMaxStreamsUni            tpID = 0x09
	tpAckDelayExponent                tpID = 0x0a
	tpMaxAckDelay                     tpID = 0x0b
	tpDisableActiveMigration          tpID = 0x0c
	tpPreferredAddress                tpID = 0x0d
	tpActiveConnectionIDLimit         tpID = 0x0e
	tpInitialSourceConnectionID       tpID = 0x0f
	tpRetrySourceConnectionID         tpID = 0x10
	tpMaxDatagramFrameSize            tpID = 0x20
)

type tpID uint64

// TransportParameters is the set of transport parameters exchanged during
// the handshake, grounded on the teacher's internal/wire.TransportParameters
// (RFC 9000 §18.2).
type TransportParameters struct {
	OriginalDestinationConnectionID protocol.ConnectionID
	InitialSourceConnectionID       protocol.ConnectionID
	RetrySourceConnectionID         *protocol.ConnectionID

	StatelessResetToken *protocol.StatelessResetToken

	MaxIdleTimeout       int64 // milliseconds
	MaxUDPPayloadSize    protocol.ByteCount
	AckDelayExponent     uint8
	MaxAckDelay          int64 // milliseconds
	ActiveConnectionIDLimit uint64
	DisableActiveMigration  bool

	InitialMaxData                 protocol.ByteCount
	InitialMaxStreamDataBidiLocal   protocol.ByteCount
	InitialMaxStreamDataBidiRemote  protocol.ByteCount
	InitialMaxStreamDataUni         protocol.ByteCount
	InitialMaxStreamsBidi           protocol.StreamNum
	InitialMaxStreamsUni            protocol.StreamNum

	MaxDatagramFrameSize protocol.ByteCount // 0 = datagrams disabled

	PreferredAddress []byte // opaque, not parsed further: out of scope beyond carrying the bytes
}

// Marshal serializes the transport parameters for the CRYPTO stream.
func (p *TransportParameters) Marshal() []byte {
	b := &bytes.Buffer{}
	writeCID := func(id tpID, cid protocol.ConnectionID) {
		utils.WriteVarInt(b, uint64(id))
		utils.WriteVarInt(b, uint64(cid.Len()))
		b.Write(cid.Bytes())
	}
	writeVarIntParam := func(id tpID, v uint64) {
		utils.WriteVarInt(b, uint64(id))
		utils.WriteVarInt(b, uint64(utils.VarIntLen(v)))
		utils.WriteVarInt(b, v)
	}

	if p.OriginalDestinationConnectionID != nil {
		writeCID(tpOriginalDestinationConnectionID, p.OriginalDestinationConnectionID)
	}
	writeCID(tpInitialSourceConnectionID, p.InitialSourceConnectionID)
	if p.RetrySourceConnectionID != nil {
		writeCID(tpRetrySourceConnectionID, *p.RetrySourceConnectionID)
	}
	if p.StatelessResetToken != nil {
		utils.WriteVarInt(b, uint64(tpStatelessResetToken))
		utils.WriteVarInt(b, 16)
		b.Write(p.StatelessResetToken[:])
	}
	writeVarIntParam(tpMaxIdleTimeout, uint64(p.MaxIdleTimeout))
	writeVarIntParam(tpMaxUDPPayloadSize, uint64(p.MaxUDPPayloadSize))
	writeVarIntParam(tpInitialMaxData, uint64(p.InitialMaxData))
	writeVarIntParam(tpInitialMaxStreamDataBidiLocal, uint64(p.InitialMaxStreamDataBidiLocal))
	writeVarIntParam(tpInitialMaxStreamDataBidiRemote, uint64(p.InitialMaxStreamDataBidiRemote))
	writeVarIntParam(tpInitialMaxStreamDataUni, uint64(p.InitialMaxStreamDataUni))
	writeVarIntParam(tpInitialMaxStreamsBidi, uint64(p.InitialMaxStreamsBidi))
	writeVarIntParam(tpInitialMaxStreamsUni, uint64(p.InitialMaxStreamsUni))
	writeVarIntParam(tpAckDelayExponent, uint64(p.AckDelayExponent))
	writeVarIntParam(tpMaxAckDelay, uint64(p.MaxAckDelay))
	writeVarIntParam(tpActiveConnectionIDLimit, p.ActiveConnectionIDLimit)
	if p.DisableActiveMigration {
		utils.WriteVarInt(b, uint64(tpDisableActiveMigration))
		utils.WriteVarInt(b, 0)
	}
	if p.MaxDatagramFrameSize > 0 {
		writeVarIntParam(tpMaxDatagramFrameSize, uint64(p.MaxDatagramFrameSize))
	}
	if len(p.PreferredAddress) > 0 {
		utils.WriteVarInt(b, uint64(tpPreferredAddress))
		utils.WriteVarInt(b, uint64(len(p.PreferredAddress)))
		b.Write(p.PreferredAddress)
	}
	return b.Bytes()
}

// ParseTransportParameters decodes the wire format written by Marshal.
func ParseTransportParameters(data []byte) (*TransportParameters, error) {
	p := &TransportParameters{AckDelayExponent: protocol.AckDelayExponent}
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		id, err := utils.ReadVarInt(r)
		if err != nil {
			return nil, err
		}
		length, err := utils.ReadVarInt(r)
		if err != nil {
			return nil, err
		}
		if int(length) > r.Len() {
			return nil, fmt.Errorf("wire: transport parameter %#x longer than remaining data", id)
		}
		val := make([]byte, length)
		if _, err := r.Read(val); err != nil {
			return nil, err
		}
		vr := bytes.NewReader(val)
		switch tpID(id) {
		case tpOriginalDestinationConnectionID:
			p.OriginalDestinationConnectionID = protocol.ConnectionID(val)
		case tpInitialSourceConnectionID:
			p.InitialSourceConnectionID = protocol.ConnectionID(val)
		case tpRetrySourceConnectionID:
			cid := protocol.ConnectionID(val)
			p.RetrySourceConnectionID = &cid
		case tpStatelessResetToken:
			if length != 16 {
				return nil, fmt.Errorf("wire: invalid stateless_reset_token length %d", length)
			}
			var tok protocol.StatelessResetToken
			copy(tok[:], val)
			p.StatelessResetToken = &tok
		case tpMaxIdleTimeout:
			v, err := utils.ReadVarInt(vr)
			if err != nil {
				return nil, err
			}
			p.MaxIdleTimeout = int64(v)
		case tpMaxUDPPayloadSize:
			v, err := utils.ReadVarInt(vr)
			if err != nil {
				return nil, err
			}
			p.MaxUDPPayloadSize = protocol.ByteCount(v)
		case tpInitialMaxData:
			v, err := utils.ReadVarInt(vr)
			if err != nil {
				return nil, err
			}
			p.InitialMaxData = protocol.ByteCount(v)
		case tpInitialMaxStreamDataBidiLocal:
			v, err := utils.ReadVarInt(vr)
			if err != nil {
				return nil, err
			}
			p.InitialMaxStreamDataBidiLocal = protocol.ByteCount(v)
		case tpInitialMaxStreamDataBidiRemote:
			v, err := utils.ReadVarInt(vr)
			if err != nil {
				return nil, err
			}
			p.InitialMaxStreamDataBidiRemote = protocol.ByteCount(v)
		case tpInitialMaxStreamDataUni:
			v, err := utils.ReadVarInt(vr)
			if err != nil {
				return nil, err
			}
			p.InitialMaxStreamDataUni = protocol.ByteCount(v)
		case tpInitialMaxStreamsBidi:
			v, err := utils.ReadVarInt(vr)
			if err != nil {
				return nil, err
			}
			p.InitialMaxStreamsBidi = protocol.StreamNum(v)
		case tpInitialMaxStreamsUni:
			v, err := utils.ReadVarInt(vr)
			if err != nil {
				return nil, err
			}
			p.InitialMaxStreamsUni = protocol.StreamNum(v)
		case tpAckDelayExponent:
			v, err := utils.ReadVarInt(vr)
			if err != nil {
				return nil, err
			}
			p.AckDelayExponent = uint8(v)
		case tpMaxAckDelay:
			v, err := utils.ReadVarInt(vr)
			if err != nil {
				return nil, err
			}
			p.MaxAckDelay = int64(v)
		case tpActiveConnectionIDLimit:
			v, err := utils.ReadVarInt(vr)
			if err != nil {
				return nil, err
			}
			p.ActiveConnectionIDLimit = v
		case tpDisableActiveMigration:
			p.DisableActiveMigration = true
		case tpMaxDatagramFrameSize:
			v, err := utils.ReadVarInt(vr)
			if err != nil {
				return nil, err
			}
			p.MaxDatagramFrameSize = protocol.ByteCount(v)
		case tpPreferredAddress:
			p.PreferredAddress = val
		default:
			// unknown transport parameters are ignored (RFC 9000 §7.4.2)
		}
	}
	if p.ActiveConnectionIDLimit == 0 {
		p.ActiveConnectionIDLimit = 2
	}
	return p, nil
}

// ValidForUpdate reports whether new transport parameters are a
// permissible update of old ones after 0-RTT data was accepted (RFC 9001
// §4.6.1): limits must never shrink below what was advertised before.
func (p *TransportParameters) ValidForUpdate(old *TransportParameters) bool {
	if old == nil {
		return true
	}
	return p.InitialMaxData >= old.InitialMaxData &&
		p.InitialMaxStreamDataBidiLocal >= old.InitialMaxStreamDataBidiLocal &&
		p.InitialMaxStreamDataBidiRemote >= old.InitialMaxStreamDataBidiRemote &&
		p.InitialMaxStreamDataUni >= old.InitialMaxStreamDataUni &&
		p.InitialMaxStreamsBidi >= old.InitialMaxStreamsBidi &&
		p.InitialMaxStreamsUni >= old.InitialMaxStreamsUni &&
		p.ActiveConnectionIDLimit >= old.ActiveConnectionIDLimit
}
