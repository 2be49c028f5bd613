package dps

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/01org/dps-for-iot/internal/cbor"
	"github.com/01org/dps-for-iot/keystore"
)

// MsgVersion is the protocol version carried in every envelope.
const MsgVersion = 1

// MsgType discriminates the four protocol messages.
type MsgType uint8

const (
	// MsgPub carries a publication.
	MsgPub MsgType = 1
	// MsgSub carries an interest summary.
	MsgSub MsgType = 2
	// MsgSak acknowledges a subscription message.
	MsgSak MsgType = 3
	// MsgAck carries an end-to-end publication acknowledgement.
	MsgAck MsgType = 4
)

// Element counts of the fixed-size body arrays. Version bumps change
// these counts.
const (
	pubMsgLen = 9
	subMsgLen = 7
	sakMsgLen = 3
	ackMsgLen = 3
)

type pubMsg struct {
	TTL        int16
	PubID      uuid.UUID
	SeqNum     uint32
	AckReq     bool
	NoWildCard bool
	Interests  []byte
	Needs      []byte
	Topics     []string
	Payload    []byte
}

type subMsg struct {
	MeshID    uuid.UUID
	Seq       uint32
	Sync      bool
	Delta     bool
	Interests []byte
	Needs     []byte
	Muted     []uuid.UUID
}

type sakMsg struct {
	MeshID uuid.UUID
	AckSeq uint32
	Resync bool
}

type ackMsg struct {
	PubID   uuid.UUID
	SeqNum  uint32
	Payload []byte
}

// makeNonce derives the COSE nonce for a publication or its
// acknowledgement. The top bit of byte 4 separates the two so a PUB and
// an ACK for the same (pubId, seqNum) never share a nonce.
func makeNonce(id uuid.UUID, seqNum uint32, msgType MsgType) []byte {
	nonce := make([]byte, keystore.NonceLen)
	nonce[0] = byte(seqNum)
	nonce[1] = byte(seqNum >> 8)
	nonce[2] = byte(seqNum >> 16)
	nonce[3] = byte(seqNum >> 24)
	copy(nonce[4:], id[:keystore.NonceLen-4])
	if msgType == MsgPub {
		nonce[4] &= 0x7F
	} else {
		nonce[4] |= 0x80
	}
	return nonce
}

// encodeEnvelope wraps a body in the 5-element protocol array.
func encodeEnvelope(msgType MsgType, body []byte) []byte {
	var out []byte
	out = cbor.AppendArray(out, 5)
	out = cbor.AppendUint(out, MsgVersion)
	out = cbor.AppendUint(out, uint64(msgType))
	out = cbor.AppendMap(out, 0)
	out = cbor.AppendNil(out)
	if body == nil {
		out = cbor.AppendNil(out)
	} else {
		out = cbor.AppendBytes(out, body)
	}
	return out
}

// decodeEnvelope unwraps the protocol array and returns the message
// type and body.
func decodeEnvelope(data []byte) (MsgType, []byte, error) {
	d := cbor.NewDecoder(data)
	n, err := d.DecodeArray()
	if err != nil {
		return 0, nil, err
	}
	if n != 5 {
		return 0, nil, fmt.Errorf("envelope of %d elements: %w", n, ErrInvalid)
	}
	version, err := d.DecodeUint8()
	if err != nil {
		return 0, nil, err
	}
	if version != MsgVersion {
		return 0, nil, fmt.Errorf("message version %d: %w", version, ErrNotImplemented)
	}
	msgType, err := d.DecodeUint8()
	if err != nil {
		return 0, nil, err
	}
	pairs, err := d.DecodeMap()
	if err != nil {
		return 0, nil, err
	}
	for i := 0; i < 2*pairs; i++ {
		if err := d.Skip(); err != nil {
			return 0, nil, err
		}
	}
	if _, err := d.DecodeBytesOrNil(); err != nil { // protected header
		return 0, nil, err
	}
	body, err := d.DecodeBytesOrNil()
	if err != nil {
		return 0, nil, err
	}
	switch MsgType(msgType) {
	case MsgPub, MsgSub, MsgSak, MsgAck:
		return MsgType(msgType), body, nil
	default:
		return 0, nil, fmt.Errorf("message type %d: %w", msgType, ErrInvalid)
	}
}

func decodeUUID(d *cbor.Decoder) (uuid.UUID, error) {
	var u uuid.UUID
	b, err := d.DecodeBytes()
	if err != nil {
		return u, err
	}
	if len(b) != len(u) {
		return u, fmt.Errorf("uuid of %d bytes: %w", len(b), ErrInvalid)
	}
	copy(u[:], b)
	return u, nil
}

func encodePubMsg(m *pubMsg) []byte {
	var out []byte
	out = cbor.AppendArray(out, pubMsgLen)
	out = cbor.AppendInt(out, int64(m.TTL))
	out = cbor.AppendBytes(out, m.PubID[:])
	out = cbor.AppendUint(out, uint64(m.SeqNum))
	out = cbor.AppendBool(out, m.AckReq)
	out = cbor.AppendBool(out, m.NoWildCard)
	out = cbor.AppendBytes(out, m.Interests)
	out = cbor.AppendBytes(out, m.Needs)
	out = cbor.AppendArray(out, len(m.Topics))
	for _, t := range m.Topics {
		out = cbor.AppendText(out, t)
	}
	out = cbor.AppendBytes(out, m.Payload)
	return out
}

func decodePubMsg(data []byte) (*pubMsg, error) {
	d := cbor.NewDecoder(data)
	n, err := d.DecodeArray()
	if err != nil {
		return nil, err
	}
	if n != pubMsgLen {
		return nil, fmt.Errorf("publication of %d elements: %w", n, ErrInvalid)
	}
	var m pubMsg
	if m.TTL, err = d.DecodeInt16(); err != nil {
		return nil, err
	}
	if m.PubID, err = decodeUUID(d); err != nil {
		return nil, err
	}
	if m.SeqNum, err = d.DecodeUint32(); err != nil {
		return nil, err
	}
	if m.AckReq, err = d.DecodeBool(); err != nil {
		return nil, err
	}
	if m.NoWildCard, err = d.DecodeBool(); err != nil {
		return nil, err
	}
	if m.Interests, err = d.DecodeBytes(); err != nil {
		return nil, err
	}
	if m.Needs, err = d.DecodeBytes(); err != nil {
		return nil, err
	}
	count, err := d.DecodeArray()
	if err != nil {
		return nil, err
	}
	m.Topics = make([]string, count)
	for i := range m.Topics {
		if m.Topics[i], err = d.DecodeText(); err != nil {
			return nil, err
		}
	}
	if m.Payload, err = d.DecodeBytes(); err != nil {
		return nil, err
	}
	return &m, nil
}

func encodeSubMsg(m *subMsg) []byte {
	var out []byte
	out = cbor.AppendArray(out, subMsgLen)
	out = cbor.AppendBytes(out, m.MeshID[:])
	out = cbor.AppendUint(out, uint64(m.Seq))
	out = cbor.AppendBool(out, m.Sync)
	out = cbor.AppendBool(out, m.Delta)
	out = cbor.AppendBytes(out, m.Interests)
	out = cbor.AppendBytes(out, m.Needs)
	out = cbor.AppendArray(out, len(m.Muted))
	for _, id := range m.Muted {
		out = cbor.AppendBytes(out, id[:])
	}
	return out
}

func decodeSubMsg(data []byte) (*subMsg, error) {
	d := cbor.NewDecoder(data)
	n, err := d.DecodeArray()
	if err != nil {
		return nil, err
	}
	if n != subMsgLen {
		return nil, fmt.Errorf("subscription of %d elements: %w", n, ErrInvalid)
	}
	var m subMsg
	if m.MeshID, err = decodeUUID(d); err != nil {
		return nil, err
	}
	if m.Seq, err = d.DecodeUint32(); err != nil {
		return nil, err
	}
	if m.Sync, err = d.DecodeBool(); err != nil {
		return nil, err
	}
	if m.Delta, err = d.DecodeBool(); err != nil {
		return nil, err
	}
	if m.Interests, err = d.DecodeBytes(); err != nil {
		return nil, err
	}
	if m.Needs, err = d.DecodeBytes(); err != nil {
		return nil, err
	}
	count, err := d.DecodeArray()
	if err != nil {
		return nil, err
	}
	m.Muted = make([]uuid.UUID, count)
	for i := range m.Muted {
		if m.Muted[i], err = decodeUUID(d); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func encodeSakMsg(m *sakMsg) []byte {
	var out []byte
	out = cbor.AppendArray(out, sakMsgLen)
	out = cbor.AppendBytes(out, m.MeshID[:])
	out = cbor.AppendUint(out, uint64(m.AckSeq))
	out = cbor.AppendBool(out, m.Resync)
	return out
}

func decodeSakMsg(data []byte) (*sakMsg, error) {
	d := cbor.NewDecoder(data)
	n, err := d.DecodeArray()
	if err != nil {
		return nil, err
	}
	if n != sakMsgLen {
		return nil, fmt.Errorf("sub ack of %d elements: %w", n, ErrInvalid)
	}
	var m sakMsg
	if m.MeshID, err = decodeUUID(d); err != nil {
		return nil, err
	}
	if m.AckSeq, err = d.DecodeUint32(); err != nil {
		return nil, err
	}
	if m.Resync, err = d.DecodeBool(); err != nil {
		return nil, err
	}
	return &m, nil
}

func encodeAckMsg(m *ackMsg) []byte {
	var out []byte
	out = cbor.AppendArray(out, ackMsgLen)
	out = cbor.AppendBytes(out, m.PubID[:])
	out = cbor.AppendUint(out, uint64(m.SeqNum))
	out = cbor.AppendBytes(out, m.Payload)
	return out
}

func decodeAckMsg(data []byte) (*ackMsg, error) {
	d := cbor.NewDecoder(data)
	n, err := d.DecodeArray()
	if err != nil {
		return nil, err
	}
	if n != ackMsgLen {
		return nil, fmt.Errorf("ack of %d elements: %w", n, ErrInvalid)
	}
	var m ackMsg
	if m.PubID, err = decodeUUID(d); err != nil {
		return nil, err
	}
	if m.SeqNum, err = d.DecodeUint32(); err != nil {
		return nil, err
	}
	if m.Payload, err = d.DecodeBytes(); err != nil {
		return nil, err
	}
	return &m, nil
}
