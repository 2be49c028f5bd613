package qos

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/01org/dps-for-iot/internal/cbor"
	"github.com/01org/dps-for-iot/internal/snset"
)

// Control types carried in the publication payload prefix.
const (
	typeData      = 0
	typeHeartbeat = 1
)

var errWire = fmt.Errorf("qos: bad control message")

type header struct {
	Type    uint8
	First   uint32 // publisher's cache range
	Last    uint32
	SN      uint32 // sequence number, DATA only
	Payload []byte
}

func encodeHeader(h *header) []byte {
	var out []byte
	out = cbor.AppendArray(out, 5)
	out = cbor.AppendUint(out, uint64(h.Type))
	out = cbor.AppendUint(out, uint64(h.First))
	out = cbor.AppendUint(out, uint64(h.Last))
	out = cbor.AppendUint(out, uint64(h.SN))
	out = cbor.AppendBytes(out, h.Payload)
	return out
}

func decodeHeader(data []byte) (*header, error) {
	d := cbor.NewDecoder(data)
	n, err := d.DecodeArray()
	if err != nil || n != 5 {
		return nil, errWire
	}
	var h header
	if h.Type, err = d.DecodeUint8(); err != nil {
		return nil, err
	}
	if h.First, err = d.DecodeUint32(); err != nil {
		return nil, err
	}
	if h.Last, err = d.DecodeUint32(); err != nil {
		return nil, err
	}
	if h.SN, err = d.DecodeUint32(); err != nil {
		return nil, err
	}
	if h.Payload, err = d.DecodeBytes(); err != nil {
		return nil, err
	}
	return &h, nil
}

type ackBody struct {
	Subscriber uuid.UUID
	Missing    *snset.Set
	Payload    []byte
}

func encodeAckBody(a *ackBody) []byte {
	base, words := a.Missing.Words()
	var out []byte
	out = cbor.AppendArray(out, 4)
	out = cbor.AppendBytes(out, a.Subscriber[:])
	out = cbor.AppendUint(out, uint64(base))
	out = cbor.AppendArray(out, len(words))
	for _, w := range words {
		out = cbor.AppendUint(out, w)
	}
	out = cbor.AppendBytes(out, a.Payload)
	return out
}

func decodeAckBody(data []byte) (*ackBody, error) {
	d := cbor.NewDecoder(data)
	n, err := d.DecodeArray()
	if err != nil || n != 4 {
		return nil, errWire
	}
	var a ackBody
	id, err := d.DecodeBytes()
	if err != nil || len(id) != len(a.Subscriber) {
		return nil, errWire
	}
	copy(a.Subscriber[:], id)
	base, err := d.DecodeUint32()
	if err != nil {
		return nil, err
	}
	count, err := d.DecodeArray()
	if err != nil {
		return nil, err
	}
	words := make([]uint64, count)
	for i := range words {
		if words[i], err = d.DecodeUint(); err != nil {
			return nil, err
		}
	}
	a.Missing = snset.FromWords(base, words)
	if a.Payload, err = d.DecodeBytes(); err != nil {
		return nil, err
	}
	return &a, nil
}
