package dps

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/01org/dps-for-iot/internal/bitvec"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	body := []byte{1, 2, 3}
	for _, mt := range []MsgType{MsgPub, MsgSub, MsgSak, MsgAck} {
		data := encodeEnvelope(mt, body)
		gotType, gotBody, err := decodeEnvelope(data)
		require.NoError(t, err)
		require.Equal(t, mt, gotType)
		require.Equal(t, body, gotBody)
	}
}

func TestEnvelopeErrors(t *testing.T) {
	data := encodeEnvelope(MsgPub, []byte{1})
	// Unknown type.
	bad := append([]byte(nil), data...)
	bad[2] = 9
	_, _, err := decodeEnvelope(bad)
	require.ErrorIs(t, err, ErrInvalid)
	// Future version.
	bad = append([]byte(nil), data...)
	bad[1] = 2
	_, _, err = decodeEnvelope(bad)
	require.ErrorIs(t, err, ErrNotImplemented)
}

func TestPubMsgRoundTrip(t *testing.T) {
	bf, _ := bitvec.NewSize(bitvec.DefaultLen, bitvec.DefaultHashes)
	bf.Set(77)
	m := &pubMsg{
		TTL:        60,
		PubID:      uuid.New(),
		SeqNum:     42,
		AckReq:     true,
		NoWildCard: true,
		Interests:  bf.Serialize(),
		Needs:      bitvec.NewNeeds().Serialize(),
		Topics:     []string{"a/b", "c"},
		Payload:    []byte{0xCA, 0xFE},
	}
	got, err := decodePubMsg(encodePubMsg(m))
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestSubMsgRoundTrip(t *testing.T) {
	bf, _ := bitvec.NewSize(bitvec.DefaultLen, bitvec.DefaultHashes)
	m := &subMsg{
		MeshID:    uuid.New(),
		Seq:       7,
		Sync:      true,
		Interests: bf.Serialize(),
		Needs:     bitvec.NewNeeds().Serialize(),
		Muted:     []uuid.UUID{uuid.New(), uuid.New()},
	}
	got, err := decodeSubMsg(encodeSubMsg(m))
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestSakAckRoundTrip(t *testing.T) {
	sak := &sakMsg{MeshID: uuid.New(), AckSeq: 3, Resync: true}
	gotSak, err := decodeSakMsg(encodeSakMsg(sak))
	require.NoError(t, err)
	require.Equal(t, sak, gotSak)

	ack := &ackMsg{PubID: uuid.New(), SeqNum: 9, Payload: []byte("ok")}
	gotAck, err := decodeAckMsg(encodeAckMsg(ack))
	require.NoError(t, err)
	require.Equal(t, ack, gotAck)
}

func TestNonceSeparation(t *testing.T) {
	rnd := rand.New(rand.NewSource(11))
	for i := 0; i < 100; i++ {
		var id uuid.UUID
		rnd.Read(id[:])
		sn := rnd.Uint32()

		pubNonce := makeNonce(id, sn, MsgPub)
		ackNonce := makeNonce(id, sn, MsgAck)

		require.Len(t, pubNonce, 13)
		require.Zero(t, pubNonce[4]&0x80)
		require.NotZero(t, ackNonce[4]&0x80)
		// Identical in every other bit.
		for b := range pubNonce {
			if b == 4 {
				require.Equal(t, pubNonce[b]&0x7F, ackNonce[b]&0x7F)
				continue
			}
			require.Equal(t, pubNonce[b], ackNonce[b], "byte %d", b)
		}
	}
}

func TestNonceLayout(t *testing.T) {
	var id uuid.UUID
	for i := range id {
		id[i] = byte(0xA0 + i)
	}
	nonce := makeNonce(id, 0x01020304, MsgAck)
	require.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, nonce[:4])
	require.Equal(t, id[1:9], []byte(nonce[5:]))
}
