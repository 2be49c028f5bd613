package qos

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/01org/dps-for-iot/internal/snset"
)

func TestCacheBounds(t *testing.T) {
	c := NewCache(4)
	require.True(t, c.Empty())
	require.Equal(t, 4, c.Avail())

	for sn := uint32(1); sn <= 6; sn++ {
		c.Add(sn, []byte{byte(sn)})
	}
	require.Equal(t, 4, c.Size())
	require.Equal(t, uint32(3), c.MinSN())
	require.Equal(t, uint32(6), c.MaxSN())

	_, ok := c.Get(2)
	require.False(t, ok, "evicted entries are gone")
	payload, ok := c.Get(5)
	require.True(t, ok)
	require.Equal(t, []byte{5}, payload)
}

func TestCacheOrdered(t *testing.T) {
	c := NewCache(8)
	for _, sn := range []uint32{4, 1, 3, 2} {
		c.Add(sn, nil)
	}
	require.Equal(t, uint32(1), c.MinSN())
	require.Equal(t, uint32(4), c.MaxSN())
}

func TestHeaderRoundTrip(t *testing.T) {
	h := &header{Type: typeData, First: 3, Last: 9, SN: 7, Payload: []byte("x")}
	got, err := decodeHeader(encodeHeader(h))
	require.NoError(t, err)
	require.Equal(t, h, got)

	_, err = decodeHeader([]byte{0x80})
	require.Error(t, err)
}

func TestAckBodyRoundTrip(t *testing.T) {
	missing := snset.New(3)
	missing.Insert(3)
	missing.Insert(5)
	missing.Insert(7)
	a := &ackBody{Subscriber: uuid.New(), Missing: missing, Payload: []byte("p")}

	got, err := decodeAckBody(encodeAckBody(a))
	require.NoError(t, err)
	require.Equal(t, a.Subscriber, got.Subscriber)
	require.Equal(t, a.Payload, got.Payload)
	var sns []uint32
	got.Missing.Each(func(sn uint32) { sns = append(sns, sn) })
	require.Equal(t, []uint32{3, 5, 7}, sns)
}

func TestMissingComplement(t *testing.T) {
	s := &Subscriber{depth: 8, remotes: make(map[uuid.UUID]*remotePublisher)}
	id := uuid.New()
	r := s.remote(id)
	r.haveBase = true
	r.delivered = 2
	r.first, r.last = 1, 8
	r.received[4] = true
	r.received[6] = true
	r.received[8] = true
	r.pending[4] = nil
	r.pending[6] = nil
	r.pending[8] = nil

	var sns []uint32
	s.missing(r).Each(func(sn uint32) { sns = append(sns, sn) })
	require.Equal(t, []uint32{3, 5, 7}, sns)
}
