package snset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertTest(t *testing.T) {
	s := New(10)
	require.True(t, s.Empty())

	s.Insert(10)
	s.Insert(12)
	s.Insert(200)
	require.True(t, s.Test(10))
	require.False(t, s.Test(11))
	require.True(t, s.Test(12))
	require.True(t, s.Test(200))
	require.Equal(t, 3, s.Count())

	// Below the base is ignored.
	s.Insert(5)
	require.False(t, s.Test(5))
}

func TestShrink(t *testing.T) {
	s := New(1)
	for sn := uint32(1); sn <= 10; sn++ {
		s.Insert(sn)
	}
	s.Shrink(5)
	require.Equal(t, uint32(5), s.Base())
	require.False(t, s.Test(4))
	for sn := uint32(5); sn <= 10; sn++ {
		require.True(t, s.Test(sn), "sn %d", sn)
	}

	// Shrinking backwards is a no-op.
	s.Shrink(2)
	require.Equal(t, uint32(5), s.Base())
}

func TestShrinkAcrossWords(t *testing.T) {
	s := New(0)
	s.Insert(70)
	s.Insert(130)
	s.Shrink(65)
	require.True(t, s.Test(70))
	require.True(t, s.Test(130))
	require.False(t, s.Test(64))
	s.Shrink(131)
	require.True(t, s.Empty())
}

func TestEachOrdered(t *testing.T) {
	s := New(3)
	for _, sn := range []uint32{9, 3, 77, 5} {
		s.Insert(sn)
	}
	var got []uint32
	s.Each(func(sn uint32) { got = append(got, sn) })
	require.Equal(t, []uint32{3, 5, 9, 77}, got)
}

func TestWordsRoundTrip(t *testing.T) {
	s := New(100)
	s.Insert(100)
	s.Insert(163)
	s.Insert(164)

	base, words := s.Words()
	out := FromWords(base, words)
	require.Equal(t, s.Count(), out.Count())
	var want, got []uint32
	s.Each(func(sn uint32) { want = append(want, sn) })
	out.Each(func(sn uint32) { got = append(got, sn) })
	require.Equal(t, want, got)
}

func TestWordsCanonical(t *testing.T) {
	s := New(0)
	s.Insert(500)
	s.Shrink(501)
	_, words := s.Words()
	require.Empty(t, words)
}
