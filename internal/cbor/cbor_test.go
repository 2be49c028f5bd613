package cbor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUintRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 23, 24, 255, 256, 65535, 65536, 1 << 32, 1<<64 - 1} {
		data := AppendUint(nil, v)
		got, err := NewDecoder(data).DecodeUint()
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestShortestEncoding(t *testing.T) {
	require.Len(t, AppendUint(nil, 23), 1)
	require.Len(t, AppendUint(nil, 24), 2)
	require.Len(t, AppendUint(nil, 255), 2)
	require.Len(t, AppendUint(nil, 256), 3)
	require.Len(t, AppendUint(nil, 65536), 5)
}

func TestIntRoundTrip(t *testing.T) {
	for _, v := range []int64{0, -1, 1, -24, -25, 1000, -1000, 1 << 40, -(1 << 40)} {
		data := AppendInt(nil, v)
		got, err := NewDecoder(data).DecodeInt()
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestBytesTextRoundTrip(t *testing.T) {
	data := AppendBytes(nil, []byte{1, 2, 3})
	data = AppendText(data, "hello")
	d := NewDecoder(data)
	b, err := d.DecodeBytes()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, b)
	s, err := d.DecodeText()
	require.NoError(t, err)
	require.Equal(t, "hello", s)
	require.Zero(t, d.Remaining())
}

func TestContainers(t *testing.T) {
	data := AppendArray(nil, 2)
	data = AppendUint(data, 1)
	data = AppendUint(data, 2)
	data = AppendMap(data, 1)
	data = AppendUint(data, 7)
	data = AppendBool(data, true)
	data = AppendNil(data)

	d := NewDecoder(data)
	n, err := d.DecodeArray()
	require.NoError(t, err)
	require.Equal(t, 2, n)
	for i := 0; i < n; i++ {
		_, err = d.DecodeUint()
		require.NoError(t, err)
	}
	pairs, err := d.DecodeMap()
	require.NoError(t, err)
	require.Equal(t, 1, pairs)
	_, err = d.DecodeUint()
	require.NoError(t, err)
	v, err := d.DecodeBool()
	require.NoError(t, err)
	require.True(t, v)
	b, err := d.DecodeBytesOrNil()
	require.NoError(t, err)
	require.Nil(t, b)
}

func TestEOD(t *testing.T) {
	data := AppendBytes(nil, []byte("abcdef"))
	for i := 0; i < len(data); i++ {
		_, err := NewDecoder(data[:i]).DecodeBytes()
		require.ErrorIs(t, err, ErrEOD, "truncated at %d", i)
	}
	_, err := NewDecoder(nil).DecodeUint()
	require.ErrorIs(t, err, ErrEOD)
}

func TestInvalidType(t *testing.T) {
	data := AppendText(nil, "x")
	_, err := NewDecoder(data).DecodeUint()
	require.ErrorIs(t, err, ErrInvalid)
	_, err = NewDecoder(data).DecodeBytes()
	require.ErrorIs(t, err, ErrInvalid)

	// The failed decode must not consume input.
	d := NewDecoder(data)
	_, err = d.DecodeUint()
	require.ErrorIs(t, err, ErrInvalid)
	s, err := d.DecodeText()
	require.NoError(t, err)
	require.Equal(t, "x", s)
}

func TestOverflow(t *testing.T) {
	data := AppendUint(nil, 300)
	_, err := NewDecoder(data).DecodeUint8()
	require.ErrorIs(t, err, ErrOverflow)

	data = AppendUint(nil, 1<<33)
	_, err = NewDecoder(data).DecodeUint32()
	require.ErrorIs(t, err, ErrOverflow)

	data = AppendInt(nil, 1<<20)
	_, err = NewDecoder(data).DecodeInt16()
	require.ErrorIs(t, err, ErrOverflow)
}

func TestIndefiniteRejected(t *testing.T) {
	// 0x9F is an indefinite-length array, not deterministic.
	_, err := NewDecoder([]byte{0x9F}).DecodeArray()
	require.ErrorIs(t, err, ErrInvalid)
}

func TestSkip(t *testing.T) {
	data := AppendArray(nil, 2)
	data = AppendText(data, "nested")
	data = AppendMap(data, 1)
	data = AppendUint(data, 1)
	data = AppendBytes(data, []byte{9})
	data = AppendUint(data, 42)

	d := NewDecoder(data)
	require.NoError(t, d.Skip())
	v, err := d.DecodeUint()
	require.NoError(t, err)
	require.Equal(t, uint64(42), v)
}

func TestArrayHeaderEOD(t *testing.T) {
	// Declares 100 elements with no content behind it.
	_, err := NewDecoder(AppendArray(nil, 100)).DecodeArray()
	require.ErrorIs(t, err, ErrEOD)
}
