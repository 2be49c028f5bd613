// Package cbor implements the deterministic CBOR subset used on the
// wire. Integers and lengths always use the shortest encoding, protocol
// messages are fixed-size arrays, and decoders distinguish running out
// of input (EOD) from malformed input (INVALID) so stream transports can
// keep reading on the former.
package cbor

import "errors"

// Major types.
const (
	majUint  = 0
	majNeg   = 1
	majBytes = 2
	majText  = 3
	majArray = 4
	majMap   = 5
	majOther = 7
)

// Simple values under majOther.
const (
	simpleFalse = 20
	simpleTrue  = 21
	simpleNil   = 22
)

var (
	// ErrEOD means more input is needed to finish decoding.
	ErrEOD = errors.New("cbor: unexpected end of data")
	// ErrInvalid means the input is not the expected type or is malformed.
	ErrInvalid = errors.New("cbor: invalid")
	// ErrOverflow means a decoded integer does not fit the target width.
	ErrOverflow = errors.New("cbor: overflow")
)

func encodeHead(b []byte, major byte, v uint64) []byte {
	switch {
	case v < 24:
		return append(b, major<<5|byte(v))
	case v <= 0xFF:
		return append(b, major<<5|24, byte(v))
	case v <= 0xFFFF:
		return append(b, major<<5|25, byte(v>>8), byte(v))
	case v <= 0xFFFFFFFF:
		return append(b, major<<5|26, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	default:
		return append(b, major<<5|27,
			byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}

// AppendUint appends an unsigned integer.
func AppendUint(b []byte, v uint64) []byte {
	return encodeHead(b, majUint, v)
}

// AppendInt appends a signed integer.
func AppendInt(b []byte, v int64) []byte {
	if v < 0 {
		return encodeHead(b, majNeg, uint64(-1-v))
	}
	return encodeHead(b, majUint, uint64(v))
}

// AppendBytes appends a byte string.
func AppendBytes(b, v []byte) []byte {
	b = encodeHead(b, majBytes, uint64(len(v)))
	return append(b, v...)
}

// AppendText appends a text string.
func AppendText(b []byte, v string) []byte {
	b = encodeHead(b, majText, uint64(len(v)))
	return append(b, v...)
}

// AppendArray appends an array header for n elements.
func AppendArray(b []byte, n int) []byte {
	return encodeHead(b, majArray, uint64(n))
}

// AppendMap appends a map header for n pairs.
func AppendMap(b []byte, n int) []byte {
	return encodeHead(b, majMap, uint64(n))
}

// AppendBool appends a boolean.
func AppendBool(b []byte, v bool) []byte {
	if v {
		return append(b, majOther<<5|simpleTrue)
	}
	return append(b, majOther<<5|simpleFalse)
}

// AppendNil appends a null.
func AppendNil(b []byte) []byte {
	return append(b, majOther<<5|simpleNil)
}

// Decoder consumes a byte slice one item at a time.
type Decoder struct {
	data []byte
	pos  int
}

// NewDecoder returns a decoder over data. The slice is not copied.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Remaining returns the number of undecoded bytes.
func (d *Decoder) Remaining() int {
	return len(d.data) - d.pos
}

func (d *Decoder) head() (major byte, v uint64, err error) {
	if d.pos >= len(d.data) {
		return 0, 0, ErrEOD
	}
	ib := d.data[d.pos]
	major = ib >> 5
	info := ib & 0x1F
	pos := d.pos + 1
	switch {
	case info < 24:
		v = uint64(info)
	case info <= 27:
		n := 1 << (info - 24)
		if pos+n > len(d.data) {
			return 0, 0, ErrEOD
		}
		for i := 0; i < n; i++ {
			v = v<<8 | uint64(d.data[pos+i])
		}
		pos += n
	default:
		// Indefinite lengths are not deterministic.
		return 0, 0, ErrInvalid
	}
	d.pos = pos
	return major, v, nil
}

func (d *Decoder) expect(major byte) (uint64, error) {
	save := d.pos
	m, v, err := d.head()
	if err != nil {
		return 0, err
	}
	if m != major {
		d.pos = save
		return 0, ErrInvalid
	}
	return v, nil
}

// DecodeUint decodes an unsigned integer.
func (d *Decoder) DecodeUint() (uint64, error) {
	return d.expect(majUint)
}

// DecodeUint8 decodes an unsigned integer that must fit 8 bits.
func (d *Decoder) DecodeUint8() (uint8, error) {
	v, err := d.DecodeUint()
	if err != nil {
		return 0, err
	}
	if v > 0xFF {
		return 0, ErrOverflow
	}
	return uint8(v), nil
}

// DecodeUint16 decodes an unsigned integer that must fit 16 bits.
func (d *Decoder) DecodeUint16() (uint16, error) {
	v, err := d.DecodeUint()
	if err != nil {
		return 0, err
	}
	if v > 0xFFFF {
		return 0, ErrOverflow
	}
	return uint16(v), nil
}

// DecodeUint32 decodes an unsigned integer that must fit 32 bits.
func (d *Decoder) DecodeUint32() (uint32, error) {
	v, err := d.DecodeUint()
	if err != nil {
		return 0, err
	}
	if v > 0xFFFFFFFF {
		return 0, ErrOverflow
	}
	return uint32(v), nil
}

// DecodeInt decodes a signed integer.
func (d *Decoder) DecodeInt() (int64, error) {
	save := d.pos
	m, v, err := d.head()
	if err != nil {
		return 0, err
	}
	switch m {
	case majUint:
		if v > 1<<63-1 {
			return 0, ErrOverflow
		}
		return int64(v), nil
	case majNeg:
		if v > 1<<63-1 {
			return 0, ErrOverflow
		}
		return -1 - int64(v), nil
	default:
		d.pos = save
		return 0, ErrInvalid
	}
}

// DecodeInt16 decodes a signed integer that must fit 16 bits.
func (d *Decoder) DecodeInt16() (int16, error) {
	v, err := d.DecodeInt()
	if err != nil {
		return 0, err
	}
	if v < -1<<15 || v > 1<<15-1 {
		return 0, ErrOverflow
	}
	return int16(v), nil
}

// DecodeBytes decodes a byte string. The returned slice aliases the
// decoder's input.
func (d *Decoder) DecodeBytes() ([]byte, error) {
	n, err := d.expect(majBytes)
	if err != nil {
		return nil, err
	}
	if uint64(d.Remaining()) < n {
		return nil, ErrEOD
	}
	v := d.data[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return v, nil
}

// DecodeText decodes a text string.
func (d *Decoder) DecodeText() (string, error) {
	n, err := d.expect(majText)
	if err != nil {
		return "", err
	}
	if uint64(d.Remaining()) < n {
		return "", ErrEOD
	}
	v := string(d.data[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return v, nil
}

// DecodeArray decodes an array header and returns the element count.
func (d *Decoder) DecodeArray() (int, error) {
	n, err := d.expect(majArray)
	if err != nil {
		return 0, err
	}
	if n > uint64(d.Remaining()) {
		// Even one-byte elements cannot fill the declared count.
		return 0, ErrEOD
	}
	return int(n), nil
}

// DecodeMap decodes a map header and returns the pair count.
func (d *Decoder) DecodeMap() (int, error) {
	n, err := d.expect(majMap)
	if err != nil {
		return 0, err
	}
	if 2*n > uint64(d.Remaining()) {
		return 0, ErrEOD
	}
	return int(n), nil
}

// DecodeBool decodes a boolean.
func (d *Decoder) DecodeBool() (bool, error) {
	save := d.pos
	m, v, err := d.head()
	if err != nil {
		return false, err
	}
	if m != majOther || (v != simpleTrue && v != simpleFalse) {
		d.pos = save
		return false, ErrInvalid
	}
	return v == simpleTrue, nil
}

// DecodeBytesOrNil decodes a byte string or a null, returning nil for
// the latter.
func (d *Decoder) DecodeBytesOrNil() ([]byte, error) {
	save := d.pos
	m, v, err := d.head()
	if err != nil {
		return nil, err
	}
	if m == majOther && v == simpleNil {
		return nil, nil
	}
	d.pos = save
	return d.DecodeBytes()
}

// Skip consumes one item of any type, recursing into containers.
func (d *Decoder) Skip() error {
	m, v, err := d.head()
	if err != nil {
		return err
	}
	switch m {
	case majUint, majNeg, majOther:
		return nil
	case majBytes, majText:
		if uint64(d.Remaining()) < v {
			return ErrEOD
		}
		d.pos += int(v)
		return nil
	case majArray:
		for i := uint64(0); i < v; i++ {
			if err := d.Skip(); err != nil {
				return err
			}
		}
		return nil
	case majMap:
		for i := uint64(0); i < 2*v; i++ {
			if err := d.Skip(); err != nil {
				return err
			}
		}
		return nil
	default:
		return ErrInvalid
	}
}
