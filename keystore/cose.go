package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	crand "crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/01org/dps-for-iot/internal/cbor"
)

// NonceLen is the length of a COSE_Encrypt0 nonce on this network.
const NonceLen = 13

// COSE header labels used in the unprotected map.
const (
	labelKeyID = 4
	labelNonce = 5
)

// ErrSeal is returned when an envelope cannot be sealed or opened.
var ErrSeal = errors.New("keystore: seal")

// Codec seals publication payloads into COSE_Encrypt0 envelopes and
// opens them again. Implementations look keys up by id at call time.
type Codec interface {
	Seal(id KeyID, nonce, aad, plaintext []byte) ([]byte, error)
	Open(envelope, aad []byte) (plaintext []byte, id KeyID, nonce []byte, err error)
}

type codec struct {
	ks KeyStore
}

// NewCodec returns a Codec sealing with AES-128-GCM under a key derived
// from the stored key with HKDF-SHA256.
func NewCodec(ks KeyStore) Codec {
	return codec{ks: ks}
}

func (c codec) derive(id KeyID) (cipher.AEAD, error) {
	key, err := c.ks.Key(id)
	if err != nil {
		return nil, err
	}
	if key.Type != KeySymmetric || len(key.Secret) == 0 {
		return nil, ErrMissing
	}
	derived := make([]byte, 16)
	r := hkdf.New(sha256.New, key.Secret, id, []byte("dps-content"))
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSeal, err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSeal, err)
	}
	return cipher.NewGCMWithNonceSize(block, NonceLen)
}

// Seal implements Codec.
func (c codec) Seal(id KeyID, nonce, aad, plaintext []byte) ([]byte, error) {
	if len(nonce) != NonceLen {
		return nil, fmt.Errorf("%w: nonce length %d", ErrSeal, len(nonce))
	}
	aead, err := c.derive(id)
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)

	var out []byte
	out = cbor.AppendArray(out, 3)
	out = cbor.AppendBytes(out, nil) // empty protected header
	out = cbor.AppendMap(out, 2)
	out = cbor.AppendUint(out, labelKeyID)
	out = cbor.AppendBytes(out, id)
	out = cbor.AppendUint(out, labelNonce)
	out = cbor.AppendBytes(out, nonce)
	out = cbor.AppendBytes(out, ct)
	return out, nil
}

// Open implements Codec.
func (c codec) Open(envelope, aad []byte) ([]byte, KeyID, []byte, error) {
	d := cbor.NewDecoder(envelope)
	n, err := d.DecodeArray()
	if err != nil || n != 3 {
		return nil, nil, nil, fmt.Errorf("%w: bad envelope", ErrSeal)
	}
	if _, err := d.DecodeBytes(); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: protected header", ErrSeal)
	}
	pairs, err := d.DecodeMap()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: unprotected header", ErrSeal)
	}
	var id KeyID
	var nonce []byte
	for i := 0; i < pairs; i++ {
		label, err := d.DecodeUint()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: header label", ErrSeal)
		}
		val, err := d.DecodeBytes()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: header value", ErrSeal)
		}
		switch label {
		case labelKeyID:
			id = KeyID(val)
		case labelNonce:
			nonce = val
		}
	}
	ct, err := d.DecodeBytes()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: ciphertext", ErrSeal)
	}
	if len(nonce) != NonceLen || len(id) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: incomplete header", ErrSeal)
	}
	aead, err := c.derive(id)
	if err != nil {
		return nil, nil, nil, err
	}
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrSeal, err)
	}
	return pt, id, nonce, nil
}

func fillRandom(b []byte) error {
	_, err := io.ReadFull(crand.Reader, b)
	return err
}
