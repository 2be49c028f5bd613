package dps

import (
	crand "crypto/rand"
	"encoding/binary"
	mrand "math/rand"

	"github.com/google/uuid"
)

// uuidSource generates this node's UUID stream. Each node seeds its own
// generator from the platform entropy source so that two nodes in one
// process produce independent streams.
type uuidSource struct {
	rnd *mrand.Rand
}

func newUUIDSource() *uuidSource {
	var seed [8]byte
	if _, err := crand.Read(seed[:]); err != nil {
		// Entropy failures fall back to a fixed seed; the stream is still
		// usable for tests but not unique across nodes.
		binary.LittleEndian.PutUint64(seed[:], uint64(uintptr(len(seed))))
	}
	return &uuidSource{rnd: mrand.New(mrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))}
}

// New returns a version 4 UUID from this node's stream.
func (s *uuidSource) New() uuid.UUID {
	var u uuid.UUID
	s.rnd.Read(u[:])
	u[6] = (u[6] & 0x0F) | 0x40
	u[8] = (u[8] & 0x3F) | 0x80
	return u
}
