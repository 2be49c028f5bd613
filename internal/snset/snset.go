// Package snset implements a compact ordered set of 32-bit sequence
// numbers as a bitmap over a sliding base.
package snset

// Set holds sequence numbers at or above a sliding base. The zero value
// is an empty set with base 0.
type Set struct {
	base  uint32
	words []uint64
}

// New returns an empty set with the given base.
func New(base uint32) *Set {
	return &Set{base: base}
}

// Base returns the current base. Numbers below the base are outside the
// set's window.
func (s *Set) Base() uint32 {
	return s.base
}

// SetBase moves the base without preserving membership. Used when a
// receiver first learns a publisher's range.
func (s *Set) SetBase(base uint32) {
	s.base = base
	s.words = nil
}

// Test reports whether sn is in the set.
func (s *Set) Test(sn uint32) bool {
	if sn < s.base {
		return false
	}
	off := sn - s.base
	w := int(off / 64)
	if w >= len(s.words) {
		return false
	}
	return s.words[w]&(1<<(off%64)) != 0
}

// Insert adds sn to the set. Numbers below the base are ignored.
func (s *Set) Insert(sn uint32) {
	if sn < s.base {
		return
	}
	off := sn - s.base
	w := int(off / 64)
	for len(s.words) <= w {
		s.words = append(s.words, 0)
	}
	s.words[w] |= 1 << (off % 64)
}

// Shrink advances the base to at least newBase, discarding membership
// below it. Numbers dropped this way are considered lost.
func (s *Set) Shrink(newBase uint32) {
	if newBase <= s.base {
		return
	}
	shift := newBase - s.base
	whole := int(shift / 64)
	if whole >= len(s.words) {
		s.words = nil
	} else {
		s.words = s.words[whole:]
		if rem := shift % 64; rem != 0 {
			carry := uint64(0)
			for i := len(s.words) - 1; i >= 0; i-- {
				next := s.words[i] << (64 - rem)
				s.words[i] = s.words[i]>>rem | carry
				carry = next
			}
		}
	}
	s.base = newBase
}

// Empty reports whether no numbers are in the set.
func (s *Set) Empty() bool {
	for _, w := range s.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of members.
func (s *Set) Count() int {
	n := 0
	s.Each(func(uint32) { n++ })
	return n
}

// Each calls fn for every member in ascending order.
func (s *Set) Each(fn func(sn uint32)) {
	for wi, w := range s.words {
		for b := 0; w != 0 && b < 64; b++ {
			if w&(1<<b) != 0 {
				fn(s.base + uint32(wi*64+b))
				w &^= 1 << b
			}
		}
	}
}

// Words returns the base and the backing bitmap for serialization.
func (s *Set) Words() (uint32, []uint64) {
	// Trim trailing zero words so the wire form is canonical.
	words := s.words
	for len(words) > 0 && words[len(words)-1] == 0 {
		words = words[:len(words)-1]
	}
	return s.base, words
}

// FromWords reconstructs a set from its serialized form.
func FromWords(base uint32, words []uint64) *Set {
	s := New(base)
	if len(words) > 0 {
		s.words = append([]uint64(nil), words...)
	}
	return s
}
