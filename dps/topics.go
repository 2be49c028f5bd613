package dps

import (
	"strings"

	"github.com/OneOfOne/xxhash"

	"github.com/01org/dps-for-iot/internal/bitvec"
)

// Wildcard tokens recognized in subscription topics.
const (
	wildOne = "+"
	wildAll = "#"
)

// prefixJoin is the canonical joiner for hashed topic prefixes. It
// cannot occur in a token because tokens never contain separators and
// NUL is rejected at validation.
const prefixJoin = "\x00"

func tokenize(topic, separators string) []string {
	return strings.FieldsFunc(topic, func(r rune) bool {
		return strings.ContainsRune(separators, r)
	})
}

// validateTopics checks topic syntax. Wildcards are only legal when
// allowWild is set (subscription side) and `#` only as the last token.
func validateTopics(topics []string, separators string, allowWild bool) error {
	if len(topics) == 0 {
		return ErrArgs
	}
	for _, t := range topics {
		if strings.Contains(t, prefixJoin) {
			return ErrInvalid
		}
		tokens := tokenize(t, separators)
		if len(tokens) == 0 {
			return ErrInvalid
		}
		for i, tok := range tokens {
			switch tok {
			case wildOne:
				if !allowWild {
					return ErrInvalid
				}
			case wildAll:
				if !allowWild || i != len(tokens)-1 {
					return ErrInvalid
				}
			}
		}
	}
	return nil
}

func hasWildcard(topic, separators string) bool {
	for _, tok := range tokenize(topic, separators) {
		if tok == wildOne || tok == wildAll {
			return true
		}
	}
	return false
}

func prefixHash(tokens []string) uint64 {
	return xxhash.ChecksumString64(strings.Join(tokens, prefixJoin))
}

// pubBitVector hashes every cumulative token prefix of every topic, plus
// the universal empty prefix so wildcard-only subscriptions still
// intersect.
func pubBitVector(topics []string, separators string, bits int) *bitvec.BitVector {
	bv, _ := bitvec.NewSize(bits, bitvec.DefaultHashes)
	bv.Set(prefixHash(nil))
	for _, t := range topics {
		tokens := tokenize(t, separators)
		for i := range tokens {
			bv.Set(prefixHash(tokens[:i+1]))
		}
	}
	return bv
}

// subBitVector hashes the cumulative prefixes up to the first wildcard
// token of each topic. A topic with a leading wildcard contributes only
// the universal prefix.
func subBitVector(topics []string, separators string, bits int) *bitvec.BitVector {
	bv, _ := bitvec.NewSize(bits, bitvec.DefaultHashes)
	for _, t := range topics {
		tokens := tokenize(t, separators)
		n := 0
		for _, tok := range tokens {
			if tok == wildOne || tok == wildAll {
				break
			}
			n++
		}
		if n == 0 {
			bv.Set(prefixHash(nil))
			continue
		}
		for i := 0; i < n; i++ {
			bv.Set(prefixHash(tokens[:i+1]))
		}
	}
	return bv
}

// needsVector reduces each subscription topic to its coarsest concrete
// token. The aggregate across subscriptions is intersected, so a
// publication that cannot supply a bit every interest requires is
// filtered upstream. Wildcard-first topics need only the universal bit.
func needsVector(topics []string, separators string) *bitvec.BitVector {
	bv := bitvec.NewNeeds()
	for _, t := range topics {
		tokens := tokenize(t, separators)
		if len(tokens) == 0 || tokens[0] == wildOne || tokens[0] == wildAll {
			bv.Set(prefixHash(nil))
			continue
		}
		bv.Set(prefixHash(tokens[:1]))
	}
	return bv
}

// pubNeedsVector is the publication side of the needs filter: the fuzz
// of every first token plus the universal bit, so wildcard-first
// subscriptions are always satisfiable.
func pubNeedsVector(topics []string, separators string) *bitvec.BitVector {
	bv := needsVector(topics, separators)
	bv.Set(prefixHash(nil))
	return bv
}

// matchTopic reports whether one subscription topic matches one
// publication topic. noWildCard publications refuse wildcard matches
// entirely.
func matchTopic(subTopic, pubTopic, separators string, noWildCard bool) bool {
	st := tokenize(subTopic, separators)
	pt := tokenize(pubTopic, separators)
	for i, tok := range st {
		switch tok {
		case wildAll:
			// `#` stands for one or more remaining tokens.
			return !noWildCard && i < len(pt)
		case wildOne:
			if noWildCard || i >= len(pt) {
				return false
			}
		default:
			if i >= len(pt) || pt[i] != tok {
				return false
			}
		}
	}
	return len(st) == len(pt)
}

// matchAll reports whether every subscription topic matches some
// publication topic.
func matchAll(subTopics, pubTopics []string, separators string, noWildCard bool) bool {
	for _, st := range subTopics {
		ok := false
		for _, pt := range pubTopics {
			if matchTopic(st, pt, separators, noWildCard) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
