package dps

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	require.Equal(t, []string{"a", "b", "c"}, tokenize("a/b/c", "/"))
	require.Equal(t, []string{"a", "b", "c"}, tokenize("a/b.c", "/."))
	require.Equal(t, []string{"a"}, tokenize("//a//", "/"))
	require.Empty(t, tokenize("///", "/"))
}

func TestValidateTopics(t *testing.T) {
	require.NoError(t, validateTopics([]string{"a/b"}, "/", false))
	require.ErrorIs(t, validateTopics(nil, "/", false), ErrArgs)
	require.ErrorIs(t, validateTopics([]string{"///"}, "/", false), ErrInvalid)

	// Wildcards are subscription-side syntax.
	require.ErrorIs(t, validateTopics([]string{"a/+/c"}, "/", false), ErrInvalid)
	require.ErrorIs(t, validateTopics([]string{"a/#"}, "/", false), ErrInvalid)
	require.NoError(t, validateTopics([]string{"a/+/c"}, "/", true))
	require.NoError(t, validateTopics([]string{"a/#"}, "/", true))

	// `#` is only legal as the last token.
	require.ErrorIs(t, validateTopics([]string{"a/#/c"}, "/", true), ErrInvalid)
}

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		sub, pub string
		noWild   bool
		want     bool
	}{
		{"a/b/c", "a/b/c", false, true},
		{"a/b/c", "a/b", false, false},
		{"a/b", "a/b/c", false, false},
		{"a/+/c", "a/b/c", false, true},
		{"a/+/c", "a/b/d", false, false},
		{"a/+", "a/b/c", false, false},
		{"a/#", "a/b/c", false, true},
		{"a/#", "a", false, false},
		{"#", "anything/at/all", false, true},
		{"+/b", "a/b", false, true},
		{"a/b/c", "a/b/c", true, true},
		{"a/+/c", "a/b/c", true, false},
		{"a/#", "a/b", true, false},
	}
	for _, c := range cases {
		got := matchTopic(c.sub, c.pub, "/", c.noWild)
		require.Equal(t, c.want, got, "sub=%q pub=%q noWild=%v", c.sub, c.pub, c.noWild)
	}
}

func TestMatchAll(t *testing.T) {
	pub := []string{"a/b", "x/y"}
	require.True(t, matchAll([]string{"a/b"}, pub, "/", false))
	require.True(t, matchAll([]string{"a/b", "x/+"}, pub, "/", false))
	require.False(t, matchAll([]string{"a/b", "z"}, pub, "/", false))
}

func TestSubVectorIntersectsPubVector(t *testing.T) {
	bits := 8192
	pub := pubBitVector([]string{"a/b/c"}, "/", bits)

	require.True(t, pub.Includes(subBitVector([]string{"a/b/c"}, "/", bits)))
	require.True(t, pub.Intersects(subBitVector([]string{"a/+/c"}, "/", bits)))
	require.True(t, pub.Intersects(subBitVector([]string{"#"}, "/", bits)))
	require.False(t, pub.Intersects(subBitVector([]string{"x/y"}, "/", bits)))
}

func TestNeedsCoverage(t *testing.T) {
	pubNeeds := pubNeedsVector([]string{"a/b/c"}, "/")
	require.True(t, pubNeeds.Includes(needsVector([]string{"a/anything"}, "/")))
	require.False(t, pubNeeds.Includes(needsVector([]string{"b/c"}, "/")))
	// Wildcard-first subscriptions only need the universal bit, which
	// every publication supplies.
	wild := needsVector([]string{"+/x"}, "/")
	require.True(t, pubNeeds.Includes(wild))
}
