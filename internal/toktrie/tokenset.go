package toktrie

import "math/bits"

// TokenSet is a vocabulary-sized bitmask, 32 tokens per word, token i at bit
// i%32 of word i/32.
type TokenSet []uint32

// Words returns the number of words needed for a vocabulary of n tokens.
func Words(n int) int {
	return (n + 31) / 32
}

// NewTokenSet returns an empty set for a vocabulary of n tokens.
func NewTokenSet(n int) TokenSet {
	return make(TokenSet, Words(n))
}

// Allow adds id to the set.
func (s TokenSet) Allow(id TokenID) {
	s[id/32] |= 1 << (id % 32)
}

// Disallow removes id from the set.
func (s TokenSet) Disallow(id TokenID) {
	s[id/32] &^= 1 << (id % 32)
}

// IsAllowed reports whether id is in the set.
func (s TokenSet) IsAllowed(id TokenID) bool {
	w := int(id / 32)
	return w < len(s) && s[w]&(1<<(id%32)) != 0
}

// AllowAll adds the first n tokens.
func (s TokenSet) AllowAll(n int) {
	for i := range s {
		s[i] = ^uint32(0)
	}
	if rem := n % 32; rem != 0 && len(s) > 0 {
		s[len(s)-1] = (1 << rem) - 1
	}
}

// Count returns the number of allowed tokens.
func (s TokenSet) Count() int {
	n := 0
	for _, w := range s {
		n += bits.OnesCount32(w)
	}
	return n
}

// First returns the lowest allowed token.
func (s TokenSet) First() (TokenID, bool) {
	for i, w := range s {
		if w != 0 {
			return TokenID(i*32 + bits.TrailingZeros32(w)), true
		}
	}
	return 0, false
}
