package sim

import (
	"errors"
	"math/bits"

	"github.com/seantiz/guidance/internal/toktrie"
)

// ErrEmptyMask is returned by samplers when the mask allows no token.
var ErrEmptyMask = errors.New("mask allows no token")

// Sampler picks the next token from a mask. A nil mask allows every token.
type Sampler func(mask []uint32, temperature float32) (toktrie.TokenID, error)

// GreedySampler picks the lowest allowed token other than end-of-sequence,
// and end-of-sequence only when it is the sole choice. Unconstrained
// sequences therefore run until their token limit.
func GreedySampler(trie *toktrie.TokTrie) Sampler {
	eos := trie.EOSToken()
	full := trie.FullTokenSet()
	return func(mask []uint32, _ float32) (toktrie.TokenID, error) {
		set := toktrie.TokenSet(mask)
		if mask == nil {
			set = full
		}
		for i, w := range set {
			if i == int(eos/32) {
				w &^= 1 << (eos % 32)
			}
			if w != 0 {
				return toktrie.TokenID(i*32 + bits.TrailingZeros32(w)), nil
			}
		}
		if set.IsAllowed(eos) {
			return eos, nil
		}
		return 0, ErrEmptyMask
	}
}

// ScriptSampler replays script in order, one token per call, and then
// samples end-of-sequence. It ignores the mask; tests use it to feed the
// constraint layer tokens it did not allow.
func ScriptSampler(trie *toktrie.TokTrie, script []toktrie.TokenID) Sampler {
	next := 0
	return func([]uint32, float32) (toktrie.TokenID, error) {
		if next >= len(script) {
			return trie.EOSToken(), nil
		}
		tok := script[next]
		next++
		return tok, nil
	}
}
