// Package toktrie holds the token vocabulary shared by the constraint layer and
// the engine: token byte strings, the end-of-sequence token and the bitmask
// representation of token sets.
package toktrie

import (
	"errors"
	"fmt"
	"strings"
)

// TokenID indexes a token in the vocabulary.
type TokenID uint32

// TokTrie is an immutable vocabulary. It is safe for concurrent use.
type TokTrie struct {
	tokens  [][]byte
	special []bool
	eos     TokenID
	maxLen  int
	lookup  map[string]TokenID
}

// New builds a vocabulary from token byte strings. Tokens flagged in special
// are never produced by byte-level tokenization and render by name in debug
// output. eos must index a special token.
func New(tokens [][]byte, special []bool, eos TokenID) (*TokTrie, error) {
	if len(tokens) == 0 {
		return nil, errors.New("empty vocabulary")
	}
	if len(special) != len(tokens) {
		return nil, fmt.Errorf("special flags: got %d, want %d", len(special), len(tokens))
	}
	if int(eos) >= len(tokens) {
		return nil, fmt.Errorf("eos token %d outside vocabulary of %d", eos, len(tokens))
	}
	if !special[eos] {
		return nil, fmt.Errorf("eos token %d is not special", eos)
	}

	t := &TokTrie{
		tokens:  tokens,
		special: special,
		eos:     eos,
		lookup:  make(map[string]TokenID, len(tokens)),
	}
	for i, b := range tokens {
		if len(b) == 0 {
			return nil, fmt.Errorf("token %d is empty", i)
		}
		if special[i] {
			continue
		}
		if _, dup := t.lookup[string(b)]; dup {
			continue
		}
		t.lookup[string(b)] = TokenID(i)
		t.maxLen = max(t.maxLen, len(b))
	}
	return t, nil
}

// VocabSize returns the number of tokens.
func (t *TokTrie) VocabSize() int {
	return len(t.tokens)
}

// EOSToken returns the end-of-sequence token.
func (t *TokTrie) EOSToken() TokenID {
	return t.eos
}

// IsSpecial reports whether id is a special (non-text) token.
func (t *TokTrie) IsSpecial(id TokenID) bool {
	return int(id) < len(t.special) && t.special[id]
}

// TokenBytes returns the bytes of a token, or nil if id is out of range.
// The returned slice must not be modified.
func (t *TokTrie) TokenBytes(id TokenID) []byte {
	if int(id) >= len(t.tokens) {
		return nil
	}
	return t.tokens[id]
}

// Lookup returns the text token whose bytes equal b.
func (t *TokTrie) Lookup(b []byte) (TokenID, bool) {
	id, ok := t.lookup[string(b)]
	return id, ok
}

// Decode concatenates the bytes of the text tokens in ids. Special tokens are
// skipped.
func (t *TokTrie) Decode(ids []TokenID) []byte {
	var out []byte
	for _, id := range ids {
		if t.IsSpecial(id) {
			continue
		}
		out = append(out, t.TokenBytes(id)...)
	}
	return out
}

// TokensDbg renders tokens for log output, e.g. ⟦"ab", <|eos|>⟧.
func (t *TokTrie) TokensDbg(ids []TokenID) string {
	var sb strings.Builder
	sb.WriteString("⟦")
	for i, id := range ids {
		if i > 0 {
			sb.WriteString(", ")
		}
		switch {
		case int(id) >= len(t.tokens):
			fmt.Fprintf(&sb, "<invalid:%d>", id)
		case t.special[id]:
			sb.Write(t.tokens[id])
		default:
			fmt.Fprintf(&sb, "%q", t.tokens[id])
		}
	}
	sb.WriteString("⟧")
	return sb.String()
}

// SingletonTokenSet returns a set allowing only id.
func (t *TokTrie) SingletonTokenSet(id TokenID) TokenSet {
	s := NewTokenSet(t.VocabSize())
	s.Allow(id)
	return s
}

// FullTokenSet returns a set allowing every token.
func (t *TokTrie) FullTokenSet() TokenSet {
	s := NewTokenSet(t.VocabSize())
	s.AllowAll(t.VocabSize())
	return s
}
