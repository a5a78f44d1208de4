package toktrie

import (
	"fmt"
	"sort"
)

// EOSName is the text of the end-of-sequence token in the built-in vocabularies.
const EOSName = "<|eos|>"

// Chat role markers recognised by the chat environment.
const (
	ChatStart = "<|im_start|>"
	ChatEnd   = "<|im_end|>"
)

// defaultWords are multi-byte tokens layered over the byte vocabulary so that
// common text does not tokenize one byte at a time.
var defaultWords = []string{
	"the", "and", "yes", "no", "true", "false", "null",
	"name", "value", "type", "id", "user", "assistant", "system",
	"{\"", "\":", "\",", "\"}", "\": \"", "  ", "\n\n",
	"ing", "tion", "er", "re", "on", "an", "in", "th", "es",
}

// TokEnv couples a vocabulary with a tokenizer. The chat variant maps
// chat-template marker text to its special tokens; the plain variant treats
// that text as ordinary bytes.
type TokEnv struct {
	trie    *TokTrie
	markers map[string]TokenID
}

// NewEnv builds a byte-level vocabulary: tokens 0..255 are single bytes,
// followed by words, then the specials, then EOS. When chat is set the
// tokenizer recognises special token text in its input.
func NewEnv(words, specials []string, chat bool) (*TokEnv, error) {
	tokens := make([][]byte, 0, 256+len(words)+len(specials)+1)
	for b := range 256 {
		tokens = append(tokens, []byte{byte(b)})
	}
	for _, w := range words {
		if len(w) < 2 {
			return nil, fmt.Errorf("word %q duplicates a byte token", w)
		}
		tokens = append(tokens, []byte(w))
	}
	special := make([]bool, len(tokens), cap(tokens))
	for _, s := range specials {
		tokens = append(tokens, []byte(s))
		special = append(special, true)
	}
	tokens = append(tokens, []byte(EOSName))
	special = append(special, true)

	trie, err := New(tokens, special, TokenID(len(tokens)-1))
	if err != nil {
		return nil, fmt.Errorf("build vocabulary: %w", err)
	}

	env := &TokEnv{trie: trie}
	if chat {
		env.markers = make(map[string]TokenID, len(specials))
		for i := range specials {
			env.markers[specials[i]] = TokenID(256 + len(words) + i)
		}
	}
	return env, nil
}

// DefaultEnv returns the built-in plain vocabulary.
func DefaultEnv() *TokEnv {
	env, err := NewEnv(defaultWords, []string{ChatStart, ChatEnd}, false)
	if err != nil {
		panic(err)
	}
	return env
}

// DefaultChatEnv returns the built-in vocabulary with chat markers enabled.
// It shares token ids with DefaultEnv.
func DefaultChatEnv() *TokEnv {
	env, err := NewEnv(defaultWords, []string{ChatStart, ChatEnd}, true)
	if err != nil {
		panic(err)
	}
	return env
}

// Trie returns the environment's vocabulary.
func (e *TokEnv) Trie() *TokTrie {
	return e.trie
}

// IsChat reports whether the tokenizer recognises chat markers.
func (e *TokEnv) IsChat() bool {
	return e.markers != nil
}

// Tokenize splits s greedily into the longest matching tokens.
func (e *TokEnv) Tokenize(s []byte) []TokenID {
	markers := e.sortedMarkers()
	out := make([]TokenID, 0, len(s))
	for i := 0; i < len(s); {
		if id, n, ok := matchMarker(s[i:], markers, e.markers); ok {
			out = append(out, id)
			i += n
			continue
		}
		n := min(e.trie.maxLen, len(s)-i)
		for ; n > 1; n-- {
			if _, ok := e.trie.lookup[string(s[i:i+n])]; ok {
				break
			}
		}
		out = append(out, e.trie.lookup[string(s[i:i+n])])
		i += n
	}
	return out
}

func (e *TokEnv) sortedMarkers() []string {
	if len(e.markers) == 0 {
		return nil
	}
	names := make([]string, 0, len(e.markers))
	for name := range e.markers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	return names
}

func matchMarker(s []byte, names []string, ids map[string]TokenID) (TokenID, int, bool) {
	for _, name := range names {
		if len(s) >= len(name) && string(s[:len(name)]) == name {
			return ids[name], len(name), true
		}
	}
	return 0, 0, false
}
