package constraint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/guidance/internal/toktrie"
)

// literalGrammar is the document accepted by LiteralCompiler:
//
//	{"literals": ["yes", "no"], "temperature": 0.7}
type literalGrammar struct {
	Literals    []string `json:"literals"`
	Temperature float32  `json:"temperature"`
}

// LiteralCompiler builds machines whose output must be exactly one of a set
// of literal strings.
type LiteralCompiler struct{}

// Compile implements Compiler.
func (LiteralCompiler) Compile(grammar json.RawMessage, p CompileParams) (Constraint, error) {
	var g literalGrammar
	dec := json.NewDecoder(bytes.NewReader(grammar))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&g); err != nil {
		return nil, fmt.Errorf("decode literal grammar: %w", err)
	}
	if len(g.Literals) == 0 {
		return nil, errors.New("literal grammar has no literals")
	}
	if len(g.Literals) > p.Limits.MaxItemsInRow {
		return nil, fmt.Errorf("literal grammar has %d alternatives, limit is %d", len(g.Literals), p.Limits.MaxItemsInRow)
	}
	if g.Temperature < 0 {
		return nil, fmt.Errorf("negative temperature %v", g.Temperature)
	}

	size := 0
	literals := make([][]byte, 0, len(g.Literals))
	for _, lit := range g.Literals {
		if lit == "" {
			return nil, errors.New("empty literal")
		}
		size += len(lit)
		literals = append(literals, []byte(lit))
	}
	if size > p.Limits.MaxGrammarSize {
		return nil, fmt.Errorf("grammar size %d exceeds limit %d", size, p.Limits.MaxGrammarSize)
	}

	log := p.Logger
	if log == nil {
		log = NewLogger(LogSilent, 0, nil)
	}
	log.Info("literal grammar: %d alternatives, %d bytes", len(literals), size)

	return &literalMachine{
		trie:         p.Env.Trie(),
		literals:     literals,
		temperature:  g.Temperature,
		stepMaxItems: p.Limits.StepMaxItems,
		log:          log,
	}, nil
}

type literalMachine struct {
	trie         *toktrie.TokTrie
	literals     [][]byte
	text         []byte
	temperature  float32
	stepMaxItems int
	log          *Logger
	stopped      bool
	steps        int
}

func (m *literalMachine) CommitToken(tok *toktrie.TokenID) (CommitResult, error) {
	if tok == nil {
		return CommitResult{}, nil
	}
	if m.stopped {
		return CommitResult{}, errors.New("commit after grammar stopped")
	}

	t := *tok
	res := CommitResult{FFTokens: []toktrie.TokenID{t}}
	dbg := m.trie.TokensDbg([]toktrie.TokenID{t})

	if t == m.trie.EOSToken() {
		if !m.complete() {
			m.log.Warn("end of sequence after %q, grammar incomplete", m.text)
			return CommitResult{}, fmt.Errorf("end of sequence before grammar is complete (text %q)", m.text)
		}
		m.stopped = true
		res.Stop = true
		m.log.Info("commit %s: stop", dbg)
		return res, nil
	}
	if m.trie.IsSpecial(t) {
		m.log.Warn("special token %s rejected", dbg)
		return CommitResult{}, fmt.Errorf("special token %s not allowed", dbg)
	}

	next := append(m.text[:len(m.text):len(m.text)], m.trie.TokenBytes(t)...)
	if len(m.live(next)) == 0 {
		m.log.Warn("token %s rejected after %q", dbg, m.text)
		return CommitResult{}, fmt.Errorf("token %s not allowed after %q", dbg, m.text)
	}
	m.text = next
	m.log.Info("commit %s -> %q", dbg, m.text)

	if m.complete() && !m.extendable() {
		m.stopped = true
		res.Stop = true
	}
	return res, nil
}

func (m *literalMachine) ComputeMask() (MaskResult, error) {
	if m.stopped {
		return MaskResult{Stop: true}, nil
	}
	m.steps++

	live := m.live(m.text)
	vocab := m.trie.VocabSize()
	set := toktrie.NewTokenSet(vocab)
	items := 0
	for i := range vocab {
		id := toktrie.TokenID(i)
		if m.trie.IsSpecial(id) {
			continue
		}
		tb := m.trie.TokenBytes(id)
		for _, lit := range live {
			items++
			if items > m.stepMaxItems {
				return MaskResult{}, fmt.Errorf("mask computation exceeded %d items", m.stepMaxItems)
			}
			if bytes.HasPrefix(lit[len(m.text):], tb) {
				set.Allow(id)
				break
			}
		}
	}
	if m.complete() {
		set.Allow(m.trie.EOSToken())
	}

	allowed := set.Count()
	m.log.Progress(map[string]any{"object": "mask", "step": m.steps, "allowed": allowed})
	switch {
	case allowed == 0:
		return MaskResult{}, fmt.Errorf("no tokens allowed after %q", m.text)
	case allowed == 1 && set.IsAllowed(m.trie.EOSToken()):
		m.stopped = true
		m.log.Info("grammar complete: %q", m.text)
		return MaskResult{Stop: true}, nil
	}
	return MaskResult{Mask: set, Temperature: m.temperature}, nil
}

func (m *literalMachine) FlushLogs() string {
	return m.log.Flush()
}

func (m *literalMachine) Temperature() float32 {
	return m.temperature
}

func (m *literalMachine) TokTrie() *toktrie.TokTrie {
	return m.trie
}

// live returns the literals that have prefix as a prefix.
func (m *literalMachine) live(prefix []byte) [][]byte {
	var out [][]byte
	for _, lit := range m.literals {
		if bytes.HasPrefix(lit, prefix) {
			out = append(out, lit)
		}
	}
	return out
}

func (m *literalMachine) complete() bool {
	for _, lit := range m.literals {
		if bytes.Equal(lit, m.text) {
			return true
		}
	}
	return false
}

func (m *literalMachine) extendable() bool {
	for _, lit := range m.literals {
		if len(lit) > len(m.text) && bytes.HasPrefix(lit, m.text) {
			return true
		}
	}
	return false
}
