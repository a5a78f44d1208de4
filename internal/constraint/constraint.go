// Package constraint builds the per-sequence grammar machines that decide
// which tokens may be sampled next.
package constraint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seantiz/guidance/internal/toktrie"
)

// CommitResult is the outcome of committing a sampled token.
type CommitResult struct {
	// Backtrack is the number of previously committed tokens to retract.
	Backtrack int
	// FFTokens are the tokens the machine advanced by, starting with the
	// committed one.
	FFTokens []toktrie.TokenID
	// Stop is set when the grammar is complete.
	Stop bool
}

// MaskResult is the outcome of computing the next mask. When Stop is set
// Mask is nil.
type MaskResult struct {
	Mask        toktrie.TokenSet
	Temperature float32
	Stop        bool
}

// IsStop reports whether generation must end.
func (r MaskResult) IsStop() bool {
	return r.Stop
}

// Constraint is a stateful grammar machine for one sequence. Calls must be
// serialized; the executor guarantees at most one goroutine holds an
// instance at a time.
type Constraint interface {
	// CommitToken advances the machine by tok. A nil tok commits nothing.
	CommitToken(tok *toktrie.TokenID) (CommitResult, error)
	// ComputeMask returns the tokens allowed next.
	ComputeMask() (MaskResult, error)
	// FlushLogs returns and clears the buffered log text.
	FlushLogs() string
	// Temperature is the sampling temperature requested by the grammar.
	Temperature() float32
	// TokTrie is the vocabulary the machine was built against.
	TokTrie() *toktrie.TokTrie
}

// CompileParams is everything a Compiler needs beyond the grammar itself.
type CompileParams struct {
	Env    *toktrie.TokEnv
	Limits ParserLimits
	Caps   InferenceCapabilities
	Logger *Logger
}

// Compiler turns a grammar document into a fresh machine.
type Compiler interface {
	Compile(grammar json.RawMessage, p CompileParams) (Constraint, error)
}

// Init describes the machine to build for one sequence.
type Init struct {
	Grammar  json.RawMessage
	IsChat   bool
	LogLevel LogLevel
}

// Manager is the constraint factory. It holds no mutable state and is safe
// for concurrent use.
type Manager struct {
	env      *toktrie.TokEnv
	chatEnv  *toktrie.TokEnv
	compiler Compiler
	cfg      Config
	logger   *slog.Logger
}

// NewManager creates a factory. chatEnv may be nil, in which case chat
// requests use env.
func NewManager(env, chatEnv *toktrie.TokEnv, compiler Compiler, cfg Config, logger *slog.Logger) (*Manager, error) {
	if env == nil {
		return nil, errors.New("tokenizer environment is required")
	}
	if compiler == nil {
		return nil, errors.New("grammar compiler is required")
	}
	if chatEnv == nil {
		chatEnv = env
	}
	if chatEnv.Trie().VocabSize() != env.Trie().VocabSize() {
		return nil, fmt.Errorf("chat vocabulary has %d tokens, plain has %d",
			chatEnv.Trie().VocabSize(), env.Trie().VocabSize())
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid constraint config: %w", err)
	}
	return &Manager{
		env:      env,
		chatEnv:  chatEnv,
		compiler: compiler,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Capabilities are fixed: the engine neither fast-forwards nor backtracks.
func (m *Manager) Capabilities() InferenceCapabilities {
	return InferenceCapabilities{FFTokens: false, Backtrack: false}
}

// Limits returns the effective parser limits.
func (m *Manager) Limits() ParserLimits {
	return m.cfg.Limits
}

// Env returns the tokenizer environment for a request.
func (m *Manager) Env(isChat bool) *toktrie.TokEnv {
	if isChat {
		return m.chatEnv
	}
	return m.env
}

// TokTrie returns the shared vocabulary.
func (m *Manager) TokTrie() *toktrie.TokTrie {
	return m.env.Trie()
}

// NewConstraint compiles init.Grammar into a fresh machine.
func (m *Manager) NewConstraint(init Init) (Constraint, error) {
	if len(init.Grammar) == 0 {
		return nil, errors.New("empty grammar")
	}
	c, err := m.compiler.Compile(init.Grammar, CompileParams{
		Env:    m.Env(init.IsChat),
		Limits: m.cfg.Limits,
		Caps:   m.Capabilities(),
		Logger: NewLogger(init.LogLevel, m.cfg.StderrLevel(), m.logger),
	})
	if err != nil {
		return nil, fmt.Errorf("compile grammar: %w", err)
	}
	return c, nil
}
