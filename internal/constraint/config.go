package constraint

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ParserLimits bound the work a constraint may do while compiling its grammar
// and on each step.
type ParserLimits struct {
	MaxItemsInRow          int    `yaml:"max_items_in_row" json:"max_items_in_row"`
	InitialLexerFuel       uint64 `yaml:"initial_lexer_fuel" json:"initial_lexer_fuel"`
	StepLexerFuel          uint64 `yaml:"step_lexer_fuel" json:"step_lexer_fuel"`
	StepMaxItems           int    `yaml:"step_max_items" json:"step_max_items"`
	MaxLexerStates         int    `yaml:"max_lexer_states" json:"max_lexer_states"`
	MaxGrammarSize         int    `yaml:"max_grammar_size" json:"max_grammar_size"`
	PrecomputeLargeLexemes bool   `yaml:"precompute_large_lexemes" json:"precompute_large_lexemes"`
}

// DefaultParserLimits returns the limits used when the configuration does
// not override them.
func DefaultParserLimits() ParserLimits {
	return ParserLimits{
		MaxItemsInRow:          2000,
		InitialLexerFuel:       1_000_000,
		StepLexerFuel:          200_000,
		StepMaxItems:           50_000,
		MaxLexerStates:         250_000,
		MaxGrammarSize:         500_000,
		PrecomputeLargeLexemes: true,
	}
}

const defaultStderrLevel = 1

// InferenceCapabilities describe what the engine can do with constraint
// output beyond a plain token mask.
type InferenceCapabilities struct {
	FFTokens  bool `json:"ff_tokens"`
	Backtrack bool `json:"backtrack"`
}

// Config is the constraint section of the server configuration.
type Config struct {
	Limits ParserLimits `yaml:"limits"`

	// LogLevel mirrors constraint logs at or below this verbosity to the
	// process logger: 0 silent, 1 warnings, 2 verbose. Nil means 1.
	// Per-sequence in-memory logs are chosen per request.
	LogLevel *int `yaml:"log_level"`
}

// StderrLevel returns the effective process log verbosity.
func (c Config) StderrLevel() int {
	if c.LogLevel == nil {
		return defaultStderrLevel
	}
	return *c.LogLevel
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Limits: DefaultParserLimits(),
	}
}

// LoadConfig parses a YAML (or JSON) document over DefaultConfig. Only the
// fields present in data override defaults. Unknown fields are rejected.
func LoadConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse constraint config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadConfigFile loads the configuration from path.
func ReadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read constraint config: %w", err)
	}
	return LoadConfig(data)
}

// Validate reports every out-of-range field.
func (c Config) Validate() error {
	var errs []error
	if c.Limits.MaxItemsInRow <= 0 {
		errs = append(errs, errors.New("limits.max_items_in_row must be positive"))
	}
	if c.Limits.StepMaxItems <= 0 {
		errs = append(errs, errors.New("limits.step_max_items must be positive"))
	}
	if c.Limits.MaxLexerStates <= 0 {
		errs = append(errs, errors.New("limits.max_lexer_states must be positive"))
	}
	if c.Limits.MaxGrammarSize <= 0 {
		errs = append(errs, errors.New("limits.max_grammar_size must be positive"))
	}
	if c.LogLevel != nil && (*c.LogLevel < 0 || *c.LogLevel > 2) {
		errs = append(errs, fmt.Errorf("log_level %d out of range [0, 2]", *c.LogLevel))
	}
	return errors.Join(errs...)
}
