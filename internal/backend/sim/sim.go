// Package sim is an in-process continuous-batching engine. Each step it asks
// the mask callback for token masks, samples one token per active sequence
// and queues a response chunk for each.
package sim

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/guidance/internal/backend"
	"github.com/seantiz/guidance/internal/model"
	"github.com/seantiz/guidance/internal/toktrie"
)

// Name is the registry name of the simulated engine.
const Name = "sim"

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultMaxBatchSize = 64
	DefaultMaxNewTokens = 256
)

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Engine)(nil)

// Config holds configuration for the simulated engine.
type Config struct {
	// Trie is the vocabulary sequences are sampled from. Required.
	Trie *toktrie.TokTrie

	// MaxBatchSize caps the sequences advanced per step, in admission order.
	MaxBatchSize int

	// DefaultMaxNewTokens applies to requests that do not set MaxNewTokens.
	DefaultMaxNewTokens int

	// StepInterval is the pause between automatic steps. Zero disables the
	// background stepper; callers drive the engine with Step.
	StepInterval time.Duration

	// Sampler picks the next token. Defaults to GreedySampler.
	Sampler Sampler

	Logger *slog.Logger
}

type sequence struct {
	id          model.ReqID
	parent      model.ReqID
	idx         int
	client      model.ClientReqID
	tokens      []toktrie.TokenID
	promptLen   int
	maxNew      int
	temperature float32
	done        bool
}

type request struct {
	id        model.ReqID
	seqs      []*sequence
	remaining int
}

// Engine is the simulated engine.
type Engine struct {
	cfg Config
	cb  backend.LogitsCallback

	// stepMu serializes steps; mu guards the state below and is never held
	// while the callback runs.
	stepMu sync.Mutex

	mu        sync.Mutex
	nextID    model.ReqID
	active    []*sequence
	requests  map[model.ReqID]*request
	responses []model.ResponseChunk
	closed    bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates an engine that calls cb on every step. cb may be nil, in which
// case sampling is unconstrained.
func New(cfg Config, cb backend.LogitsCallback) (*Engine, error) {
	if cfg.Trie == nil {
		return nil, errors.New("sim: vocabulary is required")
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.DefaultMaxNewTokens <= 0 {
		cfg.DefaultMaxNewTokens = DefaultMaxNewTokens
	}
	if cfg.Sampler == nil {
		cfg.Sampler = GreedySampler(cfg.Trie)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	e := &Engine{
		cfg:      cfg,
		cb:       cb,
		nextID:   1,
		requests: make(map[model.ReqID]*request),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if cfg.StepInterval > 0 {
		e.wg.Go(e.run)
	}
	return e, nil
}

// Opener returns a backend.Opener that builds engines from cfg.
func Opener(cfg Config) backend.Opener {
	return func(cb backend.LogitsCallback) (backend.Backend, error) {
		return New(cfg, cb)
	}
}

// Capabilities implements backend.Backend.
func (e *Engine) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:         Name,
		MaxBatchSize: e.cfg.MaxBatchSize,
		VocabSize:    e.cfg.Trie.VocabSize(),
	}
}

// Enqueue implements backend.Backend. The first sequence of a request shares
// the request's id; every further sequence gets a fresh, larger id.
func (e *Engine) Enqueue(init model.RequestInit) (model.ReqID, error) {
	if len(init.Tokens) == 0 {
		return 0, errors.New("sim: empty prompt")
	}
	for _, tok := range init.Tokens {
		if int(tok) >= e.cfg.Trie.VocabSize() {
			return 0, fmt.Errorf("sim: prompt token %d outside vocabulary", tok)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, backend.ErrClosed
	}

	maxNew := init.Params.MaxNewTokens
	if maxNew <= 0 {
		maxNew = e.cfg.DefaultMaxNewTokens
	}

	n := init.Params.NumSequences()
	req := &request{id: e.nextID, remaining: n}
	for i := range n {
		s := &sequence{
			id:          e.nextID,
			parent:      req.id,
			idx:         i,
			client:      init.ClientReqID,
			tokens:      slices.Clone(init.Tokens),
			promptLen:   len(init.Tokens),
			maxNew:      maxNew,
			temperature: init.Params.Temperature,
		}
		e.nextID++
		req.seqs = append(req.seqs, s)
		e.active = append(e.active, s)
	}
	e.requests[req.id] = req
	activeSequences.Add(float64(n))

	e.cfg.Logger.Debug("sim: request enqueued", "req_id", req.id, "sequences", n, "prompt_tokens", len(init.Tokens))
	return req.id, nil
}

// Cancel implements backend.Backend. Every unfinished sequence receives a
// cancelled chunk; the last one is final for the request.
func (e *Engine) Cancel(id model.ReqID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.requests[id]
	if !ok {
		return fmt.Errorf("sim: cancel %d: %w", id, backend.ErrUnknownRequest)
	}

	for _, s := range req.seqs {
		if s.done {
			continue
		}
		e.finishLocked(req, s, model.ResponseChunk{
			ReqID:        req.id,
			SequenceIdx:  s.idx,
			FinishReason: model.FinishCancelled,
		})
	}
	e.signal()
	return nil
}

// AwaitResponses implements backend.Backend.
func (e *Engine) AwaitResponses(timeout time.Duration) ([]model.ResponseChunk, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		e.mu.Lock()
		if len(e.responses) > 0 {
			out := e.responses
			e.responses = nil
			e.mu.Unlock()
			return out, nil
		}
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return nil, backend.ErrClosed
		}

		select {
		case <-e.notify:
		case <-e.done:
		case <-timer.C:
			return nil, nil
		}
	}
}

// Step runs one batch step and returns the number of sequences advanced.
func (e *Engine) Step() int {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	e.mu.Lock()
	batch := make([]*sequence, 0, min(len(e.active), e.cfg.MaxBatchSize))
	for _, s := range e.active {
		if len(batch) == e.cfg.MaxBatchSize {
			break
		}
		batch = append(batch, s)
	}
	entries := make([]model.LogitsEntry, len(batch))
	for i, s := range batch {
		entries[i] = model.LogitsEntry{
			SeqID:       s.id,
			ReqID:       s.parent,
			ClientReqID: s.client,
			Tokens:      slices.Clone(s.tokens),
			Temperature: s.temperature,
		}
	}
	e.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	start := time.Now()
	if e.cb != nil {
		e.cb(entries)
	}
	maskWait.Observe(time.Since(start).Seconds())
	stepsTotal.Inc()
	batchSize.Observe(float64(len(batch)))

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, s := range batch {
		if s.done {
			continue
		}
		req := e.requests[s.parent]
		ent := entries[i]

		if e.cb != nil && ent.Mask == nil {
			e.finishLocked(req, s, model.ResponseChunk{
				ReqID:        req.id,
				SequenceIdx:  s.idx,
				FinishReason: model.FinishEOS,
				Error:        "mask callback left entry without a mask",
			})
			continue
		}

		tok, err := e.cfg.Sampler(ent.Mask, ent.Temperature)
		if err != nil {
			e.finishLocked(req, s, model.ResponseChunk{
				ReqID:        req.id,
				SequenceIdx:  s.idx,
				FinishReason: model.FinishEOS,
				Error:        fmt.Sprintf("sample: %v", err),
			})
			continue
		}
		s.tokens = append(s.tokens, tok)

		chunk := model.ResponseChunk{ReqID: req.id, SequenceIdx: s.idx}
		switch {
		case tok == e.cfg.Trie.EOSToken():
			chunk.FinishReason = model.FinishEOS
		case len(s.tokens)-s.promptLen >= s.maxNew:
			chunk.Tokens = []toktrie.TokenID{tok}
			chunk.FinishReason = model.FinishLength
		default:
			chunk.Tokens = []toktrie.TokenID{tok}
			e.responses = append(e.responses, chunk)
			continue
		}
		e.finishLocked(req, s, chunk)
	}
	e.signal()
	return len(batch)
}

// finishLocked marks s done and queues its final chunk, flagging the request
// final when s was its last running sequence.
func (e *Engine) finishLocked(req *request, s *sequence, chunk model.ResponseChunk) {
	s.done = true
	req.remaining--
	chunk.IsSeqFinal = true
	if req.remaining == 0 {
		chunk.IsReqFinal = true
		delete(e.requests, req.id)
	}
	e.active = slices.DeleteFunc(e.active, func(a *sequence) bool { return a == s })
	activeSequences.Dec()
	e.responses = append(e.responses, chunk)
}

// ActiveSequences returns the number of unfinished sequences.
func (e *Engine) ActiveSequences() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Close implements backend.Backend.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	activeSequences.Sub(float64(len(e.active)))
	e.active = nil
	e.mu.Unlock()

	close(e.done)
	e.wg.Wait()
	return nil
}

func (e *Engine) run() {
	ticker := time.NewTicker(e.cfg.StepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.Step()
		}
	}
}

func (e *Engine) signal() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}
