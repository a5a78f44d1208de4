package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/guidance/internal/backend"
	"github.com/seantiz/guidance/internal/constraint"
	"github.com/seantiz/guidance/internal/maskpool"
	"github.com/seantiz/guidance/internal/model"
	"github.com/seantiz/guidance/internal/toktrie"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultMaxBatchSize = 64
	DefaultPollInterval = time.Millisecond
	DefaultErrorBackoff = 100 * time.Millisecond
)

var (
	// ErrGrammarCount is returned when a request carries a number of
	// constraints that is neither zero nor its sequence count.
	ErrGrammarCount = errors.New("constraint count must be 0 or match the number of sequences")

	// ErrDuplicateClientID is returned when a client id is already in the table.
	ErrDuplicateClientID = errors.New("client request id already in use")
)

// Config holds executor settings.
type Config struct {
	// MaxBatchSize is the largest batch the backend may pass to the mask
	// callback. It sizes the mask pool.
	MaxBatchSize int

	// PollInterval bounds each wait for backend output.
	PollInterval time.Duration

	// ErrorBackoff is the pause after a failed poll.
	ErrorBackoff time.Duration

	// RegisterGlobal installs the executor as the process-wide instance and
	// hands the backend LogitsProcessor instead of a method value.
	RegisterGlobal bool
}

// slot holds the constraint of one of a request's sequences. A nil llg on a
// slot that is not stopped means the machine is checked out.
type slot struct {
	llg     constraint.Constraint
	stopped bool
}

// reqData is the table entry for one request.
type reqData struct {
	reqID     model.ReqID
	clientID  model.ClientReqID
	stream    *Stream
	logs      string
	err       string
	slots     []slot
	bindings  map[model.ReqID]int
	promptLen int
}

// recordError keeps the first error reported for the request.
func (rd *reqData) recordError(msg string) {
	if rd.err == "" {
		rd.err = msg
	}
}

// Executor is the request table plus the mask callback and response drain
// loop that operate on it. All table state is guarded by mu, which is never
// held during constraint computation.
type Executor struct {
	cfg     Config
	backend backend.Backend
	trie    *toktrie.TokTrie
	logger  *slog.Logger

	pool     *maskpool.Allocator
	eosMask  []uint32
	fullMask []uint32

	mu          sync.Mutex
	reqToClient map[model.ReqID]model.ClientReqID
	reqData     map[model.ClientReqID]*reqData
	// cancelled holds ids removed by cancellation whose engine output may
	// still arrive. Entries are cleared by the request's final chunk.
	cancelled map[model.ReqID]struct{}

	wg sync.WaitGroup
}

// New creates an executor over the vocabulary trie and opens its backend,
// handing it the executor's mask callback.
func New(open backend.Opener, trie *toktrie.TokTrie, cfg Config, logger *slog.Logger) (*Executor, error) {
	if open == nil {
		return nil, errors.New("backend opener is required")
	}
	if trie == nil {
		return nil, errors.New("vocabulary is required")
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	e := &Executor{
		cfg:         cfg,
		trie:        trie,
		logger:      logger,
		pool:        maskpool.New(trie.VocabSize(), cfg.MaxBatchSize),
		eosMask:     trie.SingletonTokenSet(trie.EOSToken()),
		fullMask:    trie.FullTokenSet(),
		reqToClient: make(map[model.ReqID]model.ClientReqID),
		reqData:     make(map[model.ClientReqID]*reqData),
		cancelled:   make(map[model.ReqID]struct{}),
	}

	// The backend does not call back before its first step, so the global
	// instance can be installed once it has opened.
	cb := backend.LogitsCallback(e.processLogits)
	if cfg.RegisterGlobal {
		cb = LogitsProcessor
	}

	b, err := open(cb)
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	e.backend = b
	if cfg.RegisterGlobal {
		SetGlobal(e)
	}
	return e, nil
}

// Backend returns the engine the executor drives.
func (e *Executor) Backend() backend.Backend {
	return e.backend
}

// AddRequest enqueues a request with the engine and records it. constraints
// must be empty or hold one machine per sequence; slot i serves the sequence
// reported with SequenceIdx i. The returned stream yields the request's output.
func (e *Executor) AddRequest(init model.RequestInit, constraints []constraint.Constraint) (model.ReqID, *Stream, error) {
	n := init.Params.NumSequences()
	if len(constraints) != 0 && len(constraints) != n {
		return 0, nil, fmt.Errorf("%w: got %d for %d sequences", ErrGrammarCount, len(constraints), n)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.reqData[init.ClientReqID]; ok {
		return 0, nil, fmt.Errorf("%w: %d", ErrDuplicateClientID, init.ClientReqID)
	}

	reqID, err := e.backend.Enqueue(init)
	if err != nil {
		return 0, nil, fmt.Errorf("enqueue request: %w", err)
	}

	rd := &reqData{
		reqID:     reqID,
		clientID:  init.ClientReqID,
		stream:    newStream(),
		slots:     make([]slot, len(constraints)),
		bindings:  make(map[model.ReqID]int, len(constraints)),
		promptLen: len(init.Tokens),
	}
	for i, c := range constraints {
		rd.slots[i].llg = c
	}
	e.reqToClient[reqID] = init.ClientReqID
	e.reqData[init.ClientReqID] = rd
	activeRequests.Inc()

	e.logger.Debug("request added",
		"req_id", reqID,
		"client_req_id", init.ClientReqID,
		"sequences", n,
		"constraints", len(constraints),
	)
	return reqID, rd.stream, nil
}

// CancelRequest removes the request from the table and asks the engine to
// cancel it. The removal stands even when the engine call fails.
func (e *Executor) CancelRequest(reqID model.ReqID) error {
	e.mu.Lock()
	e.forgetLocked(reqID)
	e.mu.Unlock()

	return e.cancelEngine(reqID, reasonClient)
}

// ActiveRequests returns the number of requests in the table.
func (e *Executor) ActiveRequests() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.reqData)
}

// Close shuts down the backend, which ends the drain loop.
func (e *Executor) Close() error {
	if err := e.backend.Close(); err != nil {
		return fmt.Errorf("close backend: %w", err)
	}
	return nil
}

// forgetLocked removes a request from the table, ends its stream and
// remembers the id so late engine output is dropped quietly.
func (e *Executor) forgetLocked(reqID model.ReqID) {
	e.cancelled[reqID] = struct{}{}
	if rd := e.removeLocked(reqID); rd != nil {
		rd.stream.finish()
	}
}

// removeLocked deletes the request from both maps and returns its record.
func (e *Executor) removeLocked(reqID model.ReqID) *reqData {
	clientID, ok := e.reqToClient[reqID]
	if !ok {
		return nil
	}
	rd := e.reqData[clientID]
	delete(e.reqToClient, reqID)
	delete(e.reqData, clientID)
	activeRequests.Dec()
	return rd
}

// cancelEngine asks the backend to cancel reqID. It must be called without
// holding mu.
func (e *Executor) cancelEngine(reqID model.ReqID, reason string) error {
	cancellationsTotal.WithLabelValues(reason).Inc()
	if err := e.backend.Cancel(reqID); err != nil {
		// No final chunk will follow a failed cancel.
		e.mu.Lock()
		delete(e.cancelled, reqID)
		e.mu.Unlock()
		return fmt.Errorf("cancel request %d: %w", reqID, err)
	}
	e.logger.Info("request cancelled", "req_id", reqID, "reason", reason)
	return nil
}
