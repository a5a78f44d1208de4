package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/guidance/internal/backend"
	"github.com/seantiz/guidance/internal/constraint"
	"github.com/seantiz/guidance/internal/engine"
	"github.com/seantiz/guidance/internal/model"
	"github.com/seantiz/guidance/internal/toktrie"
)

// fakeBackend records calls and replays pushed response batches.
type fakeBackend struct {
	mu         sync.Mutex
	cb         backend.LogitsCallback
	nextID     model.ReqID
	enqueued   []model.RequestInit
	cancels    []model.ReqID
	enqueueErr error
	cancelErr  error

	responses chan []model.ResponseChunk
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		nextID:    100,
		responses: make(chan []model.ResponseChunk, 64),
		closed:    make(chan struct{}),
	}
}

func (b *fakeBackend) open(cb backend.LogitsCallback) (backend.Backend, error) {
	b.cb = cb
	return b, nil
}

func (b *fakeBackend) Enqueue(init model.RequestInit) (model.ReqID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enqueueErr != nil {
		return 0, b.enqueueErr
	}
	b.enqueued = append(b.enqueued, init)
	id := b.nextID
	b.nextID += 10
	return id, nil
}

func (b *fakeBackend) Cancel(id model.ReqID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels = append(b.cancels, id)
	return b.cancelErr
}

func (b *fakeBackend) AwaitResponses(timeout time.Duration) ([]model.ResponseChunk, error) {
	select {
	case batch := <-b.responses:
		return batch, nil
	case <-b.closed:
		return nil, backend.ErrClosed
	case <-time.After(timeout):
		return nil, nil
	}
}

func (b *fakeBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: "fake"}
}

func (b *fakeBackend) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

func (b *fakeBackend) push(chunks ...model.ResponseChunk) {
	b.responses <- chunks
}

func (b *fakeBackend) enqueueCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.enqueued)
}

func (b *fakeBackend) cancelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cancels)
}

// fakeConstraint allows a single token every step and can be told to fail.
type fakeConstraint struct {
	trie  *toktrie.TokTrie
	allow toktrie.TokenID
	temp  float32

	// stopOnCommit makes the next commit report completion.
	stopOnCommit bool
	panicOnMask  bool
	maskErr      error
	backtrack    int
	extraFF      bool
	noFF         bool
	logLine      string

	// gate, when set, blocks ComputeMask until closed; entered is signalled first.
	gate    chan struct{}
	entered chan struct{}

	mu      sync.Mutex
	commits []toktrie.TokenID
	masks   int
}

func newFakeConstraint(trie *toktrie.TokTrie, allow toktrie.TokenID) *fakeConstraint {
	return &fakeConstraint{trie: trie, allow: allow, temp: 0.7}
}

func (c *fakeConstraint) CommitToken(tok *toktrie.TokenID) (constraint.CommitResult, error) {
	if tok == nil {
		return constraint.CommitResult{}, nil
	}
	c.mu.Lock()
	c.commits = append(c.commits, *tok)
	c.mu.Unlock()

	res := constraint.CommitResult{Backtrack: c.backtrack, FFTokens: []toktrie.TokenID{*tok}, Stop: c.stopOnCommit}
	if c.extraFF {
		res.FFTokens = append(res.FFTokens, *tok)
	}
	if c.noFF {
		res.FFTokens = nil
	}
	return res, nil
}

func (c *fakeConstraint) ComputeMask() (constraint.MaskResult, error) {
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	c.masks++
	c.mu.Unlock()

	if c.panicOnMask {
		panic("grammar exploded")
	}
	if c.maskErr != nil {
		return constraint.MaskResult{}, c.maskErr
	}
	return constraint.MaskResult{Mask: c.trie.SingletonTokenSet(c.allow), Temperature: c.temp}, nil
}

func (c *fakeConstraint) FlushLogs() string {
	l := c.logLine
	c.logLine = ""
	return l
}

func (c *fakeConstraint) Temperature() float32       { return c.temp }
func (c *fakeConstraint) TokTrie() *toktrie.TokTrie { return c.trie }

func (c *fakeConstraint) maskCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masks
}

func testTrie() *toktrie.TokTrie {
	return toktrie.DefaultEnv().Trie()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestExecutor(t *testing.T) (*engine.Executor, *fakeBackend) {
	t.Helper()
	b := newFakeBackend()
	e, err := engine.New(b.open, testTrie(), engine.Config{MaxBatchSize: 8}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, b
}

func startDrain(t *testing.T, e *engine.Executor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(func() {
		cancel()
		e.Close()
		e.Wait()
	})
}

func initFor(client model.ClientReqID, n int) model.RequestInit {
	return model.RequestInit{
		ClientReqID: client,
		Tokens:      []toktrie.TokenID{'h', 'i'},
		Params:      model.SamplingParams{NumReturnSequences: n},
	}
}

func entryFor(client model.ClientReqID, req, seq model.ReqID, tokens ...toktrie.TokenID) model.LogitsEntry {
	window := append([]toktrie.TokenID{'h', 'i'}, tokens...)
	return model.LogitsEntry{SeqID: seq, ReqID: req, ClientReqID: client, Tokens: window}
}

func isOnly(mask []uint32, tok toktrie.TokenID) bool {
	set := toktrie.TokenSet(mask)
	return set.Count() == 1 && set.IsAllowed(tok)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errBadGrammar = errors.New("bad grammar")
