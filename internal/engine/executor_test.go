package engine_test

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/seantiz/guidance/internal/backend"
	"github.com/seantiz/guidance/internal/backend/sim"
	"github.com/seantiz/guidance/internal/constraint"
	"github.com/seantiz/guidance/internal/engine"
	"github.com/seantiz/guidance/internal/model"
	"github.com/seantiz/guidance/internal/toktrie"
)

func recv(t *testing.T, s *engine.Stream) *engine.StepResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := s.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return r
}

func expectEOF(t *testing.T, s *engine.Stream) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if r, err := s.Recv(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("Recv = %+v, %v; want io.EOF", r, err)
	}
}

func TestAddRequestRejectsGrammarCountMismatch(t *testing.T) {
	e, b := newTestExecutor(t)
	trie := testTrie()

	tests := []struct {
		name string
		n    int
		k    int
	}{
		{"fewer than sequences", 2, 1},
		{"more than sequences", 1, 2},
		{"more than default single sequence", 0, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := make([]constraint.Constraint, tt.k)
			for i := range cs {
				cs[i] = newFakeConstraint(trie, 'a')
			}
			_, _, err := e.AddRequest(initFor(1, tt.n), cs)
			if !errors.Is(err, engine.ErrGrammarCount) {
				t.Errorf("error = %v, want ErrGrammarCount", err)
			}
		})
	}

	if b.enqueueCount() != 0 {
		t.Errorf("backend received %d requests, want 0", b.enqueueCount())
	}
	if e.ActiveRequests() != 0 {
		t.Errorf("ActiveRequests = %d, want 0", e.ActiveRequests())
	}
}

func TestAddRequestEnqueueFailure(t *testing.T) {
	e, b := newTestExecutor(t)
	b.enqueueErr = errors.New("engine full")

	_, _, err := e.AddRequest(initFor(1, 1), nil)
	if !errors.Is(err, b.enqueueErr) {
		t.Errorf("error = %v, want wrapped enqueue error", err)
	}
	if e.ActiveRequests() != 0 {
		t.Error("failed enqueue left a record behind")
	}
}

func TestAddRequestDuplicateClientID(t *testing.T) {
	e, _ := newTestExecutor(t)

	if _, _, err := e.AddRequest(initFor(1, 1), nil); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if _, _, err := e.AddRequest(initFor(1, 1), nil); !errors.Is(err, engine.ErrDuplicateClientID) {
		t.Errorf("error = %v, want ErrDuplicateClientID", err)
	}
}

func TestSlotAssignmentByAscendingSequenceID(t *testing.T) {
	e, b := newTestExecutor(t)
	trie := testTrie()
	cs := []*fakeConstraint{
		newFakeConstraint(trie, 'a'),
		newFakeConstraint(trie, 'b'),
		newFakeConstraint(trie, 'c'),
	}

	r, _, err := e.AddRequest(initFor(1, 3), []constraint.Constraint{cs[0], cs[1], cs[2]})
	if err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	want := map[model.ReqID]toktrie.TokenID{r: 'a', r + 1: 'b', r + 2: 'c'}

	entries := []model.LogitsEntry{
		entryFor(1, r, r+2),
		entryFor(1, r, r),
		entryFor(1, r, r+1),
	}
	b.cb(entries)
	for _, ent := range entries {
		if !isOnly(ent.Mask, want[ent.SeqID]) {
			t.Errorf("seq %d mask does not allow only %q", ent.SeqID, rune(want[ent.SeqID]))
		}
		if ent.Temperature != 0.7 {
			t.Errorf("seq %d temperature = %v, want 0.7", ent.SeqID, ent.Temperature)
		}
	}

	// Bindings are permanent whatever order later steps use.
	entries = []model.LogitsEntry{
		entryFor(1, r, r+1, 'b'),
		entryFor(1, r, r, 'a'),
		entryFor(1, r, r+2, 'c'),
	}
	b.cb(entries)
	for _, ent := range entries {
		if !isOnly(ent.Mask, want[ent.SeqID]) {
			t.Errorf("step 2: seq %d bound to the wrong slot", ent.SeqID)
		}
	}
	for i, c := range cs {
		if len(c.commits) != 1 || c.commits[0] != want[r+model.ReqID(i)] {
			t.Errorf("constraint %d commits = %v", i, c.commits)
		}
	}
}

func TestRequestWithoutConstraintsGetsFullMask(t *testing.T) {
	e, b := newTestExecutor(t)
	r, _, _ := e.AddRequest(initFor(1, 1), nil)

	entries := []model.LogitsEntry{entryFor(1, r, r)}
	b.cb(entries)
	if got := toktrie.TokenSet(entries[0].Mask).Count(); got != testTrie().VocabSize() {
		t.Errorf("allowed = %d, want full vocabulary", got)
	}
}

func TestUnknownRequestGetsEOSMask(t *testing.T) {
	_, b := newTestExecutor(t)

	entries := []model.LogitsEntry{entryFor(99, 5, 5)}
	b.cb(entries)
	if !isOnly(entries[0].Mask, testTrie().EOSToken()) {
		t.Error("entry of unknown request should get the eos-only mask")
	}
}

func TestDegenerateMasksAreNotShared(t *testing.T) {
	e, b := newTestExecutor(t)
	trie := testTrie()
	r, _, _ := e.AddRequest(initFor(1, 1), nil)

	entries := []model.LogitsEntry{entryFor(99, 5, 5), entryFor(98, 6, 6), entryFor(1, r, r)}
	b.cb(entries)

	// An engine scribbling over one mask must not leak into another.
	for i := range entries[0].Mask {
		entries[0].Mask[i] = 0
	}
	entries[2].Mask[0] = 0
	if !isOnly(entries[1].Mask, trie.EOSToken()) {
		t.Error("editing one eos-only mask changed a sibling's")
	}

	entries = []model.LogitsEntry{entryFor(99, 5, 5), entryFor(1, r, r)}
	b.cb(entries)
	if !isOnly(entries[0].Mask, trie.EOSToken()) {
		t.Error("editing an eos-only mask changed the next step's")
	}
	if got := toktrie.TokenSet(entries[1].Mask).Count(); got != trie.VocabSize() {
		t.Errorf("full mask allows %d tokens after an edit, want %d", got, trie.VocabSize())
	}
}

func TestExtraSequenceGetsEOSMask(t *testing.T) {
	e, b := newTestExecutor(t)
	startDrain(t, e)
	trie := testTrie()

	r, s, _ := e.AddRequest(initFor(1, 1), []constraint.Constraint{newFakeConstraint(trie, 'a')})
	entries := []model.LogitsEntry{entryFor(1, r, r), entryFor(1, r, r+1)}
	b.cb(entries)

	if !isOnly(entries[0].Mask, 'a') {
		t.Error("first sequence should be constrained")
	}
	if !isOnly(entries[1].Mask, trie.EOSToken()) {
		t.Error("sequence without a slot should get the eos-only mask")
	}

	b.push(model.ResponseChunk{ReqID: r, Tokens: []toktrie.TokenID{'a'}})
	if res := recv(t, s); !strings.Contains(res.Response.Error, "no constraint slot") {
		t.Errorf("error = %q, want slot error", res.Response.Error)
	}
}

func TestFaultIsolation(t *testing.T) {
	e, b := newTestExecutor(t)
	startDrain(t, e)
	trie := testTrie()

	good1 := newFakeConstraint(trie, 'a')
	bad := newFakeConstraint(trie, 'b')
	bad.panicOnMask = true
	good2 := newFakeConstraint(trie, 'c')

	r1, s1, _ := e.AddRequest(initFor(1, 1), []constraint.Constraint{good1})
	r2, s2, _ := e.AddRequest(initFor(2, 1), []constraint.Constraint{bad})
	r3, s3, _ := e.AddRequest(initFor(3, 1), []constraint.Constraint{good2})

	entries := []model.LogitsEntry{entryFor(1, r1, r1), entryFor(2, r2, r2), entryFor(3, r3, r3)}
	b.cb(entries)

	if !isOnly(entries[0].Mask, 'a') || !isOnly(entries[2].Mask, 'c') {
		t.Error("healthy sequences were affected by a sibling's fault")
	}
	if !isOnly(entries[1].Mask, trie.EOSToken()) {
		t.Error("faulted sequence should get the eos-only mask")
	}
	if entries[1].Temperature != 0 {
		t.Errorf("faulted temperature = %v, want 0", entries[1].Temperature)
	}

	b.push(
		model.ResponseChunk{ReqID: r1, Tokens: []toktrie.TokenID{'a'}},
		model.ResponseChunk{ReqID: r2, Tokens: []toktrie.TokenID{trie.EOSToken()}},
		model.ResponseChunk{ReqID: r3, Tokens: []toktrie.TokenID{'c'}},
	)
	if res := recv(t, s1); res.Response.Error != "" {
		t.Errorf("request 1 error = %q, want none", res.Response.Error)
	}
	if res := recv(t, s2); !strings.Contains(res.Response.Error, engine.ErrConstraintPanic.Error()) {
		t.Errorf("request 2 error = %q, want panic error", res.Response.Error)
	}
	if res := recv(t, s3); res.Response.Error != "" {
		t.Errorf("request 3 error = %q, want none", res.Response.Error)
	}
}

func TestConstraintErrorStopsSlot(t *testing.T) {
	e, b := newTestExecutor(t)
	startDrain(t, e)
	trie := testTrie()

	c := newFakeConstraint(trie, 'a')
	c.maskErr = errBadGrammar
	r, s, _ := e.AddRequest(initFor(1, 1), []constraint.Constraint{c})

	entries := []model.LogitsEntry{entryFor(1, r, r)}
	b.cb(entries)
	if !isOnly(entries[0].Mask, trie.EOSToken()) {
		t.Error("failing constraint should yield the eos-only mask")
	}

	entries = []model.LogitsEntry{entryFor(1, r, r, 'x')}
	b.cb(entries)
	if !isOnly(entries[0].Mask, trie.EOSToken()) {
		t.Error("stopped slot should keep yielding the eos-only mask")
	}
	if c.maskCount() != 1 {
		t.Errorf("ComputeMask called %d times, want 1", c.maskCount())
	}

	b.push(model.ResponseChunk{ReqID: r, FinishReason: model.FinishEOS, IsSeqFinal: true, IsReqFinal: true})
	res := recv(t, s)
	if !strings.Contains(res.Response.Error, errBadGrammar.Error()) {
		t.Errorf("error = %q, want %q", res.Response.Error, errBadGrammar)
	}
	expectEOF(t, s)
}

func TestUnsupportedCommitResults(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeConstraint)
		want  error
	}{
		{"backtrack", func(c *fakeConstraint) { c.backtrack = 1 }, engine.ErrBacktrackUnsupported},
		{"fast-forward", func(c *fakeConstraint) { c.extraFF = true }, engine.ErrFastForwardUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, b := newTestExecutor(t)
			startDrain(t, e)
			trie := testTrie()

			c := newFakeConstraint(trie, 'a')
			tt.setup(c)
			r, s, _ := e.AddRequest(initFor(1, 1), []constraint.Constraint{c})

			entries := []model.LogitsEntry{entryFor(1, r, r, 'a')}
			b.cb(entries)
			if !isOnly(entries[0].Mask, trie.EOSToken()) {
				t.Error("unsupported commit result should yield the eos-only mask")
			}

			b.push(model.ResponseChunk{ReqID: r})
			if res := recv(t, s); !strings.Contains(res.Response.Error, tt.want.Error()) {
				t.Errorf("error = %q, want %q", res.Response.Error, tt.want)
			}
		})
	}
}

func TestStopWithoutFastForwardIsNotAnError(t *testing.T) {
	e, b := newTestExecutor(t)
	startDrain(t, e)
	trie := testTrie()

	c := newFakeConstraint(trie, 'a')
	c.stopOnCommit = true
	c.noFF = true
	r, s, _ := e.AddRequest(initFor(1, 1), []constraint.Constraint{c})

	entries := []model.LogitsEntry{entryFor(1, r, r, 'a')}
	b.cb(entries)
	if !isOnly(entries[0].Mask, trie.EOSToken()) {
		t.Error("completed grammar should yield the eos-only mask")
	}
	if c.maskCount() != 0 {
		t.Errorf("ComputeMask called %d times after stop, want 0", c.maskCount())
	}

	b.push(model.ResponseChunk{ReqID: r, Tokens: []toktrie.TokenID{'a'}})
	if res := recv(t, s); res.Response.Error != "" {
		t.Errorf("error = %q, want none for a normal completion", res.Response.Error)
	}
}

func TestMasksIdenticalAcrossSteps(t *testing.T) {
	e, b := newTestExecutor(t)
	c := newFakeConstraint(testTrie(), 'q')
	r, _, _ := e.AddRequest(initFor(1, 1), []constraint.Constraint{c})

	step := func() []uint32 {
		entries := []model.LogitsEntry{entryFor(1, r, r)}
		b.cb(entries)
		return entries[0].Mask
	}

	first := slices.Clone(step())
	second := step()
	if !slices.Equal(first, second) {
		t.Error("mask changed across steps without a commit")
	}
	if len(c.commits) != 0 {
		t.Errorf("commits = %v, want none while the window holds only the prompt", c.commits)
	}
}

func TestStoppedSlotNotRecomputed(t *testing.T) {
	e, b := newTestExecutor(t)
	trie := testTrie()
	c := newFakeConstraint(trie, 'a')
	c.stopOnCommit = true
	r, _, _ := e.AddRequest(initFor(1, 1), []constraint.Constraint{c})

	steps := [][]toktrie.TokenID{nil, {'a'}, {'a', 'a'}}
	for i, generated := range steps {
		entries := []model.LogitsEntry{entryFor(1, r, r, generated...)}
		b.cb(entries)
		if i > 0 && !isOnly(entries[0].Mask, trie.EOSToken()) {
			t.Errorf("step %d: want eos-only mask after stop", i)
		}
	}
	if c.maskCount() != 1 {
		t.Errorf("ComputeMask called %d times, want 1", c.maskCount())
	}
	if len(c.commits) != 1 {
		t.Errorf("commits = %v, want exactly one", c.commits)
	}
}

func TestCancelRequest(t *testing.T) {
	e, b := newTestExecutor(t)
	startDrain(t, e)
	trie := testTrie()

	r, s, _ := e.AddRequest(initFor(1, 1), []constraint.Constraint{newFakeConstraint(trie, 'a')})
	r2, s2, _ := e.AddRequest(initFor(2, 1), nil)

	if err := e.CancelRequest(r); err != nil {
		t.Fatalf("CancelRequest: %v", err)
	}
	if e.ActiveRequests() != 1 {
		t.Errorf("ActiveRequests = %d, want 1", e.ActiveRequests())
	}
	if b.cancelCount() != 1 {
		t.Errorf("engine cancels = %d, want 1", b.cancelCount())
	}
	expectEOF(t, s)

	entries := []model.LogitsEntry{entryFor(1, r, r)}
	b.cb(entries)
	if !isOnly(entries[0].Mask, trie.EOSToken()) {
		t.Error("in-flight sequence of a cancelled request should get the eos-only mask")
	}

	// Late output for the cancelled request is dropped without a new cancel.
	b.push(
		model.ResponseChunk{ReqID: r, Tokens: []toktrie.TokenID{'a'}},
		model.ResponseChunk{ReqID: r, FinishReason: model.FinishCancelled, IsSeqFinal: true, IsReqFinal: true},
	)
	b.push(model.ResponseChunk{ReqID: r2, Tokens: []toktrie.TokenID{'z'}})
	recv(t, s2)
	if b.cancelCount() != 1 {
		t.Errorf("engine cancels = %d after late output, want 1", b.cancelCount())
	}

	// Cancelling again still reaches the engine.
	if err := e.CancelRequest(r); err != nil {
		t.Errorf("second CancelRequest: %v", err)
	}
	if b.cancelCount() != 2 {
		t.Errorf("engine cancels = %d, want 2", b.cancelCount())
	}
}

func TestCancelRequestBackendError(t *testing.T) {
	e, b := newTestExecutor(t)
	b.cancelErr = errors.New("engine unreachable")

	r, _, _ := e.AddRequest(initFor(1, 1), nil)
	if err := e.CancelRequest(r); !errors.Is(err, b.cancelErr) {
		t.Errorf("error = %v, want wrapped engine error", err)
	}
	if e.ActiveRequests() != 0 {
		t.Error("record should stay removed when the engine cancel fails")
	}
}

func TestDroppedReceiverCancelsOnce(t *testing.T) {
	e, b := newTestExecutor(t)
	startDrain(t, e)

	r, s, _ := e.AddRequest(initFor(1, 1), nil)
	r2, s2, _ := e.AddRequest(initFor(2, 1), nil)
	s.Close()

	b.push(model.ResponseChunk{ReqID: r, Tokens: []toktrie.TokenID{'a'}})
	waitFor(t, "engine cancel", func() bool { return b.cancelCount() == 1 })

	b.push(
		model.ResponseChunk{ReqID: r, Tokens: []toktrie.TokenID{'b'}},
		model.ResponseChunk{ReqID: r, FinishReason: model.FinishCancelled, IsSeqFinal: true, IsReqFinal: true},
	)
	b.push(model.ResponseChunk{ReqID: r2})
	recv(t, s2)

	if b.cancelCount() != 1 {
		t.Errorf("engine cancels = %d, want exactly 1", b.cancelCount())
	}
	if b.cancels[0] != r {
		t.Errorf("cancelled %d, want %d", b.cancels[0], r)
	}
	if e.ActiveRequests() != 1 {
		t.Errorf("ActiveRequests = %d, want 1", e.ActiveRequests())
	}
}

func TestUnknownResponseCancelsEngineRequest(t *testing.T) {
	e, b := newTestExecutor(t)
	startDrain(t, e)

	b.push(model.ResponseChunk{ReqID: 4242, Tokens: []toktrie.TokenID{'a'}})
	waitFor(t, "engine cancel", func() bool { return b.cancelCount() == 1 })

	// The cancellation's own final chunk does not trigger another cancel.
	b.push(model.ResponseChunk{ReqID: 4242, FinishReason: model.FinishCancelled, IsSeqFinal: true, IsReqFinal: true})
	r, s, _ := e.AddRequest(initFor(1, 1), nil)
	b.push(model.ResponseChunk{ReqID: r})
	recv(t, s)
	if b.cancelCount() != 1 {
		t.Errorf("engine cancels = %d, want 1", b.cancelCount())
	}
}

func TestRequestRemovedDuringCompute(t *testing.T) {
	e, b := newTestExecutor(t)
	c := newFakeConstraint(testTrie(), 'a')
	c.gate = make(chan struct{})
	c.entered = make(chan struct{}, 1)
	r, _, _ := e.AddRequest(initFor(1, 1), []constraint.Constraint{c})

	entries := []model.LogitsEntry{entryFor(1, r, r)}
	done := make(chan struct{})
	go func() {
		b.cb(entries)
		close(done)
	}()

	<-c.entered
	// The table lock is free while masks are computed.
	if err := e.CancelRequest(r); err != nil {
		t.Fatalf("CancelRequest: %v", err)
	}
	close(c.gate)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not return")
	}
	if !isOnly(entries[0].Mask, 'a') {
		t.Error("computed mask should still be written for the engine")
	}
}

func TestStepResultCarriesLogsAndFinalConstraint(t *testing.T) {
	e, b := newTestExecutor(t)
	startDrain(t, e)

	c := newFakeConstraint(testTrie(), 'a')
	c.logLine = "step one\n"
	r, s, _ := e.AddRequest(initFor(1, 1), []constraint.Constraint{c})

	b.cb([]model.LogitsEntry{entryFor(1, r, r)})
	b.push(model.ResponseChunk{ReqID: r, Tokens: []toktrie.TokenID{'a'}})

	res := recv(t, s)
	if got := res.TakeLogs(); got != "step one\n" {
		t.Errorf("logs = %q, want %q", got, "step one\n")
	}
	if res.Logs != "" {
		t.Error("TakeLogs should leave Logs empty")
	}
	if res.FinalConstraint != nil {
		t.Error("unfinished chunk should not carry the constraint")
	}

	b.push(model.ResponseChunk{ReqID: r, FinishReason: model.FinishEOS, IsSeqFinal: true, IsReqFinal: true})
	res = recv(t, s)
	if res.FinalConstraint != constraint.Constraint(c) {
		t.Error("final chunk should carry the sequence's constraint")
	}
	if res.Logs != "" {
		t.Errorf("logs = %q, want none", res.Logs)
	}
	expectEOF(t, s)
	if e.ActiveRequests() != 0 {
		t.Error("finished request still in the table")
	}
}

// countingConstraint counts mask computations of the wrapped constraint.
type countingConstraint struct {
	constraint.Constraint
	mu    sync.Mutex
	masks int
}

func (c *countingConstraint) ComputeMask() (constraint.MaskResult, error) {
	c.mu.Lock()
	c.masks++
	c.mu.Unlock()
	return c.Constraint.ComputeMask()
}

func (c *countingConstraint) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masks
}

func TestEndToEndWithSimEngine(t *testing.T) {
	env := toktrie.DefaultEnv()
	trie := env.Trie()

	mgr, err := constraint.NewManager(env, nil, constraint.LiteralCompiler{}, constraint.DefaultConfig(), testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	var eng *sim.Engine
	open := func(cb backend.LogitsCallback) (backend.Backend, error) {
		var err error
		eng, err = sim.New(sim.Config{Trie: trie}, cb)
		return eng, err
	}
	e, err := engine.New(open, trie, engine.Config{}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startDrain(t, e)

	lit, err := mgr.NewConstraint(constraint.Init{Grammar: []byte(`{"literals":["abc"]}`)})
	if err != nil {
		t.Fatalf("NewConstraint: %v", err)
	}
	c := &countingConstraint{Constraint: lit}

	init := model.RequestInit{
		ClientReqID: 1,
		Tokens:      env.Tokenize([]byte("Say abc: ")),
		Params:      model.SamplingParams{MaxNewTokens: 10},
	}
	_, s, err := e.AddRequest(init, []constraint.Constraint{c})
	if err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	for i, want := range []toktrie.TokenID{'a', 'b', 'c'} {
		if n := eng.Step(); n != 1 {
			t.Fatalf("step %d advanced %d sequences", i, n)
		}
		res := recv(t, s)
		if len(res.Response.Tokens) != 1 || res.Response.Tokens[0] != want {
			t.Fatalf("step %d tokens = %v, want [%q]", i, res.Response.Tokens, rune(want))
		}
		if res.Response.Finished() {
			t.Fatalf("step %d finished early", i)
		}
	}

	eng.Step()
	res := recv(t, s)
	if res.Response.FinishReason != model.FinishEOS || !res.Response.IsReqFinal {
		t.Errorf("final chunk = %+v, want request-final eos", res.Response)
	}
	if res.Response.Error != "" {
		t.Errorf("error = %q, want none", res.Response.Error)
	}
	if res.FinalConstraint != constraint.Constraint(c) {
		t.Error("final result should carry the constraint")
	}
	expectEOF(t, s)

	if eng.Step() != 0 {
		t.Error("engine still has active sequences")
	}
	if c.count() != 3 {
		t.Errorf("ComputeMask called %d times, want 3", c.count())
	}
}

func TestGlobalExecutor(t *testing.T) {
	engine.ResetGlobal()
	t.Cleanup(engine.ResetGlobal)

	assertPanics(t, "Global before SetGlobal", func() { engine.Global() })

	b := newFakeBackend()
	e, err := engine.New(b.open, testTrie(), engine.Config{RegisterGlobal: true}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	if engine.Global() != e {
		t.Error("Global should return the registered executor")
	}

	r, _, _ := e.AddRequest(initFor(1, 1), nil)
	entries := []model.LogitsEntry{entryFor(1, r, r)}
	b.cb(entries)
	if entries[0].Mask == nil {
		t.Error("callback handed to the backend did not reach the executor")
	}

	entries[0].Mask = nil
	engine.LogitsProcessor(entries)
	if entries[0].Mask == nil {
		t.Error("LogitsProcessor did not reach the executor")
	}

	assertPanics(t, "second SetGlobal", func() { engine.SetGlobal(e) })
}

func TestFailedOpenLeavesGlobalUnset(t *testing.T) {
	engine.ResetGlobal()
	t.Cleanup(engine.ResetGlobal)

	boom := errors.New("engine unavailable")
	failing := func(backend.LogitsCallback) (backend.Backend, error) { return nil, boom }
	if _, err := engine.New(failing, testTrie(), engine.Config{RegisterGlobal: true}, testLogger()); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapped open error", err)
	}
	assertPanics(t, "Global after failed open", func() { engine.Global() })

	b := newFakeBackend()
	e, err := engine.New(b.open, testTrie(), engine.Config{RegisterGlobal: true}, testLogger())
	if err != nil {
		t.Fatalf("New after failed open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	if engine.Global() != e {
		t.Error("Global should return the executor that opened")
	}
}

func assertPanics(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", what)
		}
	}()
	fn()
}

func TestMetricsRegistered(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	expected := []string{
		"guidance_mask_callback_seconds",
		"guidance_mask_callback_sequences",
		"guidance_sequence_errors_total",
		"guidance_active_requests",
		"guidance_cancellations_total",
		"guidance_dropped_results_total",
	}

	found := make(map[string]bool)
	for _, fam := range families {
		found[fam.GetName()] = true
	}
	for _, name := range expected {
		if !found[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestReasonLabelsPreinitialized(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	want := map[string][]string{
		"guidance_cancellations_total":   {"client", "disconnect", "unknown_request"},
		"guidance_dropped_results_total": {"cancelled_request", "vanished_request", "unknown_request"},
	}
	byName := make(map[string]*dto.MetricFamily)
	for _, fam := range families {
		byName[fam.GetName()] = fam
	}

	for name, reasons := range want {
		fam := byName[name]
		if fam == nil {
			t.Errorf("metric family %q not found", name)
			continue
		}
		seen := make(map[string]bool)
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "reason" {
					seen[lp.GetValue()] = true
				}
			}
		}
		for _, r := range reasons {
			if !seen[r] {
				t.Errorf("%s missing reason=%q", name, r)
			}
		}
	}
}
