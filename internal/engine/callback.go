package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/guidance/internal/constraint"
	"github.com/seantiz/guidance/internal/model"
	"github.com/seantiz/guidance/internal/toktrie"
)

var (
	// ErrBacktrackUnsupported is recorded when a constraint asks to retract tokens.
	ErrBacktrackUnsupported = errors.New("constraint requested backtracking, which the engine does not support")

	// ErrFastForwardUnsupported is recorded when a constraint advances by
	// anything other than exactly the committed token.
	ErrFastForwardUnsupported = errors.New("constraint requested fast-forward tokens, which the engine does not support")

	// ErrConstraintPanic wraps a panic raised inside a constraint.
	ErrConstraintPanic = errors.New("constraint panicked")
)

// debugWindow is how many trailing tokens are rendered in debug logs.
const debugWindow = 8

// pendingSeq is one sequence checked out for mask computation. The fields
// below the blank line are written only by the goroutine computing it.
type pendingSeq struct {
	entryIdx  int
	slotIdx   int
	seqID     model.ReqID
	clientID  model.ClientReqID
	promptLen int
	tokens    []toktrie.TokenID
	llg       constraint.Constraint

	mask        []uint32
	temperature float32
	stop        bool
	logs        string
	err         error
}

// processLogits is the batch mask callback. The engine is blocked until it
// returns, and every entry leaves with a non-nil Mask.
func (e *Executor) processLogits(entries []model.LogitsEntry) {
	start := time.Now()

	pending := e.checkOut(entries)
	e.compute(pending)
	e.checkIn(entries, pending)

	for i := range entries {
		if entries[i].Mask == nil {
			entries[i].Mask = e.copyMask(e.eosMask)
		}
	}

	callbackDuration.Observe(time.Since(start).Seconds())
	callbackSequences.Observe(float64(len(pending)))
}

// checkOut binds new sequences to slots and moves each sequence's machine
// out of its slot. Entries that need no computation get their mask here.
func (e *Executor) checkOut(entries []model.LogitsEntry) []*pendingSeq {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pool.Reset()

	var pending []*pendingSeq
	var unbound []int
	for i := range entries {
		ent := &entries[i]
		rd, ok := e.reqData[ent.ClientReqID]
		if !ok {
			// Cancelled while the engine still had it in flight.
			ent.Mask = e.copyMask(e.eosMask)
			continue
		}
		if len(rd.slots) == 0 {
			ent.Mask = e.copyMask(e.fullMask)
			continue
		}
		if idx, ok := rd.bindings[ent.SeqID]; ok {
			pending = e.takeLocked(pending, i, ent, rd, idx)
			continue
		}
		unbound = append(unbound, i)
	}

	// Sequences of one request can first appear in any order; binding them in
	// id order keeps the slot assignment reproducible.
	slices.SortFunc(unbound, func(a, b int) int {
		return cmp.Compare(entries[a].SeqID, entries[b].SeqID)
	})
	for _, i := range unbound {
		ent := &entries[i]
		rd := e.reqData[ent.ClientReqID]
		if _, dup := rd.bindings[ent.SeqID]; dup {
			ent.Mask = e.copyMask(e.eosMask)
			rd.recordError(fmt.Sprintf("sequence %d appeared twice in one batch", ent.SeqID))
			continue
		}
		idx := len(rd.bindings)
		if idx >= len(rd.slots) {
			ent.Mask = e.copyMask(e.eosMask)
			rd.recordError(fmt.Sprintf("sequence %d has no constraint slot (request has %d)", ent.SeqID, len(rd.slots)))
			sequenceErrors.Inc()
			continue
		}
		rd.bindings[ent.SeqID] = idx
		e.logger.Debug("sequence bound", "req_id", rd.reqID, "seq_id", ent.SeqID, "slot", idx)
		pending = e.takeLocked(pending, i, ent, rd, idx)
	}
	return pending
}

// takeLocked detaches the machine in slot idx into a new pending item. A
// stopped slot, or one whose machine is already out, gets the end-of-sequence
// mask and is not computed.
func (e *Executor) takeLocked(pending []*pendingSeq, i int, ent *model.LogitsEntry, rd *reqData, idx int) []*pendingSeq {
	s := &rd.slots[idx]
	if s.stopped || s.llg == nil {
		ent.Mask = e.copyMask(e.eosMask)
		return pending
	}
	p := &pendingSeq{
		entryIdx:  i,
		slotIdx:   idx,
		seqID:     ent.SeqID,
		clientID:  ent.ClientReqID,
		promptLen: rd.promptLen,
		tokens:    ent.Tokens,
		llg:       s.llg,
	}
	s.llg = nil
	return append(pending, p)
}

// compute runs every pending item in parallel. Items share nothing but the
// mask pool, which hands out disjoint buffers.
func (e *Executor) compute(pending []*pendingSeq) {
	if len(pending) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, p := range pending {
		g.Go(func() error {
			e.computeOne(p)
			return nil
		})
	}
	_ = g.Wait()
}

// computeOne advances one machine. Any error or panic is contained here: the
// item's partial output is discarded and the sequence is forced to end.
func (e *Executor) computeOne(p *pendingSeq) {
	if err := e.guard(p, func() error { return e.advance(p) }); err != nil {
		p.err = err
		p.mask = nil
		p.temperature = 0
		p.stop = true
		e.logger.Warn("constraint failed; forcing end of sequence", "seq_id", p.seqID, "error", err)
	}

	if err := e.guard(p, func() error {
		p.logs = p.llg.FlushLogs()
		return nil
	}); err != nil {
		if p.err == nil {
			p.err = err
		}
		p.mask = nil
		p.temperature = 0
		p.stop = true
	}

	if p.mask == nil {
		p.mask = e.copyMask(e.eosMask)
	}
}

func (e *Executor) advance(p *pendingSeq) error {
	if e.logger.Enabled(context.Background(), slog.LevelDebug) {
		tail := p.tokens[max(0, len(p.tokens)-debugWindow):]
		e.logger.Debug("computing mask", "seq_id", p.seqID, "tokens", p.llg.TokTrie().TokensDbg(tail))
	}

	if len(p.tokens) > p.promptLen {
		tok := p.tokens[len(p.tokens)-1]
		res, err := p.llg.CommitToken(&tok)
		if err != nil {
			return fmt.Errorf("commit token: %w", err)
		}
		if res.Backtrack != 0 {
			return fmt.Errorf("%w (backtrack %d)", ErrBacktrackUnsupported, res.Backtrack)
		}
		// A machine may finish without echoing the committed token.
		if res.Stop {
			p.stop = true
			return nil
		}
		if len(res.FFTokens) != 1 || res.FFTokens[0] != tok {
			return fmt.Errorf("%w (committed %d, got %v)", ErrFastForwardUnsupported, tok, res.FFTokens)
		}
	}

	res, err := p.llg.ComputeMask()
	if err != nil {
		return fmt.Errorf("compute mask: %w", err)
	}
	if res.IsStop() {
		p.stop = true
		return nil
	}
	if len(res.Mask) != e.pool.Words() {
		return fmt.Errorf("mask has %d words, want %d", len(res.Mask), e.pool.Words())
	}

	buf, err := e.pool.Allocate()
	if err != nil {
		return fmt.Errorf("allocate mask: %w", err)
	}
	copy(buf, res.Mask)
	p.mask = buf
	p.temperature = p.llg.Temperature()
	return nil
}

// copyMask returns src in a buffer of its own, so an engine editing one
// entry's mask cannot affect another entry or a later step.
func (e *Executor) copyMask(src []uint32) []uint32 {
	buf, err := e.pool.Allocate()
	if err != nil {
		// Batch larger than the pool.
		return slices.Clone(src)
	}
	copy(buf, src)
	return buf
}

// guard runs fn, converting a panic into an error. The stack goes to the
// process log only.
func (e *Executor) guard(p *pendingSeq, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("constraint panic", "seq_id", p.seqID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrConstraintPanic, r)
		}
	}()
	return fn()
}

// checkIn writes results into the entries and returns machines to their
// slots. Results for requests removed in the meantime are dropped.
func (e *Executor) checkIn(entries []model.LogitsEntry, pending []*pendingSeq) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range pending {
		ent := &entries[p.entryIdx]
		ent.Mask = p.mask
		ent.Temperature = p.temperature

		rd, ok := e.reqData[p.clientID]
		if !ok {
			e.logger.Warn("dropping mask result for removed request", "seq_id", p.seqID, "client_req_id", p.clientID)
			droppedTotal.WithLabelValues(reasonVanished).Inc()
			continue
		}

		s := &rd.slots[p.slotIdx]
		s.llg = p.llg
		if p.stop {
			s.stopped = true
		}
		rd.logs += p.logs
		if p.err != nil {
			rd.recordError(p.err.Error())
			sequenceErrors.Inc()
		}
	}
}
