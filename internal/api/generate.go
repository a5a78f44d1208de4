package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/seantiz/guidance/internal/constraint"
	"github.com/seantiz/guidance/internal/engine"
	"github.com/seantiz/guidance/internal/model"
	"github.com/seantiz/guidance/internal/store"
	"github.com/seantiz/guidance/internal/toktrie"
)

// generation is a validated request ready to hand to the executor.
type generation struct {
	record      *model.Request
	init        model.RequestInit
	constraints []constraint.Constraint
	trie        *toktrie.TokTrie
}

// chunkEvent is the SSE payload for one response chunk.
type chunkEvent struct {
	Index        int               `json:"index"`
	Tokens       []toktrie.TokenID `json:"tokens"`
	Text         string            `json:"text"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// start submits the generation to the executor and records it as running.
func (s *Server) start(ctx context.Context, gen *generation) (*engine.Stream, error) {
	clientID := model.ClientReqID(s.nextClientID.Add(1))
	gen.init.ClientReqID = clientID

	reqID, stream, err := s.executor.AddRequest(gen.init, gen.constraints)
	if err != nil {
		return nil, fmt.Errorf("add request: %w", err)
	}

	gen.record.ClientReqID = clientID
	gen.record.EngineReqID = reqID
	if err := s.store.CreateRequest(ctx, gen.record); err != nil {
		stream.Close()
		if cerr := s.executor.CancelRequest(reqID); cerr != nil {
			s.logger.Warn("cancel unrecorded request", "req_id", reqID, "error", cerr)
		}
		return nil, fmt.Errorf("create request record: %w", err)
	}
	if err := s.store.UpdateRequestStatus(ctx, gen.record.ID, model.StatusRunning); err != nil {
		s.logger.Warn("mark request running", "id", gen.record.ID, "error", err)
	}

	s.mu.Lock()
	s.active[gen.record.ID] = reqID
	s.mu.Unlock()

	s.logger.Info("generation started",
		"id", gen.record.ID,
		"req_id", reqID,
		"client_req_id", clientID,
		"sequences", gen.record.NumSequences,
		"grammars", gen.record.Grammars,
	)
	return stream, nil
}

func (s *Server) lookupActive(id string) (model.ReqID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqID, ok := s.active[id]
	return reqID, ok
}

// run reads the stream to its end, persisting constraint logs and passing each
// result to emit. A failing emit or a done ctx detaches the receiver, which
// the executor turns into an engine cancellation. The outcome is recorded
// before run returns.
func (s *Server) run(ctx context.Context, gen *generation, stream *engine.Stream, emit func(*engine.StepResult, string) error) store.Result {
	id := gen.record.ID
	persist := context.WithoutCancel(ctx)
	col := newCollector(gen.trie, gen.record.NumSequences)
	logSeq := 0

	defer func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
	}()

	for {
		res, err := stream.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Info("client went away", "id", id, "error", err)
			stream.Close()
			break
		}

		logs := res.TakeLogs()
		if res.FinalConstraint != nil {
			logs += res.FinalConstraint.FlushLogs()
		}
		for _, line := range splitLines(logs) {
			if err := s.store.InsertLogLine(persist, id, logSeq, line); err != nil {
				s.logger.Warn("persist log line", "id", id, "error", err)
			}
			logSeq++
		}
		col.add(res.Response)

		if emit != nil {
			if err := emit(res, logs); err != nil {
				s.logger.Info("client write failed", "id", id, "error", err)
				stream.Close()
				break
			}
		}
	}

	result := col.result()
	if err := s.store.FinishRequest(persist, id, result); err != nil {
		s.logger.Error("record request outcome", "id", id, "error", err)
	}
	generationsTotal.WithLabelValues(result.Status).Inc()
	s.logger.Info("generation finished",
		"id", id,
		"status", result.Status,
		"completion_tokens", result.CompletionTokens,
	)
	return result
}

// streamGeneration serves a generation as server-sent events: one "chunk"
// event per response chunk, "log" events for constraint log text, and a final
// "done" event carrying the stored request.
func (s *Server) streamGeneration(w http.ResponseWriter, r *http.Request, gen *generation, stream *engine.Stream) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	if err := writeSSEJSON(w, "request", map[string]string{"id": gen.record.ID}); err != nil {
		stream.Close()
		s.run(r.Context(), gen, stream, nil)
		return
	}
	flush()

	s.run(r.Context(), gen, stream, func(res *engine.StepResult, logs string) error {
		if logs != "" {
			if err := writeSSEEvent(w, "log", strings.TrimSuffix(logs, "\n")); err != nil {
				return err
			}
		}
		c := res.Response
		ev := chunkEvent{
			Index:        c.SequenceIdx,
			Tokens:       c.Tokens,
			Text:         string(gen.trie.Decode(c.Tokens)),
			FinishReason: c.FinishReason.APIReason(),
			Error:        c.Error,
		}
		if err := writeSSEJSON(w, "chunk", ev); err != nil {
			return err
		}
		flush()
		return nil
	})

	if r.Context().Err() != nil {
		return
	}
	rec, err := s.store.GetRequest(context.WithoutCancel(r.Context()), gen.record.ID)
	if err != nil {
		s.logger.Error("get finished request", "id", gen.record.ID, "error", err)
		_ = writeSSEEvent(w, "done", "stream complete")
	} else {
		_ = writeSSEJSON(w, "done", rec)
	}
	flush()
}

// collector accumulates a request's output across chunks.
type collector struct {
	trie    *toktrie.TokTrie
	outputs []model.SequenceOutput
	tokens  int
	final   bool
	err     string
}

func newCollector(trie *toktrie.TokTrie, n int) *collector {
	c := &collector{trie: trie, outputs: make([]model.SequenceOutput, n)}
	for i := range c.outputs {
		c.outputs[i].Index = i
	}
	return c
}

func (c *collector) add(chunk model.ResponseChunk) {
	if chunk.SequenceIdx >= 0 && chunk.SequenceIdx < len(c.outputs) {
		o := &c.outputs[chunk.SequenceIdx]
		o.Tokens = append(o.Tokens, chunk.Tokens...)
		if chunk.Finished() {
			o.FinishReason = chunk.FinishReason.APIReason()
		}
	}
	c.tokens += len(chunk.Tokens)
	if chunk.Error != "" && c.err == "" {
		c.err = chunk.Error
	}
	if chunk.IsReqFinal {
		c.final = true
	}
}

// result reports the outcome. A stream that ended without the request's final
// chunk was cancelled.
func (c *collector) result() store.Result {
	for i := range c.outputs {
		c.outputs[i].Text = string(c.trie.Decode(c.outputs[i].Tokens))
	}
	res := store.Result{
		Outputs:          c.outputs,
		CompletionTokens: c.tokens,
		Error:            c.err,
	}
	switch {
	case !c.final:
		res.Status = model.StatusCancelled
	case c.err != "":
		res.Status = model.StatusFailed
	default:
		res.Status = model.StatusCompleted
	}
	return res
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
