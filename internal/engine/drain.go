package engine

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/guidance/internal/backend"
	"github.com/seantiz/guidance/internal/model"
)

// cancelOrder is an engine cancellation decided under the table lock and
// issued after releasing it.
type cancelOrder struct {
	reqID  model.ReqID
	reason string
}

// Start launches the response drain loop. It runs until ctx is cancelled or
// the backend is closed.
func (e *Executor) Start(ctx context.Context) {
	e.wg.Go(func() {
		e.drain(ctx)
	})
}

// Wait blocks until the drain loop has exited.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) drain(ctx context.Context) {
	e.logger.Info("response drain started", "poll_interval", e.cfg.PollInterval.String())
	defer e.logger.Info("response drain stopped")

	for ctx.Err() == nil {
		chunks, err := e.backend.AwaitResponses(e.cfg.PollInterval)
		if errors.Is(err, backend.ErrClosed) {
			return
		}
		if err != nil {
			e.logger.Error("await responses", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.cfg.ErrorBackoff):
			}
			continue
		}
		if len(chunks) > 0 {
			e.dispatch(chunks)
		}
	}
}

// dispatch delivers one polled batch of chunks to their streams.
func (e *Executor) dispatch(chunks []model.ResponseChunk) {
	var cancels []cancelOrder

	e.mu.Lock()
	for _, c := range chunks {
		if order, ok := e.dispatchLocked(c); ok {
			cancels = append(cancels, order)
		}
	}
	e.mu.Unlock()

	for _, o := range cancels {
		if err := e.cancelEngine(o.reqID, o.reason); err != nil {
			e.logger.Warn("cancel after dispatch failed", "req_id", o.reqID, "reason", o.reason, "error", err)
		}
	}
}

// dispatchLocked handles one chunk and reports whether the engine request
// must be cancelled.
func (e *Executor) dispatchLocked(c model.ResponseChunk) (cancelOrder, bool) {
	clientID, ok := e.reqToClient[c.ReqID]
	if !ok {
		if _, gone := e.cancelled[c.ReqID]; gone {
			e.logger.Warn("dropping response for cancelled request", "req_id", c.ReqID, "sequence_idx", c.SequenceIdx)
			droppedTotal.WithLabelValues(reasonCancelled).Inc()
			if c.IsReqFinal {
				delete(e.cancelled, c.ReqID)
			}
			return cancelOrder{}, false
		}
		e.logger.Error("response for unknown request", "req_id", c.ReqID, "sequence_idx", c.SequenceIdx)
		droppedTotal.WithLabelValues(reasonUnknown).Inc()
		if c.IsReqFinal {
			return cancelOrder{}, false
		}
		e.cancelled[c.ReqID] = struct{}{}
		return cancelOrder{reqID: c.ReqID, reason: reasonUnknown}, true
	}
	rd := e.reqData[clientID]

	res := &StepResult{Response: c, Logs: rd.logs}
	rd.logs = ""
	if c.Finished() && c.SequenceIdx >= 0 && c.SequenceIdx < len(rd.slots) {
		s := &rd.slots[c.SequenceIdx]
		res.FinalConstraint = s.llg
		s.llg = nil
		s.stopped = true
	}
	if res.Response.Error == "" && rd.err != "" {
		res.Response.Error = rd.err
	}

	if err := rd.stream.send(res); err != nil {
		if c.IsReqFinal {
			// Nothing left to cancel.
			e.removeLocked(c.ReqID)
			return cancelOrder{}, false
		}
		e.logger.Info("client disconnected", "req_id", c.ReqID, "client_req_id", clientID)
		e.forgetLocked(c.ReqID)
		return cancelOrder{reqID: c.ReqID, reason: reasonDisconnect}, true
	}

	if c.IsReqFinal {
		e.removeLocked(c.ReqID)
		rd.stream.finish()
		e.logger.Debug("request finished", "req_id", c.ReqID, "client_req_id", clientID)
	}
	return cancelOrder{}, false
}
