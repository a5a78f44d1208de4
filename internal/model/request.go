package model

import (
	"time"

	"github.com/seantiz/guidance/internal/toktrie"
)

// ReqID is an engine-assigned identifier. The engine returns one per enqueued
// request; each sequence of a multi-sequence request carries its own.
type ReqID uint64

// ClientReqID identifies a request on the caller's side. It is never reused.
type ClientReqID uint64

// FinishReason reports why a sequence stopped. The zero value means the
// sequence is still running.
type FinishReason string

// Finish reasons reported by the engine.
const (
	FinishNone      FinishReason = ""
	FinishEOS       FinishReason = "eos"
	FinishStopWords FinishReason = "stop_words"
	FinishLength    FinishReason = "length"
	FinishCancelled FinishReason = "cancelled"
)

// APIReason maps the engine reason to the value reported to API clients.
func (f FinishReason) APIReason() string {
	switch f {
	case FinishNone:
		return ""
	case FinishLength:
		return "length"
	case FinishCancelled:
		return "cancelled"
	default:
		return "stop"
	}
}

// SamplingParams are the per-request generation settings passed to the engine.
type SamplingParams struct {
	NumReturnSequences int     `json:"n"`
	MaxNewTokens       int     `json:"max_tokens"`
	Temperature        float32 `json:"temperature"`
}

// NumSequences returns the number of sequences the request expands into.
func (p SamplingParams) NumSequences() int {
	if p.NumReturnSequences <= 0 {
		return 1
	}
	return p.NumReturnSequences
}

// RequestInit is what the engine needs to enqueue a request.
type RequestInit struct {
	ClientReqID ClientReqID
	Tokens      []toktrie.TokenID
	Params      SamplingParams
}

// ResponseChunk is one unit of output polled from the engine. ReqID is the
// id returned by enqueue, never a sequence id.
type ResponseChunk struct {
	ReqID        ReqID             `json:"req_id"`
	SequenceIdx  int               `json:"sequence_idx"`
	Tokens       []toktrie.TokenID `json:"tokens"`
	FinishReason FinishReason      `json:"finish_reason,omitempty"`
	IsSeqFinal   bool              `json:"is_seq_final"`
	IsReqFinal   bool              `json:"is_req_final"`
	Error        string            `json:"error,omitempty"`
}

// Finished reports whether the chunk ends its sequence.
func (c ResponseChunk) Finished() bool {
	return c.FinishReason != FinishNone || c.IsSeqFinal
}

// LogitsEntry is one active sequence in a batch step. Mask and Temperature
// are written by the mask callback; every other field is read-only to it.
type LogitsEntry struct {
	SeqID       ReqID
	ReqID       ReqID
	ClientReqID ClientReqID
	Tokens      []toktrie.TokenID

	Mask        []uint32
	Temperature float32
}

// Request status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether no further transition is possible from status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// SequenceOutput is the generated output of one sequence.
type SequenceOutput struct {
	Index        int               `json:"index"`
	Text         string            `json:"text"`
	Tokens       []toktrie.TokenID `json:"tokens"`
	FinishReason string            `json:"finish_reason,omitempty"`
}

// LogLine is a single persisted constraint log line.
type LogLine struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"request_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// Request is the persisted record of a generation request.
type Request struct {
	ID               string           `json:"id"`
	ClientReqID      ClientReqID      `json:"client_req_id"`
	EngineReqID      ReqID            `json:"engine_req_id,omitempty"`
	Status           string           `json:"status"`
	Prompt           string           `json:"prompt,omitempty"`
	PromptTokens     int              `json:"prompt_tokens"`
	CompletionTokens int              `json:"completion_tokens"`
	NumSequences     int              `json:"n"`
	MaxTokens        int              `json:"max_tokens"`
	Grammars         int              `json:"grammars"`
	IsChat           bool             `json:"is_chat"`
	Outputs          []SequenceOutput `json:"outputs,omitempty"`
	Error            string           `json:"error,omitempty"`
	DurationMS       *int             `json:"duration_ms,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	FinishedAt       *time.Time       `json:"finished_at,omitempty"`
}
