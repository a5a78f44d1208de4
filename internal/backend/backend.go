package backend

import (
	"errors"
	"time"

	"github.com/seantiz/guidance/internal/model"
)

var (
	// ErrUnknownRequest is returned by Cancel for ids the engine does not track.
	ErrUnknownRequest = errors.New("unknown request")

	// ErrClosed is returned once the engine has been shut down.
	ErrClosed = errors.New("backend closed")
)

// LogitsCallback is invoked synchronously by the engine once per batch step,
// with the engine blocked until it returns. It must set Mask on every entry.
// Each mask is a buffer of its own, valid until the next invocation.
// Engines must not hold their own locks while invoking it.
type LogitsCallback func(entries []model.LogitsEntry)

// Backend is the interface every inference engine implements.
type Backend interface {
	// Enqueue admits a request and returns its engine id.
	Enqueue(init model.RequestInit) (model.ReqID, error)

	// Cancel stops a request. The engine emits a final chunk for it unless
	// the request had already finished.
	Cancel(id model.ReqID) error

	// AwaitResponses returns the chunks produced since the previous call,
	// waiting at most timeout for at least one. An empty result is not an error.
	AwaitResponses(timeout time.Duration) ([]model.ResponseChunk, error)

	// Capabilities reports static properties of the engine.
	Capabilities() Capabilities

	// Close stops the engine and releases its resources.
	Close() error
}

// Capabilities describes an engine.
type Capabilities struct {
	Name         string `json:"name"`
	MaxBatchSize int    `json:"max_batch_size"`
	VocabSize    int    `json:"vocab_size"`
}

// Opener constructs an engine that will invoke cb on every batch step.
type Opener func(cb LogitsCallback) (Backend, error)
