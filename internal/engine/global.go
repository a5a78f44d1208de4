package engine

import (
	"sync/atomic"

	"github.com/seantiz/guidance/internal/model"
)

var global atomic.Pointer[Executor]

// SetGlobal installs e as the process-wide executor reached by
// LogitsProcessor. It panics if an executor is already installed.
func SetGlobal(e *Executor) {
	if e == nil {
		panic("engine: SetGlobal called with nil executor")
	}
	if !global.CompareAndSwap(nil, e) {
		panic("engine: global executor already initialized")
	}
}

// Global returns the process-wide executor. It panics if none is installed.
func Global() *Executor {
	e := global.Load()
	if e == nil {
		panic("engine: global executor not initialized")
	}
	return e
}

// LogitsProcessor is the mask callback for engines that cannot carry a
// receiver, such as a native engine calling back through a plain function
// pointer. It forwards to the global executor.
func LogitsProcessor(entries []model.LogitsEntry) {
	Global().processLogits(entries)
}
