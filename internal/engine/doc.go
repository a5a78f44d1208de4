// Package engine coordinates a continuous-batching inference backend with
// per-sequence grammar constraints. The Executor keeps the request table,
// answers the backend's per-step mask callback by computing every sequence's
// mask in parallel, and drains backend output into per-request streams.
package engine
