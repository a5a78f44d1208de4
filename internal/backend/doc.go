// Package backend defines the interface between the executor and a
// continuous-batching inference engine, along with a registry of engine
// implementations selectable by name.
package backend
