package runtime

import (
	"context"
	"encoding/json"
)

// Line protocol between the Go side and the worker process. Every message is
// one line: a prefix followed by a JSON document.
const (
	readyPrefix  = "__READY__::"
	renderPrefix = "__RENDER__::"
	resultPrefix = "__RESULT__::"
	errorPrefix  = "__ERROR__::"
)

// RenderFunc invokes a loaded module's render export with a page descriptor
// and returns its JSON-serialized result.
type RenderFunc func(ctx context.Context, page json.RawMessage) (json.RawMessage, error)

// Module is a loaded server-side module with a live render function. Close
// terminates the backing worker process; the module is unusable afterwards.
type Module struct {
	Entry  string
	Deps   []string
	Render RenderFunc

	close func()
}

// Close shuts the module's worker down. Safe to call more than once.
func (m *Module) Close() {
	if m.close != nil {
		m.close()
	}
}

// Runner imports entry modules into a server-side execution environment.
type Runner interface {
	// Import loads entry and returns a module exposing its render export.
	Import(ctx context.Context, entry string) (*Module, error)
	// ClearCache drops all cached bundles so the next Import sees fresh
	// source.
	ClearCache()
}

// RenderError is a failure thrown inside the render function, with the
// worker's stack trace when one was available.
type RenderError struct {
	Message string
	Stack   string
}

func (e *RenderError) Error() string {
	return e.Message
}

// readyMessage is the worker's boot handshake.
type readyMessage struct {
	Render bool `json:"render"`
}

// renderRequest is one render call sent to the worker.
type renderRequest struct {
	ID   string          `json:"id"`
	Page json.RawMessage `json:"page"`
}

// resultMessage is the worker's success reply.
type resultMessage struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
}

// errorMessage is the worker's failure reply.
type errorMessage struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}
