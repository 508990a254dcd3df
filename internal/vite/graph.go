// Package vite defines the narrow surface of the external bundler dev server
// that the rest of this module consumes. The bundler owns the real module
// graph and HMR channel; everything here is an injected dependency.
package vite

import (
	"fmt"
	"strings"
	"time"
)

// DevServerPlaceholder is the origin baked into generated assets before the
// dev server address is known. Served code has it rewritten to the resolved
// origin.
const DevServerPlaceholder = "http://__nb_vite_placeholder__.test"

// ModuleNode is one module in the bundler's dependency graph.
type ModuleNode struct {
	ID              string
	File            string
	LastInvalidated time.Time
}

// ModuleGraph is the slice of the bundler dev server consumed by the SSR
// bridge and the router watcher. The graph itself is owned by the host
// process; internal/devhost ships the built-in implementation.
type ModuleGraph interface {
	// InvalidateByFile drops every module whose File equals path and returns
	// the invalidated IDs.
	InvalidateByFile(path string) []string
	// ModuleByID looks up a module by its graph ID.
	ModuleByID(id string) (*ModuleNode, bool)
	// BroadcastFullReload tells every connected client to reload the page.
	BroadcastFullReload()
}

// Origin builds the dev server origin for the given address.
func Origin(host string, port int, https bool) string {
	scheme := "http"
	if https {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

// RewritePlaceholder swaps the build-time placeholder origin for the resolved
// dev server origin.
func RewritePlaceholder(code, origin string) string {
	return strings.ReplaceAll(code, DevServerPlaceholder, origin)
}
