// Package devhost is the built-in dev server: a small stand-in for the
// external bundler that serves transformed source, tracks served modules in
// a registry and pushes reload signals over a websocket hub. Core packages
// depend on the narrow interfaces in internal/vite, never on this package.
package devhost

import (
	"sync"

	"github.com/nbweb/nbvite/internal/vite"
)

// Registry is the host's module graph: it records which source files were
// served under which URL-style IDs. It implements vite.ModuleGraph; reload
// broadcasts are forwarded to the hub.
type Registry struct {
	hub *Hub

	mu     sync.RWMutex
	byID   map[string]*vite.ModuleNode
	byFile map[string][]string
}

// NewRegistry creates an empty registry bound to the given hub.
func NewRegistry(hub *Hub) *Registry {
	return &Registry{
		hub:    hub,
		byID:   make(map[string]*vite.ModuleNode),
		byFile: make(map[string][]string),
	}
}

// Ensure records a served module under its graph ID. Serving the same ID
// again keeps the original node.
func (r *Registry) Ensure(id, file string) *vite.ModuleNode {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node, ok := r.byID[id]; ok {
		return node
	}
	node := &vite.ModuleNode{ID: id, File: file}
	r.byID[id] = node
	r.byFile[file] = append(r.byFile[file], id)
	return node
}

// InvalidateByFile drops every module registered for the file and returns
// the dropped IDs. The next request for a dropped ID re-registers it.
func (r *Registry) InvalidateByFile(path string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.byFile[path]
	if len(ids) == 0 {
		return nil
	}
	delete(r.byFile, path)
	for _, id := range ids {
		delete(r.byID, id)
	}
	return ids
}

// ModuleByID looks up a module by its graph ID.
func (r *Registry) ModuleByID(id string) (*vite.ModuleNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.byID[id]
	return node, ok
}

// BroadcastFullReload delegates to the hub.
func (r *Registry) BroadcastFullReload() {
	if r.hub != nil {
		r.hub.BroadcastFullReload()
	}
}

// Len reports how many modules are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
