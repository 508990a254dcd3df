// Package testutil provides shared test utilities and mocks for unit testing.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nbweb/nbvite/internal/runtime"
	"github.com/nbweb/nbvite/internal/vite"
)

// MockModuleGraph implements vite.ModuleGraph for testing
type MockModuleGraph struct {
	mu     sync.RWMutex
	byID   map[string]*vite.ModuleNode
	byFile map[string][]string

	invalidated []string
	reloads     int

	// Callbacks for custom behavior
	OnInvalidate func(path string)
	OnReload     func()
}

// NewMockModuleGraph creates a new mock module graph
func NewMockModuleGraph() *MockModuleGraph {
	return &MockModuleGraph{
		byID:   make(map[string]*vite.ModuleNode),
		byFile: make(map[string][]string),
	}
}

// Add registers a module node under the given graph ID and source file
func (m *MockModuleGraph) Add(id, file string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[id] = &vite.ModuleNode{ID: id, File: file}
	m.byFile[file] = append(m.byFile[file], id)
}

func (m *MockModuleGraph) InvalidateByFile(path string) []string {
	if m.OnInvalidate != nil {
		m.OnInvalidate(path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.invalidated = append(m.invalidated, path)
	ids := m.byFile[path]
	for _, id := range ids {
		if node, ok := m.byID[id]; ok {
			node.LastInvalidated = time.Now()
		}
	}
	return ids
}

func (m *MockModuleGraph) ModuleByID(id string) (*vite.ModuleNode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.byID[id]
	return node, ok
}

func (m *MockModuleGraph) BroadcastFullReload() {
	if m.OnReload != nil {
		m.OnReload()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloads++
}

// InvalidatedFiles returns every path passed to InvalidateByFile, in order
func (m *MockModuleGraph) InvalidatedFiles() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.invalidated...)
}

// Reloads returns how many full reloads were broadcast
func (m *MockModuleGraph) Reloads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reloads
}

// MockRunner implements runtime.Runner for testing. By default every Import
// succeeds with a module whose render function echoes the page back.
type MockRunner struct {
	mu      sync.Mutex
	imports []string
	clears  int

	// Callbacks for custom behavior
	OnImport func(ctx context.Context, entry string) (*runtime.Module, error)

	ImportErr error
	Render    runtime.RenderFunc
}

// NewMockRunner creates a new mock runner
func NewMockRunner() *MockRunner {
	return &MockRunner{}
}

func (m *MockRunner) Import(ctx context.Context, entry string) (*runtime.Module, error) {
	m.mu.Lock()
	m.imports = append(m.imports, entry)
	err := m.ImportErr
	render := m.Render
	m.mu.Unlock()

	if m.OnImport != nil {
		return m.OnImport(ctx, entry)
	}
	if err != nil {
		return nil, err
	}
	if render == nil {
		render = func(ctx context.Context, page json.RawMessage) (json.RawMessage, error) {
			return page, nil
		}
	}
	return &runtime.Module{Entry: entry, Render: render}, nil
}

func (m *MockRunner) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
}

// SetImportErr makes every following Import fail with err; nil restores the
// default behavior
func (m *MockRunner) SetImportErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ImportErr = err
}

// ImportCalls returns every entry passed to Import, in order
func (m *MockRunner) ImportCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.imports...)
}

// ClearCalls returns how many times ClearCache was called
func (m *MockRunner) ClearCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}
