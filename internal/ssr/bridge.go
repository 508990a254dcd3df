// Package ssr implements the SSR render bridge: a module-execution runtime
// embedded in the dev server that renders pages over HTTP during development.
// The bridge owns a single cached render function, reloads it when the
// frontend source tree changes and serves render requests from it.
package ssr

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nbweb/nbvite/internal/config"
	"github.com/nbweb/nbvite/internal/observability"
	"github.com/nbweb/nbvite/internal/plugin"
	"github.com/nbweb/nbvite/internal/runtime"
	"github.com/nbweb/nbvite/internal/vite"
)

// Generated artifacts whose changes never affect render output enough to
// justify a reload; matched by basename.
var excludedBasenames = map[string]bool{
	"routes.js":   true,
	"routes.d.ts": true,
}

// Extensions that participate in the render tree. Changes to anything else
// never clear the render cache.
var scriptExtensions = map[string]bool{
	".js":  true,
	".jsx": true,
	".ts":  true,
	".tsx": true,
	".mjs": true,
	".vue": true,
}

// Bridge is the SSR render bridge. One instance serves one dev server; the
// zero value is not usable, construct with NewBridge.
type Bridge struct {
	cfg    config.SSRDevConfig
	root   string
	runner runtime.Runner

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	graph  vite.ModuleGraph
	module *runtime.Module

	metrics *observability.Metrics
}

// NewBridge creates a bridge for the given SSR settings, rooted at the
// project directory. The module graph arrives later through the server start
// hook; until then invalidation only clears runner and render caches.
func NewBridge(cfg config.SSRDevConfig, root string, runner runtime.Runner) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:    cfg,
		root:   root,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetMetrics sets the metrics instance for recording render and cache events.
func (b *Bridge) SetMetrics(metrics *observability.Metrics) {
	b.metrics = metrics
}

// Plugin exposes the bridge as dev server hooks: the server start hook wires
// the module graph and kicks off the warm-up load.
func (b *Bridge) Plugin() plugin.Plugin {
	return plugin.Plugin{
		Name: "nb-ssr-bridge",
		OnServerStart: func(origin string, graph vite.ModuleGraph) error {
			b.mu.Lock()
			b.graph = graph
			b.mu.Unlock()
			go b.WarmUp(b.ctx)
			return nil
		},
	}
}

// Ready reports whether a render function is currently cached.
func (b *Bridge) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.module != nil
}

// EntryPoint returns the absolute path of the configured SSR entry point.
func (b *Bridge) EntryPoint() string {
	entry := b.cfg.EntryPoint
	if !filepath.IsAbs(entry) {
		entry = filepath.Join(b.root, entry)
	}
	return filepath.Clean(entry)
}

// WarmUp eagerly loads the render entry point so the first request does not
// pay the load cost. Failures are logged and left for requests to surface;
// the dev server starts regardless.
func (b *Bridge) WarmUp(ctx context.Context) {
	if _, err := b.load(ctx); err != nil {
		log.Warn().Err(err).Str("entry", b.cfg.EntryPoint).Msg("SSR warm-up failed, first render request will retry")
		return
	}
	log.Info().Str("entry", b.cfg.EntryPoint).Msg("SSR render function loaded")
}

// OnFileChange reacts to one changed file in the frontend source tree.
// Generated routing artifacts are skipped entirely; for everything else with
// a recognized script extension the module graph nodes are invalidated, the
// runner cache dropped and the cached render function cleared, in that order.
func (b *Bridge) OnFileChange(path string) {
	if !scriptExtensions[strings.ToLower(filepath.Ext(path))] {
		return
	}
	if excludedBasenames[filepath.Base(path)] {
		log.Debug().Str("path", path).Msg("Generated artifact changed, keeping SSR cache")
		return
	}

	b.mu.Lock()
	if b.graph != nil {
		b.graph.InvalidateByFile(path)
	}
	b.runner.ClearCache()
	old := b.module
	b.module = nil
	b.mu.Unlock()

	if old != nil {
		go old.Close()
		log.Debug().Str("path", path).Msg("SSR render cache cleared")
	}
	if b.metrics != nil {
		b.metrics.RecordSSRInvalidation()
		b.metrics.SetSSRReady(false)
	}
}

// Invalidate clears the cached render function without a triggering file.
func (b *Bridge) Invalidate() {
	b.mu.Lock()
	b.runner.ClearCache()
	old := b.module
	b.module = nil
	b.mu.Unlock()

	if old != nil {
		go old.Close()
	}
	if b.metrics != nil {
		b.metrics.RecordSSRInvalidation()
		b.metrics.SetSSRReady(false)
	}
}

// Dispose shuts the bridge down: pending warm-ups are cancelled and the
// cached module's worker is terminated. The bridge is unusable afterwards.
func (b *Bridge) Dispose() {
	b.cancel()

	b.mu.Lock()
	old := b.module
	b.module = nil
	b.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// renderFunc returns the cached render function, loading it first when the
// cache is empty.
func (b *Bridge) renderFunc(ctx context.Context) (runtime.RenderFunc, error) {
	b.mu.Lock()
	if b.module != nil {
		fn := b.module.Render
		b.mu.Unlock()
		return fn, nil
	}
	b.mu.Unlock()

	mod, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	return mod.Render, nil
}

// load imports the entry point through the runner and caches the result.
// Graph invalidation always precedes the runner cache clear, and both precede
// the import, so a load never reads stale modules. Loads run outside the
// slot lock; when loads race the last one to finish wins and the loser's
// module is closed.
func (b *Bridge) load(ctx context.Context) (*runtime.Module, error) {
	entry := b.EntryPoint()
	start := time.Now()

	b.mu.Lock()
	if b.graph != nil {
		b.graph.InvalidateByFile(entry)
	}
	b.mu.Unlock()
	b.runner.ClearCache()

	mod, err := b.runner.Import(ctx, entry)
	if err != nil {
		if b.metrics != nil {
			b.metrics.RecordSSRLoad("error", time.Since(start))
		}
		return nil, err
	}

	b.mu.Lock()
	old := b.module
	b.module = mod
	b.mu.Unlock()

	if old != nil && old != mod {
		go old.Close()
	}
	if b.metrics != nil {
		b.metrics.RecordSSRLoad("success", time.Since(start))
		b.metrics.SetSSRReady(true)
	}
	return mod, nil
}
