// Package plugin holds the dev server hook pipeline. Features register a
// Plugin with the hooks they care about; the host invokes the pipeline at the
// matching lifecycle points in registration order.
package plugin

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/nbweb/nbvite/internal/config"
	"github.com/nbweb/nbvite/internal/vite"
)

// TransformRequest carries one served source file through the pipeline. Code
// reflects the output of earlier plugins in the chain.
type TransformRequest struct {
	Path string
	Code string
}

// TransformResult is one plugin's transform output. Map is a Source Map v3
// document when the plugin produced one; maps are not composed across the
// chain, the last one wins.
type TransformResult struct {
	Code    string
	Map     json.RawMessage
	Changed bool
}

// Plugin is one named set of dev server hooks. Nil hooks are skipped.
type Plugin struct {
	Name string

	// OnConfigResolve runs once after configuration is loaded and before the
	// server starts. An error aborts startup.
	OnConfigResolve func(cfg *config.Config) error

	// OnServerStart runs when the dev server is listening. origin is the
	// resolved dev server origin, graph the host's module graph.
	OnServerStart func(origin string, graph vite.ModuleGraph) error

	// OnTransform rewrites served source. An error skips this plugin's output
	// and the chain continues with the previous code.
	OnTransform func(req TransformRequest) (TransformResult, error)

	// OnBundleWrite runs after a production bundle has been written.
	OnBundleWrite func(dir string) error
}

// Pipeline invokes registered plugins in a fixed order.
type Pipeline struct {
	plugins []Plugin
}

// NewPipeline creates a pipeline with the given plugins, in order.
func NewPipeline(plugins ...Plugin) *Pipeline {
	return &Pipeline{plugins: plugins}
}

// Register appends a plugin to the pipeline.
func (p *Pipeline) Register(plg Plugin) {
	p.plugins = append(p.plugins, plg)
}

// Names returns the registered plugin names in pipeline order.
func (p *Pipeline) Names() []string {
	names := make([]string, 0, len(p.plugins))
	for _, plg := range p.plugins {
		names = append(names, plg.Name)
	}
	return names
}

// ResolveConfig runs every OnConfigResolve hook. The first error stops the
// pipeline and is returned to the caller.
func (p *Pipeline) ResolveConfig(cfg *config.Config) error {
	for _, plg := range p.plugins {
		if plg.OnConfigResolve == nil {
			continue
		}
		if err := plg.OnConfigResolve(cfg); err != nil {
			return fmt.Errorf("plugin %s: config resolve failed: %w", plg.Name, err)
		}
	}
	return nil
}

// ServerStarted runs every OnServerStart hook. The first error stops the
// pipeline and is returned to the caller.
func (p *Pipeline) ServerStarted(origin string, graph vite.ModuleGraph) error {
	for _, plg := range p.plugins {
		if plg.OnServerStart == nil {
			continue
		}
		if err := plg.OnServerStart(origin, graph); err != nil {
			return fmt.Errorf("plugin %s: server start failed: %w", plg.Name, err)
		}
	}
	return nil
}

// Transform runs the served source through every OnTransform hook in order.
// Each plugin sees the previous plugin's output. Transform failures never
// break the chain: the failing plugin is logged and skipped.
func (p *Pipeline) Transform(req TransformRequest) TransformResult {
	out := TransformResult{Code: req.Code}
	for _, plg := range p.plugins {
		if plg.OnTransform == nil {
			continue
		}
		res, err := plg.OnTransform(TransformRequest{Path: req.Path, Code: out.Code})
		if err != nil {
			log.Warn().Err(err).Str("plugin", plg.Name).Str("path", req.Path).Msg("Transform failed, passing source through")
			continue
		}
		if !res.Changed {
			continue
		}
		out.Code = res.Code
		out.Changed = true
		if res.Map != nil {
			out.Map = res.Map
		}
	}
	return out
}

// BundleWritten runs every OnBundleWrite hook. Failures are logged and do not
// stop later plugins.
func (p *Pipeline) BundleWritten(dir string) {
	for _, plg := range p.plugins {
		if plg.OnBundleWrite == nil {
			continue
		}
		if err := plg.OnBundleWrite(dir); err != nil {
			log.Warn().Err(err).Str("plugin", plg.Name).Str("dir", dir).Msg("Bundle write hook failed")
		}
	}
}
