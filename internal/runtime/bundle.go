package runtime

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// bundle is one entry point bundled for the server environment.
type bundle struct {
	Code []byte
	Deps []string
}

type metafile struct {
	Inputs map[string]struct {
		Bytes int `json:"bytes"`
	} `json:"inputs"`
}

// bundleEntry bundles entry in memory with esbuild. Local imports are
// followed and become Deps; everything the Deno runtime resolves itself
// (npm:, jsr:, node:, URLs and bare package names) stays external.
func (r *DenoRunner) bundleEntry(entry string) (*bundle, error) {
	r.mu.Lock()
	if cached, ok := r.bundles[entry]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	result := api.Build(api.BuildOptions{
		EntryPoints:   []string{entry},
		Bundle:        true,
		Write:         false,
		Metafile:      true,
		Format:        api.FormatESModule,
		Platform:      api.PlatformNeutral,
		Target:        api.ESNext,
		JSX:           api.JSXAutomatic,
		Sourcemap:     api.SourceMapInline,
		AbsWorkingDir: r.root,
		Plugins: []api.Plugin{
			denoExternalPlugin(),
		},
	})

	if len(result.Errors) > 0 {
		var errMsgs []string
		for _, err := range result.Errors {
			errMsgs = append(errMsgs, err.Text)
		}
		return nil, fmt.Errorf("failed to bundle %s: %s", entry, strings.Join(errMsgs, "; "))
	}
	if len(result.OutputFiles) == 0 {
		return nil, fmt.Errorf("failed to bundle %s: no output produced", entry)
	}

	var meta metafile
	if err := json.Unmarshal([]byte(result.Metafile), &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metafile: %w", err)
	}

	b := &bundle{
		Code: result.OutputFiles[0].Contents,
		Deps: depsFromMetafile(&meta, r.root),
	}

	r.mu.Lock()
	r.bundles[entry] = b
	r.mu.Unlock()
	return b, nil
}

// depsFromMetafile resolves metafile input paths to absolute files under
// root. External specifiers never appear in inputs; namespaced entries are
// skipped anyway.
func depsFromMetafile(meta *metafile, root string) []string {
	deps := make([]string, 0, len(meta.Inputs))
	for input := range meta.Inputs {
		if strings.Contains(input, ":") {
			continue
		}
		if !filepath.IsAbs(input) {
			input = filepath.Join(root, input)
		}
		deps = append(deps, filepath.Clean(input))
	}
	sort.Strings(deps)
	return deps
}

// denoExternalPlugin marks every import the Deno runtime handles natively as
// external, and rewrites bare package imports to npm: specifiers so the
// worker can resolve them without a node_modules tree.
func denoExternalPlugin() api.Plugin {
	return api.Plugin{
		Name: "deno-external",
		Setup: func(build api.PluginBuild) {
			// npm: imports stay external
			build.OnResolve(api.OnResolveOptions{Filter: `^npm:`},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					return api.OnResolveResult{Path: args.Path, External: true}, nil
				})

			// https:// and http:// imports stay external
			build.OnResolve(api.OnResolveOptions{Filter: `^https?://`},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					return api.OnResolveResult{Path: args.Path, External: true}, nil
				})

			// jsr: imports stay external
			build.OnResolve(api.OnResolveOptions{Filter: `^jsr:`},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					return api.OnResolveResult{Path: args.Path, External: true}, nil
				})

			// node: builtins stay external
			build.OnResolve(api.OnResolveOptions{Filter: `^node:`},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					return api.OnResolveResult{Path: args.Path, External: true}, nil
				})

			// Bare package imports become npm: specifiers
			build.OnResolve(api.OnResolveOptions{Filter: `^[a-zA-Z@][a-zA-Z0-9@/._-]*$`},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					return api.OnResolveResult{Path: "npm:" + args.Path, External: true}, nil
				})
		},
	}
}
