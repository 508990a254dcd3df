// Package annotate implements the component annotator: it tags the root
// rendered element of a default-exported component with an attribute carrying
// the file's project-relative path, so browser tooling can map DOM nodes back
// to source files. Function components are rewritten through a syntax tree;
// single-file template components through a textual splice.
package annotate

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/nbweb/nbvite/internal/config"
	"github.com/nbweb/nbvite/internal/plugin"
)

// Attribute is the debug attribute injected on the root rendered element.
const Attribute = "data-nb-component"

// Result is the outcome of one annotation attempt. Changed is false when the
// source was passed through untouched; Map is only set on the function path.
type Result struct {
	Code    string
	Map     []byte
	Changed bool
}

// Annotator rewrites component files. Safe for concurrent use.
type Annotator struct {
	root             string
	includeExtension bool
	verbose          bool
}

// New creates an annotator from the resolved component path settings.
func New(cfg config.ComponentPathConfig) *Annotator {
	return &Annotator{
		root:             cfg.Root,
		includeExtension: cfg.IncludeExtension,
		verbose:          cfg.Verbose,
	}
}

// Eligible reports whether path is a component file this annotator handles.
// Content plays no part: only the extension and the absence of dependency
// directory segments count.
func (a *Annotator) Eligible(filePath string) bool {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".jsx", ".tsx", ".js", ".ts", ".vue":
	default:
		return false
	}
	for _, seg := range strings.Split(filepath.ToSlash(filePath), "/") {
		if seg == "node_modules" || seg == "vendor" {
			return false
		}
	}
	return true
}

// Annotate injects the component path attribute into the root rendered
// element of code. Files that cannot be annotated, for whatever reason, come
// back unchanged; annotation failures never break a build.
func (a *Annotator) Annotate(filePath, code string) Result {
	if !a.Eligible(filePath) {
		return Result{Code: code}
	}
	if strings.EqualFold(filepath.Ext(filePath), ".vue") {
		return a.annotateTemplate(filePath, code)
	}
	return a.annotateFunction(filePath, code)
}

// Plugin exposes the annotator as a dev server transform hook.
func (a *Annotator) Plugin() plugin.Plugin {
	return plugin.Plugin{
		Name: "nb-component-path",
		OnTransform: func(req plugin.TransformRequest) (plugin.TransformResult, error) {
			res := a.Annotate(req.Path, req.Code)
			return plugin.TransformResult{Code: res.Code, Map: res.Map, Changed: res.Changed}, nil
		},
	}
}

// componentValue computes the attribute value for a component file: its path
// relative to the configured root, slash-normalized, with the extension kept
// or stripped per configuration.
func (a *Annotator) componentValue(filePath string) string {
	rel := filePath
	if filepath.IsAbs(filePath) && a.root != "" {
		if r, err := filepath.Rel(a.root, filePath); err == nil {
			rel = r
		}
	}
	rel = path.Clean(filepath.ToSlash(rel))
	if !a.includeExtension {
		rel = strings.TrimSuffix(rel, path.Ext(rel))
	}
	return rel
}

func (a *Annotator) logAnnotated(filePath, value string) {
	if a.verbose {
		log.Info().Str("path", filePath).Str("component", value).Msg("Component annotated")
	}
}

func (a *Annotator) logSkip(filePath, reason string) {
	if a.verbose {
		log.Debug().Str("path", filePath).Str("reason", reason).Msg("Component not annotated")
	}
}

// attributeText renders the attribute as inserted into an opening tag,
// leading space included.
func attributeText(value string) string {
	return fmt.Sprintf(" %s=%q", Attribute, value)
}
