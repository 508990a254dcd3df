// Package routewatch regenerates the frontend routing artifact when backend
// route definitions change. Matching file events are debounced into a single
// external command run; when the command succeeds the generated module is
// invalidated in the bundler's graph and connected clients get a full reload.
package routewatch

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nbweb/nbvite/internal/config"
	"github.com/nbweb/nbvite/internal/observability"
	"github.com/nbweb/nbvite/internal/plugin"
	"github.com/nbweb/nbvite/internal/vite"
)

// Execer runs one external regeneration command to completion.
type Execer interface {
	Run(ctx context.Context, command string) error
}

// shellExecer splits the command on whitespace and runs it with the project
// root as the working directory.
type shellExecer struct {
	root string
}

func (e *shellExecer) Run(ctx context.Context, command string) error {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = e.root
	out, err := cmd.CombinedOutput()
	if err != nil {
		if trimmed := strings.TrimSpace(string(out)); trimmed != "" {
			return fmt.Errorf("%w: %s", err, trimmed)
		}
		return err
	}
	if trimmed := strings.TrimSpace(string(out)); trimmed != "" {
		log.Debug().Str("output", trimmed).Msg("Route generation output")
	}
	return nil
}

// Watcher is the router-change watcher. At most one regeneration command runs
// at a time; changes arriving while one is in flight are dropped, not queued.
// The zero value is not usable, construct with New.
type Watcher struct {
	root       string
	patterns   []*regexp.Regexp
	command    string
	routesFile string
	debounce   time.Duration

	execer  Execer
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	graph      vite.ModuleGraph
	timer      *time.Timer
	inProgress bool
}

// New compiles the configured glob patterns and returns a watcher rooted at
// the project directory. The module graph arrives later through the server
// start hook.
func New(cfg config.RoutesConfig, root string) (*Watcher, error) {
	patterns := make([]*regexp.Regexp, 0, len(cfg.RouterPath))
	for _, p := range cfg.RouterPath {
		re, err := translateGlob(p)
		if err != nil {
			return nil, fmt.Errorf("invalid router path pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		root:       root,
		patterns:   patterns,
		command:    cfg.Command,
		routesFile: cfg.RoutesFile,
		debounce:   cfg.Debounce,
		execer:     &shellExecer{root: root},
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// SetMetrics sets the metrics instance for recording regeneration outcomes.
func (w *Watcher) SetMetrics(metrics *observability.Metrics) {
	w.metrics = metrics
}

// Plugin exposes the watcher as dev server hooks; the server start hook wires
// the module graph.
func (w *Watcher) Plugin() plugin.Plugin {
	return plugin.Plugin{
		Name: "nb-routes",
		OnServerStart: func(origin string, graph vite.ModuleGraph) error {
			w.mu.Lock()
			w.graph = graph
			w.mu.Unlock()
			return nil
		},
	}
}

// OnFileChange tests one changed file against the route patterns and, on a
// match, schedules a debounced regeneration. While a command is in flight new
// matches are dropped with a notice.
func (w *Watcher) OnFileChange(path string) {
	if w.command == "" {
		return
	}
	rel := w.relative(path)
	if !w.matches(rel) {
		return
	}

	w.mu.Lock()
	if w.inProgress {
		w.mu.Unlock()
		log.Info().Str("path", rel).Msg("Route generation already running, change dropped")
		w.recordRegeneration("dropped")
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
	w.mu.Unlock()

	log.Debug().Str("path", rel).Msg("Route file changed, regeneration scheduled")
}

// Stop cancels the pending timer and any in-flight command. The watcher is
// unusable afterwards.
func (w *Watcher) Stop() {
	w.cancel()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
}

// relative converts an absolute path under the project root to its slashed
// relative form; everything else is only slash-normalized.
func (w *Watcher) relative(path string) string {
	if filepath.IsAbs(path) {
		if rel, err := filepath.Rel(w.root, path); err == nil && !strings.HasPrefix(rel, "..") {
			path = rel
		}
	}
	return filepath.ToSlash(path)
}

func (w *Watcher) matches(rel string) bool {
	for _, re := range w.patterns {
		if re.MatchString(rel) {
			return true
		}
	}
	return false
}

// fire runs when the debounce window closes. The in-flight guard is checked
// again here: the timer may have been armed just before a previous run
// started.
func (w *Watcher) fire() {
	w.mu.Lock()
	if w.inProgress {
		w.mu.Unlock()
		log.Info().Msg("Route generation already running, trigger dropped")
		w.recordRegeneration("dropped")
		return
	}
	w.inProgress = true
	w.mu.Unlock()

	w.regenerate()

	w.mu.Lock()
	w.inProgress = false
	w.mu.Unlock()
}

func (w *Watcher) regenerate() {
	log.Info().Str("command", w.command).Msg("Route files changed, regenerating")

	start := time.Now()
	if err := w.execer.Run(w.ctx, w.command); err != nil {
		log.Error().Err(err).Str("command", w.command).Msg("Route generation failed")
		w.recordRegeneration("error")
		return
	}

	log.Info().Dur("duration", time.Since(start)).Msg("Route generation finished")
	w.recordRegeneration("success")
	w.reloadClients()
}

// reloadClients invalidates the regenerated artifact in the module graph and
// broadcasts a full reload. The artifact may be registered under several path
// forms depending on how it was first requested; the first hit wins. No hit
// still reloads: a stale routes module is worse than a redundant refresh.
func (w *Watcher) reloadClients() {
	w.mu.Lock()
	graph := w.graph
	w.mu.Unlock()
	if graph == nil {
		return
	}

	for _, id := range w.candidateIDs() {
		if node, ok := graph.ModuleByID(id); ok {
			graph.InvalidateByFile(node.File)
			log.Debug().Str("module", id).Msg("Invalidated generated routes module")
			break
		}
	}

	graph.BroadcastFullReload()
}

// candidateIDs lists the graph IDs the generated artifact may be registered
// under: as configured, URL-style with a leading slash, absolute under the
// project root, and with the assets prefix stripped.
func (w *Watcher) candidateIDs() []string {
	file := filepath.ToSlash(w.routesFile)
	candidates := []string{
		file,
		"/" + file,
		filepath.ToSlash(filepath.Join(w.root, file)),
	}
	if stripped := strings.TrimPrefix(file, "assets/"); stripped != file {
		candidates = append(candidates, stripped, "/"+stripped)
	}
	return candidates
}

func (w *Watcher) recordRegeneration(result string) {
	if w.metrics != nil {
		w.metrics.RecordRouteRegeneration(result)
	}
}
