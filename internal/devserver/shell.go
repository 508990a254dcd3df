// Package devserver glues the plugin pipeline to a concrete dev server
// process: origin resolution, startup path checks, hot marker files and
// their removal on shutdown or termination.
package devserver

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/nbweb/nbvite/internal/config"
	"github.com/nbweb/nbvite/internal/plugin"
	"github.com/nbweb/nbvite/internal/vite"
)

// ResolveOrigin builds the externally reachable dev server origin from the
// resolved configuration.
func ResolveOrigin(cfg *config.Config) string {
	return vite.Origin(cfg.Server.Host, cfg.Server.Port, cfg.HTTPS())
}

// Shell ties the process lifecycle together for one dev server: it validates
// paths when configuration resolves, writes the hot markers once the server
// listens and removes them exactly once on shutdown or termination signal.
type Shell struct {
	cfg    *config.Config
	origin string

	mu      sync.Mutex
	markers []string

	acquireOnce sync.Once
	releaseOnce sync.Once
}

// NewShell creates a shell for the given configuration.
func NewShell(cfg *config.Config) *Shell {
	return &Shell{
		cfg:    cfg,
		origin: ResolveOrigin(cfg),
	}
}

// Origin returns the resolved dev server origin.
func (s *Shell) Origin() string {
	return s.origin
}

// Plugin exposes the shell as dev server hooks: path checks at config
// resolution, marker writing at server start and the placeholder rewrite on
// served source.
func (s *Shell) Plugin() plugin.Plugin {
	return plugin.Plugin{
		Name:            "nb-shell",
		OnConfigResolve: s.checkPaths,
		OnServerStart: func(origin string, graph vite.ModuleGraph) error {
			if origin != "" {
				s.origin = origin
			}
			s.WriteHot(s.origin)
			if s.cfg.SSRDev.Enabled {
				s.WriteSSRHot(s.origin)
			}
			return nil
		},
		OnTransform: func(req plugin.TransformRequest) (plugin.TransformResult, error) {
			code := vite.RewritePlaceholder(req.Code, s.origin)
			return plugin.TransformResult{Code: code, Changed: code != req.Code}, nil
		},
	}
}

// checkPaths rejects configurations whose entry points do not exist on disk.
// A missing public directory only warns: frameworks create it on first build.
func (s *Shell) checkPaths(cfg *config.Config) error {
	for _, input := range cfg.Input {
		path := input
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.Root, path)
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("entry point %q not found under %s", input, cfg.Root)
		}
	}

	if _, err := os.Stat(filepath.Join(cfg.Root, cfg.PublicDir)); err != nil {
		log.Warn().Str("dir", cfg.PublicDir).Msg("Public directory does not exist yet")
	}
	return nil
}

// WriteHot writes the hot marker. Its presence tells the backend framework
// the dev server is live; its content is the origin to proxy assets from.
func (s *Shell) WriteHot(origin string) {
	s.writeMarker(s.cfg.HotFile, origin)
}

// WriteSSRHot writes the SSR marker: the origin with the render endpoint path
// appended.
func (s *Shell) WriteSSRHot(origin string) {
	s.writeMarker(s.cfg.SSRDev.HotFile, origin+s.cfg.SSRDev.Path)
}

func (s *Shell) writeMarker(file, content string) {
	if file == "" {
		return
	}
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.cfg.Root, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("Failed to create marker directory")
		return
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("Failed to write marker file")
		return
	}

	s.mu.Lock()
	s.markers = append(s.markers, path)
	s.mu.Unlock()
	log.Info().Str("file", path).Msg("Hot marker written")
}

// Acquire installs the signal handler that releases the markers on SIGINT or
// SIGTERM. Normal shutdown calls Release directly; together the two paths
// remove the markers exactly once per process.
func (s *Shell) Acquire() {
	s.acquireOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-ch
			s.Release()
		}()
	})
}

// Release removes every marker this shell wrote. Removal failures are
// warnings; calling Release again is a no-op.
func (s *Shell) Release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		markers := s.markers
		s.markers = nil
		s.mu.Unlock()

		for _, path := range markers {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("file", path).Msg("Failed to remove marker file")
				continue
			}
			log.Debug().Str("file", path).Msg("Hot marker removed")
		}
	})
}
