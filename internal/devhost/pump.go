package devhost

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/nbweb/nbvite/internal/observability"
)

// Directories never watched, matched by basename.
var skipDirectories = map[string]bool{
	".git":         true,
	".hg":          true,
	"node_modules": true,
	"vendor":       true,
}

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

// Pump watches the project tree recursively and fans file events out to
// subscribers with absolute paths. Subscribers run on the pump's goroutine
// and must not block.
type Pump struct {
	root    string
	skip    map[string]bool
	watcher *fsnotify.Watcher
	metrics *observability.Metrics

	subscribers []func(path string)
}

// NewPump creates a pump for the project root. buildDir is skipped along
// with version control and dependency directories.
func NewPump(root, buildDir string) (*Pump, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	skip := make(map[string]bool, len(skipDirectories)+1)
	for name := range skipDirectories {
		skip[name] = true
	}
	if buildDir != "" {
		skip[filepath.Base(buildDir)] = true
	}

	return &Pump{root: root, skip: skip, watcher: watcher}, nil
}

// SetMetrics sets the metrics instance for the file event counter.
func (p *Pump) SetMetrics(metrics *observability.Metrics) {
	p.metrics = metrics
}

// Subscribe registers one file-event consumer. Call before Start.
func (p *Pump) Subscribe(fn func(path string)) {
	p.subscribers = append(p.subscribers, fn)
}

// Start watches the tree and delivers events on a background goroutine until
// ctx is cancelled or Stop is called.
func (p *Pump) Start(ctx context.Context) error {
	if err := p.watcher.Add(p.root); err != nil {
		return fmt.Errorf("failed to watch project root: %w", err)
	}
	p.addTree(p.root)

	go p.run(ctx)
	log.Info().Str("root", p.root).Msg("File watcher started")
	return nil
}

// Stop closes the underlying watcher; the event goroutine drains and exits.
func (p *Pump) Stop() {
	_ = p.watcher.Close()
}

// addTree watches every directory below dir that is not skipped. Unreadable
// directories are logged and skipped, never fatal.
func (p *Pump) addTree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() || path == dir {
			return nil
		}
		if p.skip[d.Name()] {
			return fs.SkipDir
		}
		if err := p.watcher.Add(path); err != nil {
			log.Warn().Err(err).Str("dir", path).Msg("Failed to watch directory")
		}
		return nil
	})
}

func (p *Pump) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			p.handle(event)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("File watcher error")
		}
	}
}

func (p *Pump) handle(event fsnotify.Event) {
	if event.Op&relevantOps == 0 {
		return
	}

	// New directories join the watch set instead of notifying; the files
	// created inside them produce their own events
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !p.skip[filepath.Base(event.Name)] {
				if err := p.watcher.Add(event.Name); err == nil {
					p.addTree(event.Name)
				}
			}
			return
		}
	}

	path := event.Name
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.root, path)
	}

	log.Debug().Str("path", path).Str("op", event.Op.String()).Msg("File event")
	if p.metrics != nil {
		p.metrics.RecordFileEvent()
	}
	for _, fn := range p.subscribers {
		fn(path)
	}
}
