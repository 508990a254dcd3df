package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/mem"
)

// DenoRunner imports modules into a Deno subprocess: the entry is bundled
// with esbuild, wrapped in a worker harness and kept alive as a long-running
// process serving render requests over stdio.
type DenoRunner struct {
	root          string
	denoPath      string
	memoryLimitMB int
	importTimeout time.Duration

	mu      sync.Mutex
	bundles map[string]*bundle
}

// Option is a functional option for configuring DenoRunner
type Option func(*DenoRunner)

// WithMemoryLimit sets the V8 heap memory limit in MB
func WithMemoryLimit(mb int) Option {
	return func(r *DenoRunner) {
		r.memoryLimitMB = mb
	}
}

// WithImportTimeout bounds how long Import waits for the worker handshake
func WithImportTimeout(timeout time.Duration) Option {
	return func(r *DenoRunner) {
		r.importTimeout = timeout
	}
}

// WithDenoPath overrides Deno executable discovery
func WithDenoPath(path string) Option {
	return func(r *DenoRunner) {
		r.denoPath = path
	}
}

// NewDenoRunner creates a runner rooted at the project directory.
func NewDenoRunner(root string, opts ...Option) *DenoRunner {
	r := &DenoRunner{
		root:          root,
		denoPath:      detectDenoPath(),
		memoryLimitMB: 512,
		importTimeout: 30 * time.Second,
		bundles:       make(map[string]*bundle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// detectDenoPath finds the Deno executable
func detectDenoPath() string {
	denoPath, err := exec.LookPath("deno")
	if err != nil {
		// Try common installation paths
		paths := []string{
			"/usr/local/bin/deno",
			"/usr/bin/deno",
			"/home/vscode/.deno/bin/deno",
		}
		for _, path := range paths {
			if _, err := exec.LookPath(path); err == nil {
				return path
			}
		}
		return ""
	}
	return denoPath
}

// Available reports whether a Deno executable was found.
func (r *DenoRunner) Available() bool {
	return r.denoPath != ""
}

// Import bundles entry, spawns its worker and waits for the boot handshake.
// The returned module stays live until Close; a module without a callable
// render export fails here and its worker is reaped.
func (r *DenoRunner) Import(ctx context.Context, entry string) (*Module, error) {
	if r.denoPath == "" {
		return nil, fmt.Errorf("deno executable not found, install it or set the path explicitly")
	}

	absEntry := entry
	if !filepath.IsAbs(absEntry) {
		absEntry = filepath.Join(r.root, absEntry)
	}
	if _, err := os.Stat(absEntry); err != nil {
		return nil, fmt.Errorf("ssr entry point not found: %w", err)
	}

	b, err := r.bundleEntry(absEntry)
	if err != nil {
		return nil, err
	}

	w, err := r.startWorker(ctx, absEntry, b)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("entry", absEntry).Int("deps", len(b.Deps)).Msg("SSR module loaded")
	return &Module{
		Entry:  absEntry,
		Deps:   b.Deps,
		Render: w.render,
		close:  w.close,
	}, nil
}

// ClearCache drops all cached bundles.
func (r *DenoRunner) ClearCache() {
	r.mu.Lock()
	n := len(r.bundles)
	r.bundles = make(map[string]*bundle)
	r.mu.Unlock()
	if n > 0 {
		log.Debug().Int("bundles", n).Msg("Module runner cache cleared")
	}
}

// worker is one live Deno process serving render requests.
type worker struct {
	entry  string
	tmpDir string
	cancel context.CancelFunc
	stdin  io.WriteCloser

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan renderReply

	readyCh chan bool
	done    chan struct{}

	closeOnce sync.Once
	closing   atomic.Bool

	errMu    sync.Mutex
	errLines []string
}

type renderReply struct {
	result json.RawMessage
	err    error
}

// startWorker writes the bundle and harness to a scratch directory, spawns
// the Deno process and waits for the ready handshake.
func (r *DenoRunner) startWorker(ctx context.Context, entry string, b *bundle) (*worker, error) {
	tmpDir, err := os.MkdirTemp("", "nbvite-ssr-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create worker directory: %w", err)
	}

	modulePath := filepath.Join(tmpDir, "module.mjs")
	if err := os.WriteFile(modulePath, b.Code, 0600); err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("failed to write bundled module: %w", err)
	}
	workerPath := filepath.Join(tmpDir, "worker.mjs")
	if err := os.WriteFile(workerPath, []byte(workerHarness("./module.mjs")), 0600); err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("failed to write worker harness: %w", err)
	}

	args := []string{"run", "--allow-read", "--allow-env", "--allow-net"}
	if r.memoryLimitMB > 0 {
		// Check available system memory and warn if the limit exceeds it
		if vmStat, err := mem.VirtualMemory(); err == nil {
			availableMB := vmStat.Available / 1024 / 1024
			if uint64(r.memoryLimitMB) > availableMB {
				log.Warn().
					Str("entry", entry).
					Int("memory_limit_mb", r.memoryLimitMB).
					Uint64("available_memory_mb", availableMB).
					Msg("Memory limit exceeds available system memory - OOM kill is likely")
			}
		}
		args = append(args, fmt.Sprintf("--v8-flags=--max-old-space-size=%d", r.memoryLimitMB))
	}
	args = append(args, workerPath)

	// The worker outlives the Import call; its lifetime is bound to Close,
	// not to the caller's context.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(workerCtx, r.denoPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		workerCancel()
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		workerCancel()
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		workerCancel()
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		workerCancel()
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("failed to start deno: %w", err)
	}

	w := &worker{
		entry:   entry,
		tmpDir:  tmpDir,
		cancel:  workerCancel,
		stdin:   stdin,
		pending: make(map[string]chan renderReply),
		readyCh: make(chan bool, 1),
		done:    make(chan struct{}),
	}

	go w.readStdout(stdoutPipe)
	go w.readStderr(stderrPipe)
	go w.reap(cmd, r.memoryLimitMB)

	select {
	case ready := <-w.readyCh:
		if !ready {
			w.close()
			return nil, fmt.Errorf("module %s does not export a callable render function (expected a 'render' or default export)", entry)
		}
	case <-w.done:
		err := fmt.Errorf("ssr worker exited during startup: %s", w.errorTail())
		w.close()
		return nil, err
	case <-ctx.Done():
		w.close()
		return nil, ctx.Err()
	case <-time.After(r.importTimeout):
		w.close()
		return nil, fmt.Errorf("timed out after %v waiting for ssr module %s to load", r.importTimeout, entry)
	}

	return w, nil
}

// render sends one request to the worker and waits for its correlated reply.
// Safe for concurrent use; the worker serializes execution internally.
func (w *worker) render(ctx context.Context, page json.RawMessage) (json.RawMessage, error) {
	id := uuid.New().String()
	payload, err := json.Marshal(renderRequest{ID: id, Page: page})
	if err != nil {
		return nil, fmt.Errorf("failed to encode render request: %w", err)
	}

	ch := make(chan renderReply, 1)
	w.pendingMu.Lock()
	w.pending[id] = ch
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, id)
		w.pendingMu.Unlock()
	}()

	w.writeMu.Lock()
	_, err = fmt.Fprintf(w.stdin, "%s%s\n", renderPrefix, payload)
	w.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send render request: %w", err)
	}

	select {
	case reply := <-ch:
		if reply.err != nil {
			return nil, reply.err
		}
		return reply.result, nil
	case <-w.done:
		return nil, fmt.Errorf("ssr worker exited while rendering: %s", w.errorTail())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readStdout dispatches protocol lines and forwards everything else as
// worker console output.
func (w *worker) readStdout(pipe io.Reader) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("entry", w.entry).Msg("Panic in stdout processing - recovered")
		}
	}()

	scanner := bufio.NewScanner(pipe)
	// Large render results arrive on a single line (1MB max)
	const maxLineSize = 1024 * 1024
	scanner.Buffer(make([]byte, maxLineSize), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, readyPrefix):
			var ready readyMessage
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, readyPrefix)), &ready); err != nil {
				log.Warn().Err(err).Str("entry", w.entry).Msg("Malformed ready handshake from ssr worker")
				continue
			}
			select {
			case w.readyCh <- ready.Render:
			default:
			}

		case strings.HasPrefix(line, resultPrefix):
			var res resultMessage
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, resultPrefix)), &res); err != nil {
				log.Warn().Err(err).Str("entry", w.entry).Msg("Malformed result from ssr worker")
				continue
			}
			w.deliver(res.ID, renderReply{result: res.Result})

		case strings.HasPrefix(line, errorPrefix):
			var errMsg errorMessage
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, errorPrefix)), &errMsg); err != nil {
				log.Warn().Err(err).Str("entry", w.entry).Msg("Malformed error from ssr worker")
				continue
			}
			if errMsg.ID == "" {
				log.Warn().Str("entry", w.entry).Str("error", errMsg.Message).Msg("SSR worker rejected a request")
				continue
			}
			w.deliver(errMsg.ID, renderReply{err: &RenderError{Message: errMsg.Message, Stack: errMsg.Stack}})

		case line != "":
			log.Debug().Str("entry", w.entry).Msg(line)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Str("entry", w.entry).Msg("Scanner error while reading ssr worker stdout")
	}
}

// readStderr keeps a tail of recent lines for error reporting and forwards
// them to the log.
func (w *worker) readStderr(pipe io.Reader) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("entry", w.entry).Msg("Panic in stderr processing - recovered")
		}
	}()

	scanner := bufio.NewScanner(pipe)
	const maxLineSize = 1024 * 1024
	scanner.Buffer(make([]byte, maxLineSize), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		w.errMu.Lock()
		w.errLines = append(w.errLines, line)
		if len(w.errLines) > 50 {
			w.errLines = w.errLines[len(w.errLines)-50:]
		}
		w.errMu.Unlock()

		if !w.closing.Load() {
			log.Warn().Str("entry", w.entry).Msg(line)
		}
	}
}

func (w *worker) deliver(id string, reply renderReply) {
	w.pendingMu.Lock()
	ch, ok := w.pending[id]
	w.pendingMu.Unlock()
	if !ok {
		log.Warn().Str("entry", w.entry).Str("id", id).Msg("Reply for unknown render request")
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

// reap waits for the process, releases waiters and cleans the scratch
// directory.
func (w *worker) reap(cmd *exec.Cmd, memoryLimitMB int) {
	err := cmd.Wait()
	close(w.done)

	if err != nil && !w.closing.Load() {
		if strings.Contains(err.Error(), "signal: killed") {
			log.Error().
				Str("entry", w.entry).
				Int("memory_limit_mb", memoryLimitMB).
				Msg("SSR worker killed - OOM likely, raise the memory limit or render less per request")
		} else {
			log.Warn().Err(err).Str("entry", w.entry).Str("stderr", w.errorTail()).Msg("SSR worker exited")
		}
	}

	_ = os.RemoveAll(w.tmpDir)
}

func (w *worker) close() {
	w.closeOnce.Do(func() {
		w.closing.Store(true)
		_ = w.stdin.Close()
		w.cancel()
		<-w.done
	})
}

func (w *worker) errorTail() string {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if len(w.errLines) == 0 {
		return "no stderr output"
	}
	tail := w.errLines
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	return strings.Join(tail, " | ")
}
