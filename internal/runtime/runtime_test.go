package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newParseWorker builds a worker with live channels but no process behind it,
// so the stdio readers can be driven from plain readers.
func newParseWorker() *worker {
	return &worker{
		entry:   "js/ssr_dev.ts",
		pending: make(map[string]chan renderReply),
		readyCh: make(chan bool, 1),
		done:    make(chan struct{}),
	}
}

func TestWorkerHarnessProtocol(t *testing.T) {
	harness := workerHarness("./module.mjs")

	assert.Contains(t, harness, `from "./module.mjs"`)
	assert.Contains(t, harness, readyPrefix)
	assert.Contains(t, harness, renderPrefix)
	assert.Contains(t, harness, resultPrefix)
	assert.Contains(t, harness, errorPrefix)
	assert.Contains(t, harness, "mod.render")
	assert.Contains(t, harness, "mod.default")
}

func TestReadStdoutReadyHandshake(t *testing.T) {
	t.Run("module with render export", func(t *testing.T) {
		w := newParseWorker()
		w.readStdout(strings.NewReader(readyPrefix + `{"render":true}` + "\n"))
		assert.True(t, <-w.readyCh)
	})

	t.Run("module without render export", func(t *testing.T) {
		w := newParseWorker()
		w.readStdout(strings.NewReader(readyPrefix + `{"render":false}` + "\n"))
		assert.False(t, <-w.readyCh)
	})

	t.Run("malformed handshake is skipped", func(t *testing.T) {
		w := newParseWorker()
		lines := readyPrefix + "{not json\n" + readyPrefix + `{"render":true}` + "\n"
		w.readStdout(strings.NewReader(lines))
		assert.True(t, <-w.readyCh)
	})
}

func TestReadStdoutDeliversResult(t *testing.T) {
	w := newParseWorker()
	ch := make(chan renderReply, 1)
	w.pending["req-1"] = ch

	w.readStdout(strings.NewReader(resultPrefix + `{"id":"req-1","result":{"html":"<p>ok</p>"}}` + "\n"))

	reply := <-ch
	require.NoError(t, reply.err)
	assert.JSONEq(t, `{"html":"<p>ok</p>"}`, string(reply.result))
}

func TestReadStdoutDeliversRenderError(t *testing.T) {
	w := newParseWorker()
	ch := make(chan renderReply, 1)
	w.pending["req-2"] = ch

	w.readStdout(strings.NewReader(errorPrefix + `{"id":"req-2","message":"boom","stack":"Error: boom\n  at render"}` + "\n"))

	reply := <-ch
	var renderErr *RenderError
	require.ErrorAs(t, reply.err, &renderErr)
	assert.Equal(t, "boom", renderErr.Message)
	assert.Contains(t, renderErr.Stack, "at render")
}

func TestReadStdoutIgnoresStrayLines(t *testing.T) {
	w := newParseWorker()
	ch := make(chan renderReply, 1)
	w.pending["req-3"] = ch

	lines := strings.Join([]string{
		resultPrefix + `{"id":"nobody-waiting","result":null}`,
		errorPrefix + `{"id":"","message":"request rejected before dispatch"}`,
		"plain console output from the module",
		"",
	}, "\n")

	assert.NotPanics(t, func() {
		w.readStdout(strings.NewReader(lines))
	})
	assert.Empty(t, ch, "stray lines must not reach registered waiters")
}

func TestStderrTailKeepsRecentLines(t *testing.T) {
	w := newParseWorker()
	assert.Equal(t, "no stderr output", w.errorTail())

	var b strings.Builder
	for i := 1; i <= 8; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	w.closing.Store(true)
	w.readStderr(strings.NewReader(b.String()))

	assert.Equal(t, "line 4 | line 5 | line 6 | line 7 | line 8", w.errorTail())
}

func TestImportWithoutDeno(t *testing.T) {
	runner := NewDenoRunner(t.TempDir(), WithDenoPath(""))

	assert.False(t, runner.Available())

	_, err := runner.Import(context.Background(), "js/ssr_dev.ts")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deno executable not found")
}

func TestImportMissingEntry(t *testing.T) {
	runner := NewDenoRunner(t.TempDir(), WithDenoPath("/usr/bin/deno"))

	_, err := runner.Import(context.Background(), "js/missing.ts")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ssr entry point not found")
}

func TestClearCacheDropsBundles(t *testing.T) {
	runner := NewDenoRunner(t.TempDir())
	runner.bundles["a.ts"] = &bundle{}
	runner.bundles["b.ts"] = &bundle{}

	runner.ClearCache()

	assert.Empty(t, runner.bundles)
}

// Integration tests below spawn a real Deno process.

func newIntegrationRunner(t *testing.T) (*DenoRunner, string) {
	t.Helper()
	root := t.TempDir()
	runner := NewDenoRunner(root, WithImportTimeout(20*time.Second))
	if !runner.Available() {
		t.Skip("Deno not installed, skipping runner tests")
	}
	return runner, root
}

func writeEntry(t *testing.T, root, rel, code string) {
	t.Helper()
	abs := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
	require.NoError(t, os.WriteFile(abs, []byte(code), 0644))
}

func TestImportRenderRoundTrip(t *testing.T) {
	runner, root := newIntegrationRunner(t)
	writeEntry(t, root, "render.ts", `
export function render(page: { component: string }) {
  return { html: "<div>" + page.component + "</div>" };
}
`)

	mod, err := runner.Import(context.Background(), "render.ts")
	require.NoError(t, err)
	defer mod.Close()

	assert.Equal(t, filepath.Join(root, "render.ts"), mod.Entry)
	assert.Contains(t, mod.Deps, filepath.Join(root, "render.ts"))

	result, err := mod.Render(context.Background(), json.RawMessage(`{"component":"Home"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"html":"<div>Home</div>"}`, string(result))

	// The worker stays warm across requests
	result, err = mod.Render(context.Background(), json.RawMessage(`{"component":"About"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"html":"<div>About</div>"}`, string(result))
}

func TestImportRejectsModuleWithoutRender(t *testing.T) {
	runner, root := newIntegrationRunner(t)
	writeEntry(t, root, "norender.ts", `export const value = 42;`)

	_, err := runner.Import(context.Background(), "norender.ts")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "render")
}

func TestRenderErrorPropagates(t *testing.T) {
	runner, root := newIntegrationRunner(t)
	writeEntry(t, root, "throws.ts", `
export function render() {
  throw new Error("render exploded");
}
`)

	mod, err := runner.Import(context.Background(), "throws.ts")
	require.NoError(t, err)
	defer mod.Close()

	_, err = mod.Render(context.Background(), json.RawMessage(`{}`))
	var renderErr *RenderError
	require.ErrorAs(t, err, &renderErr)
	assert.Equal(t, "render exploded", renderErr.Message)
	assert.NotEmpty(t, renderErr.Stack)
}

func TestDefaultExportServesAsRender(t *testing.T) {
	runner, root := newIntegrationRunner(t)
	writeEntry(t, root, "defaulted.ts", `
export default function (page: { id: number }) {
  return { id: page.id };
}
`)

	mod, err := runner.Import(context.Background(), "defaulted.ts")
	require.NoError(t, err)
	defer mod.Close()

	result, err := mod.Render(context.Background(), json.RawMessage(`{"id":7}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7}`, string(result))
}
