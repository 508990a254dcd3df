package ssr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbweb/nbvite/internal/runtime"
	"github.com/nbweb/nbvite/internal/testutil"
)

func newTestApp(b *Bridge) *fiber.App {
	app := fiber.New()
	b.RegisterRoutes(app)
	return app
}

func postRender(t *testing.T, app *fiber.App, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/ssr", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func TestRenderEndpointRoundTrip(t *testing.T) {
	runner := testutil.NewMockRunner()
	b := NewBridge(testConfig(), t.TempDir(), runner)
	defer b.Dispose()
	app := newTestApp(b)

	page := `{"component":"Pages/Home","props":{"title":"Hello"},"url":"/"}`
	resp := postRender(t, app, page)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	body, _ := io.ReadAll(resp.Body)
	var out struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Success)
	assert.JSONEq(t, page, string(out.Result))

	// A second request reuses the cached render function
	resp = postRender(t, app, page)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, runner.ImportCalls(), 1)
}

func TestRenderEndpointReportsRenderError(t *testing.T) {
	runner := testutil.NewMockRunner()
	runner.Render = func(ctx context.Context, page json.RawMessage) (json.RawMessage, error) {
		return nil, &runtime.RenderError{Message: "boom", Stack: "Error: boom\n    at render (ssr_dev.ts:12:3)"}
	}
	b := NewBridge(testConfig(), t.TempDir(), runner)
	defer b.Dispose()
	app := newTestApp(b)

	resp := postRender(t, app, `{"component":"Pages/Home"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	var out struct {
		Success bool `json:"success"`
		Error   struct {
			Message string `json:"message"`
			Stack   string `json:"stack"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.False(t, out.Success)
	assert.Equal(t, "boom", out.Error.Message)
	assert.Contains(t, out.Error.Stack, "at render")
}

func TestRenderEndpointOmitsMissingStack(t *testing.T) {
	runner := testutil.NewMockRunner()
	runner.Render = func(ctx context.Context, page json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("exploded")
	}
	b := NewBridge(testConfig(), t.TempDir(), runner)
	defer b.Dispose()
	app := newTestApp(b)

	resp := postRender(t, app, `{}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"message":"exploded"`)
	assert.NotContains(t, string(body), `"stack"`)
}

func TestRenderEndpointReportsLoadFailure(t *testing.T) {
	runner := testutil.NewMockRunner()
	runner.SetImportErr(errors.New("worker failed to boot"))
	b := NewBridge(testConfig(), t.TempDir(), runner)
	defer b.Dispose()
	app := newTestApp(b)

	resp := postRender(t, app, `{}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	var out struct {
		Success bool `json:"success"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.False(t, out.Success)
	assert.Contains(t, out.Error.Message, "worker failed to boot")
}

func TestRenderEndpointRejectsInvalidBody(t *testing.T) {
	runner := testutil.NewMockRunner()
	b := NewBridge(testConfig(), t.TempDir(), runner)
	defer b.Dispose()
	app := newTestApp(b)

	resp := postRender(t, app, `{"component":`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	var out struct {
		Success bool `json:"success"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.False(t, out.Success)
	assert.Empty(t, runner.ImportCalls(), "a bad body never reaches the runner")
}

func TestRenderEndpointMethodGating(t *testing.T) {
	runner := testutil.NewMockRunner()
	b := NewBridge(testConfig(), t.TempDir(), runner)
	defer b.Dispose()
	app := newTestApp(b)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		req := httptest.NewRequest(method, "/ssr", nil)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, method)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"), method)
	}
}

func TestRenderEndpointPreflight(t *testing.T) {
	runner := testutil.NewMockRunner()
	b := NewBridge(testConfig(), t.TempDir(), runner)
	defer b.Dispose()
	app := newTestApp(b)

	req := httptest.NewRequest(http.MethodOptions, "/ssr", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", resp.Header.Get("Access-Control-Allow-Headers"))

	body, _ := io.ReadAll(resp.Body)
	assert.Empty(t, body)
	assert.Empty(t, runner.ImportCalls())
}

func TestRenderEndpointHonorsTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond

	runner := testutil.NewMockRunner()
	runner.Render = func(ctx context.Context, page json.RawMessage) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
			return page, nil
		}
	}
	b := NewBridge(cfg, t.TempDir(), runner)
	defer b.Dispose()
	app := newTestApp(b)

	resp := postRender(t, app, `{}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "context deadline exceeded")
}

func TestHealthEndpointReflectsCache(t *testing.T) {
	runner := testutil.NewMockRunner()
	b := NewBridge(testConfig(), t.TempDir(), runner)
	defer b.Dispose()
	app := newTestApp(b)

	health := func() map[string]any {
		req := httptest.NewRequest(http.MethodGet, "/ssr-health", nil)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

		body, _ := io.ReadAll(resp.Body)
		var out map[string]any
		require.NoError(t, json.Unmarshal(body, &out))
		return out
	}

	out := health()
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "vite-plugin", out["mode"])
	assert.Equal(t, false, out["ready"])

	_, err := b.load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, health()["ready"])

	b.OnFileChange("resources/js/pages/Home.tsx")
	assert.Equal(t, false, health()["ready"])
}
