package observability

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	testCases := []struct {
		status   int
		expected string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{204, "2xx"},
		{299, "2xx"},
		{300, "3xx"},
		{304, "3xx"},
		{399, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{426, "4xx"},
		{499, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{599, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
		{600, "5xx"}, // >= 500 returns 5xx
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			result := statusClass(tc.status)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestNormalizePath(t *testing.T) {
	t.Run("returns path unchanged for short paths", func(t *testing.T) {
		result := normalizePath("/ssr")
		assert.Equal(t, "/ssr", result)
	})

	t.Run("returns long_path for paths over 50 chars", func(t *testing.T) {
		longPath := "/js/pages/admin/settings/integrations/webhooks/EditForm.tsx"
		result := normalizePath(longPath)
		assert.Equal(t, "long_path", result)
	})

	t.Run("handles empty path", func(t *testing.T) {
		result := normalizePath("")
		assert.Equal(t, "", result)
	})

	t.Run("handles root path", func(t *testing.T) {
		result := normalizePath("/")
		assert.Equal(t, "/", result)
	})
}

func TestNewMetricsIsSingleton(t *testing.T) {
	first := NewMetrics()
	second := NewMetrics()
	require.NotNil(t, first)
	assert.Same(t, first, second, "repeat calls must not re-register collectors")
}

// TestMetrics_AllMethods exercises every record method on the singleton
// instance; a single test avoids duplicate registration issues.
func TestMetrics_AllMethods(t *testing.T) {
	m := NewMetrics()
	require.NotNil(t, m)

	t.Run("RecordSSRRender", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.RecordSSRRender("success", 12*time.Millisecond)
			m.RecordSSRRender("error", 3*time.Millisecond)
		})
	})

	t.Run("RecordSSRLoad", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.RecordSSRLoad("success", 250*time.Millisecond)
			m.RecordSSRLoad("error", 0)
		})
	})

	t.Run("RecordSSRInvalidation", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.RecordSSRInvalidation()
		})
	})

	t.Run("SetSSRReady", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.SetSSRReady(true)
			m.SetSSRReady(false)
		})
	})

	t.Run("RecordTransform", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.RecordTransform("changed")
			m.RecordTransform("unchanged")
		})
	})

	t.Run("RecordRouteRegeneration", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.RecordRouteRegeneration("success")
			m.RecordRouteRegeneration("error")
			m.RecordRouteRegeneration("dropped")
		})
	})

	t.Run("RecordReloadBroadcast", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.RecordReloadBroadcast()
		})
	})

	t.Run("UpdateHubConnections", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.UpdateHubConnections(3)
			m.UpdateHubConnections(0)
		})
	})

	t.Run("RecordFileEvent", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.RecordFileEvent()
		})
	})

	t.Run("UpdateUptime", func(t *testing.T) {
		startTime := time.Now().Add(-time.Hour)
		assert.NotPanics(t, func() {
			m.UpdateUptime(startTime)
		})
	})
}

func TestMetricsMiddlewareCollects(t *testing.T) {
	m := NewMetrics()

	app := fiber.New()
	app.Use(m.MetricsMiddleware())
	app.Get("/ssr-health", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/ssr-health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsHandlerServesExposition(t *testing.T) {
	m := NewMetrics()
	m.RecordReloadBroadcast()

	app := fiber.New()
	app.Get("/metrics", m.Handler())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
