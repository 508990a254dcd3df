package ssr

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/nbweb/nbvite/internal/runtime"
)

// renderSuccess is the envelope for a completed render.
type renderSuccess struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
}

// renderFailure is the envelope for any request-level failure: body reading,
// JSON parsing, module load or the render call itself.
type renderFailure struct {
	Success bool        `json:"success"`
	Error   renderError `json:"error"`
}

type renderError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// RegisterRoutes mounts the render and health endpoints on the dev server.
// Unmatched paths fall through to later handlers.
func (b *Bridge) RegisterRoutes(app *fiber.App) {
	app.Get(b.cfg.HealthPath, b.handleHealth)
	app.All(b.cfg.Path, b.handleRender)
}

// handleHealth reports bridge status; ready mirrors the render cache.
func (b *Bridge) handleHealth(c *fiber.Ctx) error {
	c.Set("Access-Control-Allow-Origin", "*")
	return c.JSON(fiber.Map{
		"status": "ok",
		"ready":  b.Ready(),
		"mode":   "vite-plugin",
	})
}

// handleRender serves the render endpoint. OPTIONS answers the CORS
// preflight, POST renders, everything else is rejected. Failures anywhere on
// the request path are converted to the 500 envelope; nothing propagates out
// of the handler.
func (b *Bridge) handleRender(c *fiber.Ctx) error {
	c.Set("Access-Control-Allow-Origin", "*")
	c.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	c.Set("Access-Control-Allow-Headers", "Content-Type")

	switch c.Method() {
	case fiber.MethodOptions:
		// Preflight answers with headers only
		return c.Status(fiber.StatusOK).SendString("")
	case fiber.MethodPost:
		return b.render(c)
	default:
		return c.SendStatus(fiber.StatusMethodNotAllowed)
	}
}

func (b *Bridge) render(c *fiber.Ctx) error {
	start := time.Now()

	var page json.RawMessage
	if err := json.Unmarshal(c.Body(), &page); err != nil {
		return b.renderFailed(c, start, err)
	}

	var ctx context.Context = c.Context()
	if b.cfg.Timeout > 0 {
		timeoutCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
		ctx = timeoutCtx
	}

	fn, err := b.renderFunc(ctx)
	if err != nil {
		return b.renderFailed(c, start, err)
	}

	result, err := fn(ctx, page)
	if err != nil {
		return b.renderFailed(c, start, err)
	}

	if b.metrics != nil {
		b.metrics.RecordSSRRender("success", time.Since(start))
	}
	return c.Status(fiber.StatusOK).JSON(renderSuccess{Success: true, Result: result})
}

// renderFailed reports one failed request. The worker's stack trace rides
// along when the failure happened inside the render function.
func (b *Bridge) renderFailed(c *fiber.Ctx, start time.Time, err error) error {
	body := renderFailure{Error: renderError{Message: err.Error()}}

	var renderErr *runtime.RenderError
	if errors.As(err, &renderErr) {
		body.Error.Stack = renderErr.Stack
	}

	log.Error().Err(err).Str("path", c.Path()).Msg("SSR render failed")
	if b.metrics != nil {
		b.metrics.RecordSSRRender("error", time.Since(start))
	}
	return c.Status(fiber.StatusInternalServerError).JSON(body)
}
