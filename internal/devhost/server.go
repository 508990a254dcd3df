package devhost

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/zerolog/log"

	"github.com/nbweb/nbvite/internal/config"
	"github.com/nbweb/nbvite/internal/observability"
	"github.com/nbweb/nbvite/internal/plugin"
	"github.com/nbweb/nbvite/internal/vite"
)

// Extensions served through the transform pipeline, with the content type
// sent to the browser.
var sourceTypes = map[string]string{
	".js":  "application/javascript; charset=utf-8",
	".jsx": "application/javascript; charset=utf-8",
	".ts":  "application/javascript; charset=utf-8",
	".tsx": "application/javascript; charset=utf-8",
	".mjs": "application/javascript; charset=utf-8",
	".vue": "application/javascript; charset=utf-8",
	".css": "text/css; charset=utf-8",
}

// Host is the built-in dev server process: a Fiber app serving transformed
// source and the HMR channel, a module registry and the file event pump.
// pipeline must not be nil; metrics may be.
type Host struct {
	cfg      *config.Config
	app      *fiber.App
	hub      *Hub
	registry *Registry
	pump     *Pump
	pipeline *plugin.Pipeline
	metrics  *observability.Metrics
	origin   string
}

// New builds a host around the plugin pipeline. Mount feature routes before
// calling Start; the transform fallthrough is installed last.
func New(cfg *config.Config, pipeline *plugin.Pipeline, metrics *observability.Metrics) (*Host, error) {
	pump, err := NewPump(cfg.Root, cfg.BuildDir)
	if err != nil {
		return nil, err
	}

	hub := NewHub()
	hub.SetMetrics(metrics)
	pump.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		ServerHeader:          "nbvite",
		AppName:               "nbvite dev server",
		DisableStartupMessage: !cfg.Debug,
		ErrorHandler:          hostErrorHandler,
	})

	h := &Host{
		cfg:      cfg,
		app:      app,
		hub:      hub,
		registry: NewRegistry(hub),
		pump:     pump,
		pipeline: pipeline,
		metrics:  metrics,
		origin:   vite.Origin(cfg.Server.Host, cfg.Server.Port, cfg.HTTPS()),
	}
	h.setupMiddlewares()
	h.setupRoutes()
	return h, nil
}

// setupMiddlewares sets up global middlewares
func (h *Host) setupMiddlewares() {
	h.app.Use(requestid.New())

	if h.cfg.Debug {
		h.app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path} ${error}\n",
		}))
	}

	h.app.Use(recover.New(recover.Config{
		EnableStackTrace: h.cfg.Debug,
	}))

	if h.metrics != nil {
		h.app.Use(h.metrics.MetricsMiddleware())
	}
}

func (h *Host) setupRoutes() {
	h.hub.RegisterRoutes(h.app)
	if h.metrics != nil {
		h.app.Get("/metrics", h.metrics.Handler())
	}
}

// Mount lets a feature register its routes on the host app. Call before
// Start.
func (h *Host) Mount(fn func(app *fiber.App)) {
	fn(h.app)
}

// Subscribe registers a file-event consumer with the pump. Call before
// Start.
func (h *Host) Subscribe(fn func(path string)) {
	h.pump.Subscribe(fn)
}

// Graph returns the host's module graph.
func (h *Host) Graph() *Registry {
	return h.registry
}

// Origin returns the resolved dev server origin.
func (h *Host) Origin() string {
	return h.origin
}

// App returns the underlying Fiber app instance for testing
func (h *Host) App() *fiber.App {
	return h.app
}

// Start installs the transform fallthrough, starts the file pump and listens
// on the configured address. It blocks until the listener stops.
func (h *Host) Start(ctx context.Context) error {
	h.app.Use(h.serveSource)

	if err := h.pump.Start(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", h.cfg.Server.Host, h.cfg.Server.Port)
	log.Info().Str("origin", h.origin).Msg("Dev server listening")
	if h.cfg.Server.TLS.Enabled {
		return h.app.ListenTLS(addr, h.cfg.Server.TLS.Cert, h.cfg.Server.TLS.Key)
	}
	return h.app.Listen(addr)
}

// Shutdown stops the listener, the hub and the file pump.
func (h *Host) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down dev server")
	err := h.app.ShutdownWithContext(ctx)
	h.hub.Shutdown()
	h.pump.Stop()
	return err
}

// serveSource is the fallthrough handler: a GET of a project source file
// runs it through the transform chain, registers it in the module graph and
// serves the result.
func (h *Host) serveSource(c *fiber.Ctx) error {
	if c.Method() != fiber.MethodGet {
		return fiber.ErrNotFound
	}

	rel := strings.TrimPrefix(path.Clean(c.Path()), "/")
	if rel == "" || rel == "." || strings.HasPrefix(rel, "..") {
		return fiber.ErrNotFound
	}

	ctype, ok := sourceTypes[strings.ToLower(path.Ext(rel))]
	if !ok {
		return fiber.ErrNotFound
	}

	abs := filepath.Join(h.cfg.Root, filepath.FromSlash(rel))
	code, err := os.ReadFile(abs)
	if err != nil {
		return fiber.ErrNotFound
	}

	out := h.pipeline.Transform(plugin.TransformRequest{Path: abs, Code: string(code)})
	h.registry.Ensure("/"+rel, abs)

	if h.metrics != nil {
		result := "unchanged"
		if out.Changed {
			result = "changed"
		}
		h.metrics.RecordTransform(result)
	}

	c.Set(fiber.HeaderContentType, ctype)
	return c.SendString(out.Code)
}

// hostErrorHandler handles errors globally
func hostErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	if code >= 500 {
		log.Error().Err(err).Str("path", c.Path()).Msg("Dev server error")
	}

	return c.Status(code).JSON(fiber.Map{
		"error": message,
		"code":  code,
	})
}
