package app

import (
	"github.com/gofiber/fiber/v2"
	"github.com/twdamhore/serabut/action"
	"github.com/twdamhore/serabut/config"
	"github.com/twdamhore/serabut/content"
	"github.com/twdamhore/serabut/stream"
	"github.com/z46-dev/go-logger"
)

var (
	log      *logger.Logger
	tables   *content.Tables
	resolver *content.Resolver
	pipeline *stream.Pipeline
	store    *action.Store
)

// CreateApp wires the resolver, pipeline and action store and registers
// the HTTP surface. Kept separate from StartApp so tests can drive the
// returned app directly.
func CreateApp() (app *fiber.App, err error) {
	log = logger.NewLogger().SetPrefix("[HTTP]", logger.BoldPurple).IncludeTimestamp()

	var cfg *config.Configuration = &config.Config

	if tables, err = content.NewTables(cfg.AliasesPath(), cfg.CombinePath()); err != nil {
		return
	}

	if err = tables.Watch(); err != nil {
		// Reload-on-change is a convenience; a broken watcher only means
		// table edits need a restart.
		log.Warningf("Table watcher unavailable: %v\n", err)
		err = nil
	}

	resolver = content.NewResolver(tables, cfg.Library.Dir)
	pipeline = stream.NewPipeline(
		int64(cfg.Streaming.ChunkSizeMiB)*1024*1024,
		cfg.Streaming.QueueCapacity,
		int64(cfg.Streaming.MaxReaders),
	)
	store = action.NewStore(cfg.ActionPath())

	app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Use(requestLogging)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	// Content API
	app.Get("/content/embedded/:alias/*", apiContentEmbedded)
	app.Get("/content/composite/:name", apiContentComposite)
	app.Get("/content/raw/:alias/:filename", apiContentRaw)

	// Action API
	app.Get("/action/boot", apiActionBoot)
	app.Get("/action/complete", apiActionComplete)

	return
}

// StartApp runs the content server until the listener fails or the app is
// shut down.
func StartApp() (err error) {
	var app *fiber.App
	if app, err = CreateApp(); err != nil {
		return
	}

	if config.Config.WebServer.TLSDir != "" {
		err = app.ListenTLS(config.Config.WebServer.Address,
			config.Config.WebServer.TLSDir+"/fullchain.pem",
			config.Config.WebServer.TLSDir+"/privkey.pem")
		return
	}

	err = app.Listen(config.Config.WebServer.Address)
	return
}
