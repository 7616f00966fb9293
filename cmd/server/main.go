package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"gridbase/internal/auth"
	"gridbase/internal/config"
	"gridbase/internal/engine"
	"gridbase/internal/metadata"
	"gridbase/internal/store"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, db: %s:%d/%s)", cfg.Server.Port, cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	// 3. Build the engine and register configured resources
	eng := engine.New(db, db, engine.Options{
		BasePath:   cfg.API.BasePath,
		Production: cfg.IsProduction(),
	})
	for _, res := range cfg.Resources {
		td := &metadata.TableDescriptor{
			Schema:       res.Schema,
			Table:        res.Table,
			TenantColumn: res.TenantColumn,
			Hidden:       res.Hidden,
			AccessRule:   res.AccessRule,
		}
		if err := eng.Register(td); err != nil {
			log.Fatalf("Failed to register %s: %v", res.Table, err)
		}
	}

	// 4. Introspect schemas and resolve the relation graph up front, so a
	// misconfigured table fails the process instead of the first request.
	if err := eng.Init(ctx); err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}
	log.Printf("Engine ready (%d resources)", len(cfg.Resources))

	// 5. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: engine.ErrorHandler(cfg.IsProduction()),
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: !cfg.IsProduction(),
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 6. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 7. Resource API under the base path, behind optional auth
	api := app.Group(cfg.API.BasePath, auth.Middleware(cfg.JWTSecret))
	engine.RegisterRoutes(api, eng)

	// 8. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Fatal(app.Listen(addr))
}
