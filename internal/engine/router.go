package engine

import (
	"github.com/gofiber/fiber/v2"
)

// RegisterRoutes mounts the resource API under the given router. Literal
// segments register ahead of parameter segments so /:table/ids never falls
// through to /:table/:id.
func RegisterRoutes(app fiber.Router, e *Engine) {
	h := NewHandler(e)

	app.Get("/updates", h.Live)

	for _, td := range e.Descriptors() {
		if td.Mount != nil {
			td.Mount(app.Group("/" + td.Table))
		}
	}

	app.Get("/:table", h.List)
	app.Post("/:table", h.Create)
	app.Get("/:table/ids", h.Ids)
	app.Get("/:table/count", h.Count)
	app.Get("/:table/first", h.First)
	app.Post("/:table/validate", h.ValidateNew)
	app.Post("/:table/actions/:name", h.StaticAction)
	app.Get("/:table/:id", h.GetByID)
	app.Put("/:table/:id", h.Update)
	app.Delete("/:table/:id", h.Delete)
	app.Put("/:table/:id/validate", h.ValidateExisting)
	app.Post("/:table/:id/actions/:name", h.InstanceAction)
	app.Get("/:table/:id/:rel", h.TraverseGet)
	app.Put("/:table/:id/:rel", h.TraversePut)
	app.Post("/:table/:id/:rel", h.TraverseCreate)
}
