package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"gridbase/internal/auth"
)

const pingInterval = 25 * time.Second

// Live serves GET /updates as a server-sent-events stream. Every subscriber
// gets its own filtered copy of each published change summary; rows the
// caller may not see under the table's access rule are filtered out.
func (h *Handler) Live(c *fiber.Ctx) error {
	if _, err := h.engine.snapshot(c.Context()); err != nil {
		return err
	}
	sub := h.engine.hub.Subscribe(auth.GetUser(c), func(defaultVisible bool, _ ChangeEntry, _ *auth.UserContext) bool {
		return defaultVisible
	})

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer sub.Close()
		ping := time.NewTicker(pingInterval)
		defer ping.Stop()
		for {
			select {
			case cs, ok := <-sub.Updates():
				if !ok {
					return
				}
				filtered := h.engine.FilterSummary(cs, sub)
				if filtered == nil {
					continue
				}
				payload, err := json.Marshal(filtered)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: update\ndata: %s\n\n", payload)
				if err := w.Flush(); err != nil {
					return
				}
			case <-ping.C:
				fmt.Fprint(w, ": ping\n\n")
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))
	return nil
}
