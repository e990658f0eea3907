package daily

import "github.com/gofiber/fiber/v2"

func RegisterRoutes(r fiber.Router, tracker *Tracker) {
	r.Get("/today", func(c *fiber.Ctx) error {
		return c.JSON(tracker.Snapshot())
	})

	r.Get("/aggregates", func(c *fiber.Ctx) error {
		return c.JSON(tracker.AllTime())
	})
}
