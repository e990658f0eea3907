package sensor

import "github.com/gofiber/fiber/v2"

func RegisterRoutes(r fiber.Router, counter *Counter, authMiddleware fiber.Handler) {
	r.Post("/reading", authMiddleware, func(c *fiber.Ctx) error {
		var body struct {
			Reading int64 `json:"reading"`
		}
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if body.Reading < 0 {
			return fiber.NewError(fiber.StatusBadRequest, "reading must be non-negative")
		}
		delta := counter.Record(body.Reading)
		return c.JSON(fiber.Map{
			"delta":     delta,
			"increment": counter.Increment(),
		})
	})
}
