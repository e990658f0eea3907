package race

import (
	"errors"

	"backend-steprace/internal/baseline"
	"backend-steprace/internal/store"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, sync *Synchronizer, authMiddleware fiber.Handler) {
	r.Post("/:id/join", authMiddleware, func(c *fiber.Ctx) error {
		b, err := sync.JoinRace(c.Context(), c.Params("id"))
		switch {
		case errors.Is(err, store.ErrNotFound):
			return fiber.NewError(fiber.StatusNotFound, "race not found")
		case errors.Is(err, ErrRaceClosed):
			return fiber.NewError(fiber.StatusConflict, ErrRaceClosed.Error())
		case errors.Is(err, baseline.ErrZeroBaseline):
			return fiber.NewError(fiber.StatusConflict, baseline.ErrZeroBaseline.Error())
		case err != nil:
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.Status(fiber.StatusCreated).JSON(b)
	})

	r.Get("/:id/progress", func(c *fiber.Ctx) error {
		p, err := sync.Progress(c.Context(), c.Params("id"))
		if errors.Is(err, store.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "no progress for race")
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(p)
	})

	r.Get("/baselines", func(c *fiber.Ctx) error {
		return c.JSON(sync.Baselines())
	})
}

// RegisterResync exposes the idempotent correction injection used by
// health-platform resyncs.
func RegisterResync(r fiber.Router, sync *Synchronizer, authMiddleware fiber.Handler) {
	r.Post("/resync", authMiddleware, func(c *fiber.Ctx) error {
		var body Injection
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if body.RequestID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "request_id required")
		}
		applied := sync.Inject(body.RequestID, body.Delta)
		return c.JSON(fiber.Map{"applied": applied})
	})
}
