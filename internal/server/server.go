package server

import (
	"backend-steprace/internal/auth"
	"backend-steprace/internal/baseline"
	"backend-steprace/internal/config"
	"backend-steprace/internal/daily"
	"backend-steprace/internal/health"
	"backend-steprace/internal/race"
	"backend-steprace/internal/sensor"
	"backend-steprace/internal/store"
	"backend-steprace/internal/stream"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	App   *fiber.App
	Cfg   config.Config
	DB    *pgxpool.Pool
	Redis *redis.Client

	Counter      *sensor.Counter
	Tracker      *daily.Tracker
	Synchronizer *race.Synchronizer
	Stream       *stream.Hub
}

func NewServer(cfg config.Config, db *pgxpool.Pool, redisClient *redis.Client) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	counter := sensor.NewCounter()
	gateway := health.NewPGGateway(db, cfg.StoreTimeout)
	remote := store.New(db, cfg.StoreTimeout)
	cache := store.NewCache(redisClient)

	tracker := daily.NewTracker(cfg.UserID, counter, gateway, remote, cache)
	if cfg.DailySyncInterval > 0 {
		tracker.SyncInterval = cfg.DailySyncInterval
	}
	if cfg.MidnightInterval > 0 {
		tracker.MidnightInterval = cfg.MidnightInterval
	}

	capture := baseline.NewService(gateway, remote, tracker, cache)
	if cfg.BaselineRetries > 0 {
		capture.Retries = cfg.BaselineRetries
	}
	if cfg.BaselineRetryWait > 0 {
		capture.RetryWait = cfg.BaselineRetryWait
	}

	hub := stream.NewHub(redisClient)

	synchronizer := race.NewSynchronizer(cfg.UserID, counter, capture, remote, cache, hub)
	if cfg.RaceSyncInterval > 0 {
		synchronizer.SyncInterval = cfg.RaceSyncInterval
	}
	if cfg.RaceScanInterval > 0 {
		synchronizer.ScanInterval = cfg.RaceScanInterval
	}
	if cfg.MinSyncSteps > 0 {
		synchronizer.MinSyncSteps = cfg.MinSyncSteps
	}

	s := &Server{
		App:          app,
		Cfg:          cfg,
		DB:           db,
		Redis:        redisClient,
		Counter:      counter,
		Tracker:      tracker,
		Synchronizer: synchronizer,
		Stream:       hub,
	}

	registerRoutes(s)
	return s
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	sensor.RegisterRoutes(s.App.Group("/sensor"), s.Counter, jwtMiddleware)

	steps := s.App.Group("/steps")
	daily.RegisterRoutes(steps, s.Tracker)
	race.RegisterResync(steps, s.Synchronizer, jwtMiddleware)

	race.RegisterRoutes(s.App.Group("/races"), s.Synchronizer, jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)
}
