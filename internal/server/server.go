package server

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"

	"guestvoice-backend/internal/common"
	"guestvoice-backend/internal/config"
	"guestvoice-backend/internal/events"
	"guestvoice-backend/internal/feedback"
	"guestvoice-backend/internal/handlers"
	"guestvoice-backend/internal/mergeops"
	"guestvoice-backend/internal/models"
	"guestvoice-backend/internal/moderation"
	"guestvoice-backend/internal/ratelimit"
	"guestvoice-backend/internal/redact"
	"guestvoice-backend/internal/votes"

	"github.com/go-playground/validator"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// CustomValidator Source: https://echo.labstack.com/docs/request#validate-data
type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

type SentryLogger struct {
	echo.Logger
}

func (l *SentryLogger) Error(i ...interface{}) {
	if err, ok := i[0].(error); ok {
		handlers.CaptureError(err)
	} else {
		handlers.CaptureError(fmt.Errorf("%v", i...))
	}
	l.Logger.Error(i...)
}

type Server struct {
	common.ServerState
}

func New(cfg *config.Config) *Server {
	e := echo.New()
	e.Validator = &CustomValidator{validator: validator.New()}
	e.Logger = &SentryLogger{Logger: e.Logger}
	e.Logger.SetLevel(log.DEBUG)

	return &Server{
		common.ServerState{
			Echo:   e,
			Config: cfg,
		},
	}
}

func (s *Server) Initialize() error {
	s.setupDatabase()

	s.setupRedis()

	s.JwtIssuer = handlers.NewJwtAuth(s.Config.Auth.JWTSecret)

	s.setupEvents()

	s.setupServices()

	s.setupRoutes()

	s.runMigrations()

	s.setupMetrics()

	// Keep last to avoid Recover middleware and panic if something goes wrong on init
	s.setupMiddleware()

	return nil
}

func (s *Server) setupDatabase() {
	dsn := s.Config.Database.DSN
	if dsn == "" {
		s.Echo.Logger.Fatal("DATABASE_DSN environment variable is required")
	}

	var db *gorm.DB
	var err error

	// SQLite DSNs (tests) start with "file:", everything else is Postgres.
	// TranslateError lets unique-constraint hits surface as
	// gorm.ErrDuplicatedKey on both drivers.
	if strings.HasPrefix(dsn, "file:") {
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true, Logger: logger.Default.LogMode(logger.Silent)})
	} else {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true, Logger: logger.Default.LogMode(logger.Silent)})
	}

	if err != nil {
		s.Echo.Logger.Fatal(err)
	}
	s.DB = db
}

func (s *Server) setupRedis() {
	url := s.Config.Database.RedisURI

	// Redis is optional - without it the limiter and event sink fall back
	// to their in-process implementations
	if url == "" {
		s.Echo.Logger.Warn("REDIS_URI not configured, using in-process rate limiting and log events")
		s.Redis = nil
		return
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		s.Echo.Logger.Warnf("Failed to parse Redis URL: %v, Redis features will be disabled", err)
		s.Redis = nil
		return
	}

	s.Redis = redis.NewClient(opts)

	result := s.Redis.Ping(context.Background())
	if result.Err() != nil {
		s.Echo.Logger.Warnf("Redis connection failed: %v, Redis features will be disabled", result.Err())
		s.Redis = nil
		return
	}
}

func (s *Server) setupEvents() {
	if s.Redis != nil {
		s.Events = events.NewRedisSink(s.Redis, s.Config.Events.Channel, s.Echo.Logger)
		return
	}
	s.Events = events.NewLogSink(s.Echo.Logger)
}

func (s *Server) setupServices() {
	var store ratelimit.Store
	if s.Redis != nil {
		store = ratelimit.NewRedisStore(s.Redis)
	} else {
		store = ratelimit.NewMemoryStore()
	}

	s.Limiter = ratelimit.New(store, map[ratelimit.Kind]ratelimit.Rule{
		ratelimit.KindSubmission: {Limit: s.Config.Limits.SubmissionLimit, Window: s.Config.Limits.SubmissionWindow},
		ratelimit.KindUpload:     {Limit: s.Config.Limits.UploadLimit, Window: s.Config.Limits.UploadWindow},
	})

	s.Ledger = votes.NewLedger(s.DB, s.Config.Votes.VillageWeights, s.Events)
	s.Merger = mergeops.NewEngine(s.DB, s.Events)

	s.Feedback = &feedback.Service{
		DB:             s.DB,
		Redactor:       redact.New(),
		Scorer:         moderation.NewHeuristicScorer(),
		Ledger:         s.Ledger,
		Limiter:        s.Limiter,
		Events:         s.Events,
		DedupThreshold: s.Config.Dedup.Threshold,
		DedupScanLimit: s.Config.Dedup.ScanLimit,
	}
}

func (s *Server) runMigrations() {
	err := s.DB.AutoMigrate(
		&models.FeedbackItem{},
		&models.Vote{},
	)
	if err != nil {
		s.Echo.Logger.Fatal(err)
	}
}

func (s *Server) setupMiddleware() {
	s.Echo.Use(middleware.CORS())
	s.Echo.Use(middleware.Recover())
	// Try to add prometheus middleware, but don't panic if already registered (e.g., in tests)
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok && err.Error() == "duplicate metrics collector registration attempted" {
				s.Echo.Logger.Warn("Prometheus middleware already registered, skipping")
			} else {
				panic(r)
			}
		}
	}()
	s.Echo.Use(echoprometheus.NewMiddleware("guestvoice_backend"))
}

func (s *Server) setupMetrics() {
	handlers.RegisterMetrics()

	// Only register Redis metrics if Redis is available
	if s.Redis == nil {
		return
	}

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Subsystem: "redis",
			Name:      "connected_clients",
			Help:      "The number of clients currently connected to Redis",
		},
		func() float64 {
			ctx := context.Background()
			connectedClientsRaw := s.Redis.InfoMap(ctx).Item("Clients", "connected_clients")

			connectedClients, err := strconv.ParseFloat(connectedClientsRaw, 64)
			if err != nil {
				return math.NaN()
			}

			return connectedClients
		},
	))
}

func (s *Server) setupRoutes() {
	handlers.SetupSentry(s.Echo, s.Config)

	fb := handlers.NewFeedbackHandler(s.ServerState)

	api := s.Echo.Group("/api")

	api.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})
	api.GET("/metrics", echoprometheus.NewHandler())

	protectedAPI := api.Group("/auth", s.JwtIssuer.Middleware())

	protectedAPI.POST("/feedback", fb.Submit)
	protectedAPI.GET("/feedback", fb.List)
	protectedAPI.GET("/feedback/:id", fb.Get)
	protectedAPI.PATCH("/feedback/:id", fb.Update)
	protectedAPI.DELETE("/feedback/:id", fb.Delete)
	protectedAPI.POST("/feedback/:id/state", fb.Transition)

	protectedAPI.POST("/feedback/:id/vote", fb.Vote)
	protectedAPI.DELETE("/feedback/:id/vote", fb.Unvote)

	protectedAPI.GET("/feedback/:id/duplicates", fb.Duplicates)
	protectedAPI.GET("/feedback/duplicates", fb.Duplicates)
	protectedAPI.POST("/feedback/:id/merge", fb.Merge)

	protectedAPI.POST("/uploads/slot", fb.UploadSlot)

	// Debug endpoints - only enabled when ENABLE_DEBUG_ENDPOINTS=true
	if s.Config.Server.Debug {
		api.GET("/jwt-debug", func(c echo.Context) error {
			rc := models.RoleContext{
				UserID:    c.QueryParam("user_id"),
				Role:      models.Role(c.QueryParam("role")),
				VillageID: c.QueryParam("village_id"),
			}
			token, err := s.JwtIssuer.GenerateToken(rc)
			if err != nil {
				return c.String(http.StatusInternalServerError, "Failed to generate token")
			}
			return c.JSON(http.StatusOK, map[string]string{
				"user_id": rc.UserID,
				"token":   token,
			})
		})
	}
}

func (s *Server) Start() error {
	serverURL := s.Config.Server.Host + ":" + s.Config.Server.Port

	if s.Config.Server.TLS.Enabled {
		if _, err := os.Stat(s.Config.Server.TLS.CertFile); os.IsNotExist(err) {
			s.Echo.Logger.Warn("TLS certificate file not found, falling back to HTTP")
			return s.Echo.Start(serverURL)
		}
		if _, err := os.Stat(s.Config.Server.TLS.KeyFile); os.IsNotExist(err) {
			s.Echo.Logger.Warn("TLS key file not found, falling back to HTTP")
			return s.Echo.Start(serverURL)
		}
		return s.Echo.StartTLS(serverURL, s.Config.Server.TLS.CertFile, s.Config.Server.TLS.KeyFile)
	}

	return s.Echo.Start(serverURL)
}
