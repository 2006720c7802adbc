package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/revenue_backend/config"
	"bitbucket.org/mmdatafocus/revenue_backend/middlewares"
	"bitbucket.org/mmdatafocus/revenue_backend/models"
	"bitbucket.org/mmdatafocus/revenue_backend/models/reports"
	"bitbucket.org/mmdatafocus/revenue_backend/utils"
	"bitbucket.org/mmdatafocus/revenue_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// projectionRefresher is what the refresh endpoints and workers need from the
// refresh service.
type projectionRefresher interface {
	Refresh(ctx context.Context) ([]models.ProjectionRefreshState, error)
	RefreshProjections(ctx context.Context) error
}

// application holds everything request handlers need once dependencies are up.
type application struct {
	store        models.ReconciliationStore
	orchestrator *workflow.Orchestrator
	refresher    projectionRefresher
	queries      *reports.ReconciliationQueries
	logger       *logrus.Logger
}

func init() {
	// amounts go out as JSON numbers
	decimal.MarshalJSONWithoutQuotes = true
}

func newApplication(store models.ReconciliationStore, locker *redislock.Client, logger *logrus.Logger) *application {
	refresher := workflow.NewProjectionRefreshService(store, locker, logger)
	return &application{
		store:        store,
		orchestrator: workflow.NewOrchestrator(store, refresher, logger),
		refresher:    refresher,
		queries:      reports.NewReconciliationQueries(store),
		logger:       logger,
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "route not found"})
}

// newRouter builds the HTTP surface. current returns nil until the database is
// connected; until then every endpoint but /healthz answers 503.
func newRouter(current func() *application, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if current() == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "service not ready"})
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated);
	//   without one no CORS headers are sent at all.
	// - In non-production, allow all (developer convenience).
	allowedOrigins := splitAndTrim(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if !config.IsProduction() || len(allowedOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		if config.IsProduction() {
			corsConfig.AllowOrigins = allowedOrigins
			corsConfig.AllowCredentials = true
		} else {
			corsConfig.AllowAllOrigins = true
		}
		corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
		corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-correlation-id")
		corsConfig.AddExposeHeaders("Content-Length", "x-correlation-id")
		r.Use(cors.New(corsConfig))
	}

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if config.BoolFromEnv("RATE_LIMIT_ENABLED", false) {
		limit := int64(config.IntFromEnv("RATE_LIMIT_MAX_REQUESTS", 600))
		window := config.DurationSecondsFromEnv("RATE_LIMIT_WINDOW_SECONDS", 60)
		r.Use(NewRateLimiter(limit, window).RateLimitMiddleware)
	}

	r.Use(func(c *gin.Context) {
		middlewares.LoaderMiddleware(current().store)(c)
	})

	rec := r.Group("/reconciliation")
	rec.GET("/outstanding", outstandingHandler(current))
	rec.GET("/outstanding/by-form", outstandingByFormHandler(current))
	rec.GET("/non-validated", nonValidatedHandler(current))
	rec.POST("/batch", batchHandler(current))
	rec.POST("/projections/refresh", refreshProjectionsHandler(current))

	r.POST("/pubsub/projections", projectionPubSubHandler(current))
	r.NoRoute(customNotFoundHandler)
	return r
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	if config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	var current atomic.Pointer[application]
	r := newRouter(current.Load, logger)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run blocking DDL; allow running it as a separate job instead.
	if !config.BoolFromEnv("SKIP_MIGRATIONS", false) {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	app := newApplication(models.NewGormStore(db), config.GetRedisLock(), logger)
	current.Store(app)

	// Background workers.
	workersCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go workflow.NewProjectionRefreshScheduler(app.refresher, config.ProjectionRefreshInterval(), logger).Run(workersCtx)
	if sub := config.ProjectionRefreshSubscription(); sub != "" {
		go func() {
			if err := runProjectionRefreshSubscriber(workersCtx, app, sub); err != nil {
				config.LogError(logger, "server.go", "main", "projection refresh subscriber stopped", sub, err)
			}
		}()
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
		"port": port,
	}).Info("reconciliation service ready")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorkers()

	// Drain HTTP requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 && logger != nil {
			logger.WithFields(logrus.Fields{
				"field":  "http",
				"path":   c.Request.URL.Path,
				"status": c.Writer.Status(),
			}).Error(c.Errors.String())
		}
	}
}

// NewRateLimiter limits requests per client IP using the shared redis client.
// Without redis the limiter lets everything through.
func NewRateLimiter(limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: config.GetRedisDB(),
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	client := rl.client
	if client == nil {
		client = config.GetRedisDB()
	}
	if client == nil {
		c.Next()
		return
	}
	key := "ratelimit:" + c.ClientIP()

	count, err := client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		_ = c.Error(err)
		c.Next()
		return
	}
	if count == 1 {
		if err := client.Expire(c.Request.Context(), key, rl.window).Err(); err != nil {
			_ = c.Error(err)
		}
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"success": false,
			"message": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
