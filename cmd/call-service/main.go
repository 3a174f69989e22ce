package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/gin-gonic/gin"

	"vconnect-backend/internal/config"
	intDatabase "vconnect-backend/internal/database"
	callHandler "vconnect-backend/internal/handler/http/call"
	wsHandler "vconnect-backend/internal/handler/ws"
	"vconnect-backend/internal/middleware"
	"vconnect-backend/internal/repository/cockroach"
	redisRepo "vconnect-backend/internal/repository/redis"
	callService "vconnect-backend/internal/service/call"
	pkgDatabase "vconnect-backend/pkg/database"
	"vconnect-backend/pkg/jwt"
	"vconnect-backend/pkg/logger"
	"vconnect-backend/pkg/metrics"
)

func main() {
	// Create context for database operations
	ctx := context.Background()

	// 1. Initialize structured logging
	logger.InitDefault()
	defer logger.Sync()

	cfg := config.Load()

	// 2. Setup JWT Manager
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	if len(cfg.JWTSecret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters")
	}

	jwtManager := jwt.NewJWTManager(cfg.JWTSecret, 15*time.Minute, 30*24*time.Hour)

	// 3. Connect to CockroachDB for membership checks and call history,
	// with exponential backoff retry
	dbConfig := &pkgDatabase.CockroachConfig{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	var db *pkgDatabase.CockroachDB
	var err error

	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err = pkgDatabase.NewCockroachDB(ctx, dbConfig)
	if err == nil {
		log.Println("✅ Connected to CockroachDB")
	} else {
		// Retry with exponential backoff
		for attempt := 2; attempt <= maxRetries; attempt++ {
			delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
			if delay > maxDelay {
				delay = maxDelay
			}
			log.Printf("⚠️  CockroachDB connection attempt %d failed: %v. Retrying in %v...", attempt, err, delay)
			time.Sleep(delay)

			db, err = pkgDatabase.NewCockroachDB(ctx, dbConfig)
			if err == nil {
				log.Printf("✅ Connected to CockroachDB (attempt %d/%d)", attempt, maxRetries)
				break
			}
		}
	}

	if err != nil {
		// Membership checks need the database; there is no limited mode here.
		log.Fatalf("Failed to connect to CockroachDB after %d attempts: %v", maxRetries, err)
	}
	defer db.Close()

	conversationRepo := cockroach.NewConversationRepository(db.Pool)
	callHistoryRepo := cockroach.NewCallRepository(db.Pool)
	blockedUserRepo := cockroach.NewBlockedUserRepository(db.Pool)

	// 4. Initialize Redis with degraded mode support
	intDatabase.InitRedisMetrics()

	redisConfig := &intDatabase.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
		Timeout:  cfg.RedisTimeout,
	}

	redisDB, err := intDatabase.NewRedisDB(redisConfig)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisDB.Close()

	// Start background Redis health check
	redisDB.StartHealthCheck(ctx, 10*time.Second)
	log.Println("✅ Redis health check started (10s interval)")

	// 5. Initialize Call Service on the event stream store
	eventRepo := redisRepo.NewCallEventRepository(redisDB)
	callSvc := callService.NewService(eventRepo, callHistoryRepo)

	// 6. Initialize Metrics
	appMetrics := metrics.NewMetrics("call-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)
	db.StartStatsCollector(ctx, 15*time.Second, appMetrics)
	redisDB.StartPoolStatsCollector(ctx, 15*time.Second, appMetrics)

	// 7. Initialize real-time fan-out
	callEventsHub := wsHandler.NewCallEventsHub(redisDB)
	broadcaster := wsHandler.NewCallBroadcaster(redisDB)

	// 8. Initialize Handlers
	callHdlr := callHandler.NewHandler(callSvc, conversationRepo, blockedUserRepo, broadcaster)

	// 9. Setup Gin Router
	router := gin.New() // Don't use Default() to have full control

	// Configure trusted proxies for production
	trustedProxies := []string{}
	if cfg.IsProduction() {
		// Production: Only trust specific domains
		trustedProxies = []string{
			"https://api.vconnect.com",
			"https://*.vconnect.com",
		}
	} else {
		// Development: Allow localhost and private IPs
		trustedProxies = []string{
			"http://localhost:3000",
			"http://localhost:8080",
			"http://127.0.0.1:3000",
			"http://127.0.0.1:8080",
		}
	}
	router.SetTrustedProxies(trustedProxies)

	// Apply global middleware
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.SecurityHeaders())
	router.Use(prometheusMiddleware.Handler())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "call-service",
			"time":    time.Now().UTC(),
		})
	})

	// Metrics endpoint (for Prometheus scraping)
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	// Revocation checker
	revocationChecker := middleware.NewRedisRevocationChecker(redisDB.Client)

	// Signaling operations are cheap but easy to spam; cap per-user rate.
	callRateLimiter := middleware.NewRateLimiter(redisDB.Client, 30, time.Minute)

	// Call routes scoped to a conversation (all require authentication)
	conversations := router.Group("/v1/conversations")
	conversations.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	conversations.Use(callRateLimiter.Middleware())
	{
		conversations.GET("/:id/call", callHdlr.GetCall)
		conversations.POST("/:id/call/start", callHdlr.StartCall)
		conversations.POST("/:id/call/join", callHdlr.JoinCall)
		conversations.POST("/:id/call/decline", callHdlr.DeclineCall)
		conversations.POST("/:id/call/leave", callHdlr.LeaveCall)
	}

	// Cross-conversation call routes
	calls := router.Group("/v1/calls")
	calls.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	{
		calls.GET("/history", callHdlr.GetCallHistory)

		// WebSocket endpoint for call lifecycle events
		calls.GET("/ws/events", callEventsHub.ServeWS)
	}

	// 10. Start server
	addr := fmt.Sprintf(":%s", cfg.Port)

	log.Printf("🚀 Call Service starting on port %s\n", cfg.Port)
	log.Println("📡 Call events: /v1/calls/ws/events")
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
