package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/franciscosanchezn/gin-sso/docs" // Import generated docs
	"github.com/franciscosanchezn/gin-sso/internal/auth"
	"github.com/franciscosanchezn/gin-sso/internal/config"
	"github.com/franciscosanchezn/gin-sso/internal/controllers"
	"github.com/franciscosanchezn/gin-sso/internal/database"
	"github.com/franciscosanchezn/gin-sso/internal/keys"
	"github.com/franciscosanchezn/gin-sso/internal/metrics"
	"github.com/franciscosanchezn/gin-sso/internal/middleware"
	"github.com/franciscosanchezn/gin-sso/internal/provision"
	"github.com/franciscosanchezn/gin-sso/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"gorm.io/gorm"
)

var (
	db             *gorm.DB
	configuration  *config.Config
	appMetrics     *metrics.Metrics
	tenantService  services.TenantService
	routes         controllers.Routes
	replayCache    auth.ReplayCache
	sessionManager *auth.SessionManager
)

// @title Gin SSO
// @version 1.0
// @description Multi-tenant OAuth2 and OpenID Connect authorization server
// @host localhost:8080
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and an access token carrying sso:admin.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load environment variables
	loadDotenvFile()

	// Initialize logger
	setUpLogger()

	// Load configuration
	configuration = loadConfig()
	docs.SwaggerInfo.Host = fmt.Sprintf("%s:%d", configuration.Host, configuration.Port)

	// Initialize database connection
	setupDatabase(ctx, configuration)

	// Initialize services and controllers
	setupServices(ctx, configuration)

	// Initialize Gin router
	var router *gin.Engine = setupRouter()

	server := &http.Server{
		Addr:              fmt.Sprintf("%v:%d", configuration.Host, configuration.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("Starting server on %s:%d", configuration.Host, configuration.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Graceful shutdown failed")
	}
}

// checkPanicErr checks if an error occurred and panics if it did
func checkPanicErr(err error) {
	if err != nil {
		panic(err)
	}
}

// loadDotenvFile loads environment variables from a .env file
// If the file is not found, it will log a warning and use system environment variables
func loadDotenvFile() {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found, using system environment variables")
	}
}

// setUpLogger initializes the logger with a JSON formatter and sets the log level based on the environment.
// LOG_LEVEL wins over the environment default when set.
func setUpLogger() {
	log.SetFormatter(&log.JSONFormatter{})
	environment := config.GetEnvWithDefault("APP_ENV", "development")
	switch environment {
	case "development":
		log.SetLevel(log.DebugLevel)
	case "production":
		log.SetLevel(log.ErrorLevel)
		gin.SetMode(gin.ReleaseMode)
	default:
		log.SetLevel(log.InfoLevel)
	}

	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		level, err := log.ParseLevel(raw)
		if err != nil {
			log.WithField("log_level", raw).Warn("Ignoring invalid LOG_LEVEL")
			return
		}
		log.SetLevel(level)
	}
}

// loadConfig loads the application configuration from environment variables
// It returns a Config struct or panics if there is an error
func loadConfig() *config.Config {
	conf, err := config.LoadConfig()
	checkPanicErr(err)
	return conf
}

// setupDatabase opens the database with retries and migrates the schema
func setupDatabase(ctx context.Context, conf *config.Config) {
	var err error
	db, err = database.InitDatabase(ctx, database.FromConfig(conf))
	checkPanicErr(err)
	checkPanicErr(database.Migrate(db))
}

// setupServices builds the registries, the authorization server and the controllers on top of them
func setupServices(ctx context.Context, conf *config.Config) {
	appMetrics = metrics.New()
	keyManager := keys.NewManager(keys.NewGormRepository(db), conf.KeyRetention)

	tenantService = services.NewTenantService(db)
	clientService := services.NewClientService(db)
	userService := services.NewUserService(db)
	provisionService := services.NewProvisionService(db, keyManager, tenantService, clientService, conf.BaseURL)

	if conf.SeedFile != "" {
		seedDatabase(ctx, conf.SeedFile, provisionService)
	}

	replayCache = setupReplayCache(ctx, conf)
	sessionManager = auth.NewSessionManager(conf.SessionSecret, conf.SessionTTL)

	oauthService := auth.NewOAuthService(auth.Dependencies{
		Clients:       clientService,
		Users:         userService,
		Store:         auth.NewGormStore(db),
		Keys:          keyManager,
		Codec:         auth.NewCodec(keyManager),
		Authenticator: auth.NewClientAuthenticator(clientService, replayCache),
		Metrics:       appMetrics,
	}, auth.Config{
		AccessTokenTTL:  conf.AccessTokenTTL,
		RefreshTokenTTL: conf.RefreshTokenTTL,
		IDTokenTTL:      conf.IDTokenTTL,
		AuthCodeTTL:     conf.AuthCodeTTL,
	})

	secureCookie := conf.Environment == "production"
	routes = controllers.Routes{
		OAuth:     controllers.NewOAuthController(oauthService, userService, sessionManager, nil),
		WellKnown: controllers.NewWellKnownController(keyManager),
		Auth:      controllers.NewAuthController(userService, sessionManager, secureCookie),
		Clients:   controllers.NewClientController(clientService, provisionService),
		Verifier:  oauthService,
	}
	if conf.RateLimitRPS > 0 {
		routes.Limiter = middleware.NewRateLimiter(conf.RateLimitRPS, conf.RateLimitBurst)
	}
}

// setupReplayCache shares client assertion ids through Redis when configured
func setupReplayCache(ctx context.Context, conf *config.Config) auth.ReplayCache {
	if conf.RedisURL == "" {
		log.Info("REDIS_URL not set, client assertion replay cache is local to this process")
		return auth.NewMemoryReplayCache()
	}
	cache, err := auth.NewRedisReplayCacheFromURL(conf.RedisURL)
	checkPanicErr(err)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	checkPanicErr(cache.Ping(pingCtx))
	log.Info("Using Redis client assertion replay cache")
	return cache
}

// seedDatabase provisions the tenants, clients and users listed in the seed file
func seedDatabase(ctx context.Context, path string, provisionService services.ProvisionService) {
	log.WithField("seed_file", path).Info("Seeding database")
	seed, err := provision.Load(path)
	checkPanicErr(err)
	res, err := provision.Apply(ctx, seed.WithDefaultAlgorithm(configuration.DefaultSigningAlg), tenantService, provisionService)
	checkPanicErr(err)
	for clientID, secret := range res.GeneratedSecrets {
		// printed once so the operator can store it; never logged
		fmt.Printf("generated secret for client %s: %s\n", clientID, secret)
	}
}

// setupRouter initializes the Gin router and sets up the routes
// It returns the configured router
func setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestLogger(),
		middleware.Metrics(appMetrics),
		middleware.Timeout(configuration.PersistenceTimeout),
	)

	// Define routes
	setupRoutes(router)

	return router
}

// setupRoutes defines the routes for the Gin router
func setupRoutes(router *gin.Engine) {
	// Health check endpoint
	router.GET("/health", healthCheckHandler)
	router.GET("/metrics", gin.WrapH(appMetrics.Handler()))

	// Tenant-scoped endpoints, tenant taken from the path
	routes.Register(router.Group("/tenant/:tenant_id", middleware.Tenant(tenantService)))

	// Protocol endpoints at the root, tenant taken from X-Tenant or the Host
	if configuration.TenantHostRouting {
		routes.RegisterProtocol(router.Group("", middleware.HostTenant(tenantService)))
	}

	// Swagger documentation
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
}

// healthCheckHandler handles the health check endpoint
// @Summary Health check
// @Description Check if the service and its database are reachable
// @Tags System
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /health [get]
func healthCheckHandler(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "gin-sso",
	})
}
