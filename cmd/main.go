package main

import (
	"calsync/internal/calendly"
	"calsync/internal/crm"
	"calsync/internal/engine"
	"calsync/internal/handler"
	"calsync/internal/middleware"
	"calsync/internal/oauth"
	"calsync/internal/store"
	"calsync/pkg/config"
	"calsync/pkg/database"
	"calsync/pkg/jwtutil"
	"calsync/pkg/logger"
	"calsync/prometheus"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

func main() {
	// Load configuration from .env file and environment variables
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger with config
	logger.InitLogger(cfg)
	log := logger.GetLogger()
	log.Info("Starting calsync service...", zap.String("environment", cfg.Server.Env))

	// Connect to the database and run migrations
	db, err := database.Open(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	log.Info("Database connection established and migrations completed")

	// Initialize Prometheus metrics
	prometheus.InitMetrics(cfg)
	log.Info("Prometheus metrics initialized")

	// Stores
	tenants := store.NewTenantStore(db)
	mappings := store.NewMappingStore(db)
	events := store.NewEventStore(db)

	// Outbound API clients
	crmClient := crm.NewClient(cfg.CRM.APIBase, cfg.CRM.Timeout)
	calClient := calendly.NewClient(cfg.Calendly.APIBase, cfg.Calendly.Timeout)

	// Token refresh bridges, one per platform
	crmBridge := oauth.NewBridge(oauth.Platform{
		Name:         "crm",
		TokenURL:     cfg.CRM.TokenURL,
		AuthorizeURL: cfg.CRM.AuthorizeURL,
		ClientID:     cfg.CRM.ClientID,
		ClientSecret: cfg.CRM.ClientSecret,
		RedirectURI:  cfg.CRM.RedirectURI,
		BasicAuth:    true,
	}, store.NewCRMCredentialSource(db), log)
	calBridge := oauth.NewBridge(oauth.Platform{
		Name:         "calendly",
		TokenURL:     cfg.Calendly.TokenURL,
		AuthorizeURL: cfg.Calendly.AuthorizeURL,
		ClientID:     cfg.Calendly.ClientID,
		ClientSecret: cfg.Calendly.ClientSecret,
		RedirectURI:  cfg.Calendly.RedirectURI,
	}, store.NewSchedulingCredentialSource(db), log)

	// Reconciliation engine
	eng := engine.New(tenants, mappings, events, crmClient, crmBridge, log)

	// Session tokens
	sessions := jwtutil.NewManager(cfg.Session.SigningKey, cfg.Session.TTL)

	// Handlers
	healthHandler := handler.NewHealthHandler(db)
	oauthHandler := handler.NewOAuthHandler(cfg, crmBridge, calBridge, crmClient, calClient, tenants, mappings, sessions)
	webhookHandler, err := handler.NewWebhookHandler(eng, cfg.Calendly.WebhookSigningKey)
	if err != nil {
		log.Fatal("Failed to compile webhook schema", zap.Error(err))
	}
	configHandler := handler.NewConfigHandler(mappings)
	panelHandler := handler.NewPanelHandler(eng)

	// Initialize Echo framework
	e := echo.New()

	// Apply global middleware - order matters
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	e.Use(middleware.RequestIDMiddleware)
	e.Use(logger.Middleware(log))
	e.Use(prometheus.MetricsMiddleware())

	// Public routes - no authentication required
	e.GET("/health", healthHandler.Check)
	e.GET("/metrics", prometheus.HandlerFunc())

	// OAuth linking flow
	oauthGroup := e.Group("/oauth")
	oauthGroup.GET("/crm/login", oauthHandler.CRMLogin)
	oauthGroup.GET("/crm/callback", oauthHandler.CRMCallback)
	oauthGroup.GET("/calendly/callback", oauthHandler.CalendlyCallback)

	// Webhook ingress, authenticated by signature
	e.POST("/webhooks/calendly", webhookHandler.Handle)

	// Config and panel API, authenticated by session
	api := e.Group("/api")
	api.Use(middleware.Session(tenants, sessions))
	api.GET("/mappings", configHandler.ListMappings)
	api.POST("/mappings", configHandler.CreateMapping)
	api.GET("/event-types", configHandler.ListEventTypes)
	api.GET("/activity-types", configHandler.ListActivityTypes)
	api.GET("/panel", panelHandler.Panel)
	api.PATCH("/bookings/attendance", panelHandler.MarkAttendance)

	// Start server
	port := cfg.Server.Port
	log.Info("Starting server", zap.String("port", port))
	if err := e.Start(":" + port); err != nil {
		log.Fatal("Failed to start server", zap.Error(err))
	}
}
