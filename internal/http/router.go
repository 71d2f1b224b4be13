package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/pariskq/backend/internal/config"
	"github.com/pariskq/backend/internal/db"
	"github.com/pariskq/backend/internal/http/handlers"
	"github.com/pariskq/backend/internal/http/middleware"
	"github.com/pariskq/backend/internal/service"

	_ "github.com/pariskq/backend/docs"
)

func Router(cfg config.Config, store *db.Store, ingestion *service.IngestionService, lifecycle *service.LifecycleService, tokens *service.TokenService, sla *service.SlaTracker, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.CORSAllowed == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = []string{cfg.CORSAllowed}
	}
	r.Use(cors.New(corsCfg))

	h := &handlers.Handler{
		Store:     store,
		Ingestion: ingestion,
		Lifecycle: lifecycle,
		Tokens:    tokens,
		Sla:       sla,
		Validator: validator.New(),
		Logger:    logger,
		AdminKey:  cfg.AdminKey,
		BatchSize: cfg.WorkerBatchSize,
	}

	r.GET("/healthz", h.Healthz)
	r.POST("/postmark-webhook", h.PostmarkWebhook)

	api := r.Group("/api")
	{
		api.GET("/tickets", h.TicketsList)
		api.GET("/tickets/:id", h.TicketDetails)
		api.GET("/fe/tokens/:token", h.TokenLookup)
		api.POST("/fe/proofs", h.RecordProof)
	}

	admin := api.Group("")
	admin.Use(middleware.AdminKey(cfg.AdminKey))
	{
		admin.POST("/tickets/:id/assign", h.Assign)
		admin.POST("/tickets/:id/close", h.CloseTicket)
		admin.POST("/worker/run-once", h.WorkerRunOnce)
		admin.GET("/emails", h.EmailsList)
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}
