package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pariskq/backend/internal/config"
	"github.com/pariskq/backend/internal/db"
	httpapi "github.com/pariskq/backend/internal/http"
	"github.com/pariskq/backend/internal/mail"
	"github.com/pariskq/backend/internal/models"
	"github.com/pariskq/backend/internal/service"
	"github.com/pariskq/backend/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	logger := log.Level(level).With().Str("service", "pariskq-backend").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect db")
	}
	defer store.Close()

	var mailer mail.Mailer
	if cfg.PostmarkToken == "" {
		mailer = mail.NopMailer{}
		logger.Info().Msg("no Postmark token configured, outbound mail disabled")
	} else {
		mailer = mail.PostmarkMailer{
			BaseURL:     cfg.PostmarkURL,
			ServerToken: cfg.PostmarkToken,
			FromEmail:   cfg.FromEmail,
		}
	}

	tokens := &service.TokenService{Store: store, TTL: cfg.TokenTTL}
	sla := &service.SlaTracker{
		Store: store,
		Hours: map[models.SlaPhase]int{
			models.PhaseAssignment: cfg.SlaAssignmentHours,
			models.PhaseOnsite:     cfg.SlaOnsiteHours,
			models.PhaseResolution: cfg.SlaResolutionHours,
		},
		Logger: logger,
	}
	lifecycle := &service.LifecycleService{
		Store:       store,
		Tokens:      tokens,
		Sla:         sla,
		Mailer:      mailer,
		FieldOpsURL: cfg.FieldOpsURL,
		Logger:      logger,
	}
	ingestion := &service.IngestionService{
		Store:             store,
		Mail:              mailer,
		AutoOpenThreshold: cfg.ConfidenceAutoOpen,
		DraftFloor:        cfg.ConfidenceDraftFloor,
		DedupPolicy:       cfg.DedupPolicy,
		Logger:            logger,
	}

	w := &worker.Worker{
		Ingestion: ingestion,
		Sla:       sla,
		Interval:  cfg.WorkerPollInterval,
		BatchSize: cfg.WorkerBatchSize,
		Logger:    logger,
	}
	go w.Run(ctx)

	router := httpapi.Router(cfg, store, ingestion, lifecycle, tokens, sla, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
	logger.Info().Msg("server stopped")
}
