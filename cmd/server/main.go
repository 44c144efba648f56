package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/verdantlabs/yardgen/internal/api"
	"github.com/verdantlabs/yardgen/internal/config"
	"github.com/verdantlabs/yardgen/internal/database"
	"github.com/verdantlabs/yardgen/internal/gateway"
	"github.com/verdantlabs/yardgen/internal/imagery"
	"github.com/verdantlabs/yardgen/internal/ledger"
	"github.com/verdantlabs/yardgen/internal/render"
	"github.com/verdantlabs/yardgen/internal/repository"
	"github.com/verdantlabs/yardgen/internal/service"
	"github.com/verdantlabs/yardgen/internal/storage"
	"github.com/verdantlabs/yardgen/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()

	db, err := database.Connect(cfg.MySQLDSN)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	store := ledger.NewMySQL(db)
	generationRepo := repository.NewGenerationRepository(db)

	renderClient := render.NewClient(render.Options{
		APIKey:       cfg.RenderAPIKey,
		BaseURL:      cfg.RenderBaseURL,
		Timeout:      cfg.RenderTimeout,
		PollInterval: cfg.RenderPollInterval,
	}, logr)

	var imageryClient service.ImageryFetcher
	if cfg.ImageryBaseURL != "" {
		imageryClient = imagery.NewClient(cfg.ImageryBaseURL, cfg.ImageryAPIKey)
	}

	var uploader service.Uploader
	if cfg.S3Configured() {
		up, err := storage.NewUploader(storage.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
			Prefix:        cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("storage uploader: %v", err)
		}
		uploader = up
	}

	paymentService := service.NewPaymentService(logr, store)

	var gatewayClient service.ChargeCreator
	if cfg.GatewayConfigured() {
		gatewayClient = gateway.NewClient(gateway.Options{
			BaseURL:   cfg.GatewayBaseURL,
			AccountID: cfg.GatewayAccountID,
			Secret:    cfg.GatewaySecret,
		})
	}
	reloadService := service.NewAutoReloadService(logr, store, gatewayClient, paymentService)
	go reloadService.Run(ctx)

	billingService := service.NewBillingService(logr, store, reloadService, cfg.TrialCredits)
	generationService := service.NewGenerationService(service.GenerationConfig{
		AreaTimeout: cfg.RenderTimeout,
		MaxAreas:    cfg.MaxAreasPerRequest,
		Concurrency: cfg.RenderConcurrency,
	}, logr, billingService, store, generationRepo, renderClient, imageryClient, uploader)

	if err := generationService.Start(ctx); err != nil {
		log.Fatalf("generation recovery: %v", err)
	}

	server := api.NewServer(cfg.ListenAddr, logr, billingService, paymentService, generationService)
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("api stopped", "err", err)
	}

	generationService.Wait()
	<-reloadService.Done()
}
