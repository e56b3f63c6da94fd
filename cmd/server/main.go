package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/lumigen-ai/lumigen/internal/config"
	"github.com/lumigen-ai/lumigen/internal/database"
	"github.com/lumigen-ai/lumigen/internal/kie"
	"github.com/lumigen-ai/lumigen/internal/repository"
	"github.com/lumigen-ai/lumigen/internal/server"
	"github.com/lumigen-ai/lumigen/internal/service"
	"github.com/lumigen-ai/lumigen/internal/storage"
	"github.com/lumigen-ai/lumigen/internal/taskstore"
	"github.com/lumigen-ai/lumigen/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	kieClient := kie.NewClient(cfg, logr)

	uploader, err := storage.NewUploader(storage.Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
		Prefix:        cfg.S3AssetPrefix,
	})
	if err != nil {
		log.Fatalf("storage uploader: %v", err)
	}

	tasks, err := taskstore.New(taskstore.Config{
		Endpoint:     cfg.S3Endpoint,
		Region:       cfg.S3Region,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		Bucket:       cfg.S3Bucket,
		UsePathStyle: cfg.S3UsePathStyle,
		Prefix:       cfg.S3TaskPrefix,
	})
	if err != nil {
		log.Fatalf("task metadata store: %v", err)
	}

	userRepo := repository.NewUserRepository(db)
	imageRepo := repository.NewImageRepository(db)
	creditRepo := repository.NewCreditRepository(db)
	checkInRepo := repository.NewCheckInRepository(db)
	referralRepo := repository.NewReferralRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	planRepo := repository.NewPlanRepository(db)
	subscriptionRepo := repository.NewSubscriptionRepository(db)

	if err := planRepo.EnsureDefault(ctx); err != nil {
		log.Fatalf("ensure default plan: %v", err)
	}

	generationService := service.NewGenerationService(cfg, logr, kieClient, tasks, uploader, imageRepo, userRepo)
	creditService := service.NewCreditService(cfg, logr, userRepo, creditRepo, checkInRepo, referralRepo)
	subscriptionService := service.NewSubscriptionService(cfg, logr, orderRepo, planRepo, subscriptionRepo)

	srv := server.NewServer(cfg.ListenAddr, logr, userRepo, generationService, creditService, subscriptionService)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("server stopped", "err", err)
	}
}
