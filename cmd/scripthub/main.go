package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"scripthub/internal/app"
	"scripthub/internal/config"
	"scripthub/internal/server"
	"scripthub/internal/usertoken"
	"scripthub/internal/util"
	"scripthub/pkg/classifier"
	"scripthub/pkg/queue"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	jobQueue, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.QueueName,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init scan queue: %v", err)
	}

	scanner := classifier.NewOpenAICompatClassifier(
		cfg.ClassifierBaseURL,
		cfg.ClassifierAPIKey,
		cfg.ClassifierModel,
		time.Duration(cfg.ClassifierTimeoutSeconds)*time.Second,
	)

	appCore, err := app.New(app.Config{
		DatabaseURL:    cfg.DatabaseURL,
		MinioEndpoint:  cfg.MinioEndpoint,
		MinioAccessKey: cfg.MinioAccessKey,
		MinioSecretKey: cfg.MinioSecretKey,
		MinioBucket:    cfg.MinioBucket,
		MinioUseSSL:    cfg.MinioUseSSL,
		Queue:          jobQueue,
		Classifier:     scanner,
		ScanFailClosed: cfg.ScanFailClosed,
		ScanTimeout:    time.Duration(cfg.ClassifierTimeoutSeconds) * time.Second,
		PresignExpiry:  time.Duration(cfg.PresignExpirySeconds) * time.Second,
		MaxUploadSize:  cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:   cfg.TokenSecret,
		Issuer:   cfg.TokenIssuer,
		Audience: cfg.TokenAudience,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  verifier,
		RedisAddr:      cfg.RedisAddr,
		RedisPassword:  cfg.RedisPassword,
		UploadLimit:    cfg.UploadRateLimit,
		UploadWindow:   time.Duration(cfg.UploadRateWindowSecs) * time.Second,
		TrackLimit:     cfg.TrackRateLimit,
		TrackWindow:    time.Duration(cfg.TrackRateWindowSecs) * time.Second,
		EngageLimit:    cfg.EngageRateLimit,
		EngageWindow:   time.Duration(cfg.EngageRateWindowSecs) * time.Second,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobQueue.Start(ctx, cfg.QueueConcurrency, appCore.ProcessScan)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("scripthub server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
