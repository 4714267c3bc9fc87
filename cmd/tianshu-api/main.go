package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dinobot22/mineru-tianshu/api"
	"github.com/dinobot22/mineru-tianshu/config"
	"github.com/dinobot22/mineru-tianshu/maintenance"
	"github.com/dinobot22/mineru-tianshu/queue"
	"github.com/dinobot22/mineru-tianshu/storage"
	"github.com/dinobot22/mineru-tianshu/store"
)

const (
	exitConfigError      = 1
	exitStoreUnreachable = 2
	exitPortConflict     = 3
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Error("failed to load configuration")
		os.Exit(exitConfigError)
	}

	for _, dir := range []string{cfg.UploadRoot, cfg.OutputRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.WithField("dir", dir).WithError(err).Error("cannot create data directory")
			os.Exit(exitConfigError)
		}
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.WithField("db_path", cfg.DBPath).WithError(err).Error("cannot open task store")
		os.Exit(exitStoreUnreachable)
	}
	defer st.Close()

	uploader, err := storage.NewImageUploader(storage.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		Secure:    cfg.MinioSecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("invalid object storage configuration")
		os.Exit(exitConfigError)
	}

	q := queue.New(st, cfg.BackendNames(), cfg.DefaultMaxRetries, cfg.UploadRoot, logger)
	h := api.NewHandler(q, st, uploader, cfg, logger)
	router := api.SetupRouter(h, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	maintenance.New(st, maintenance.Config{
		StaleTimeout:   cfg.StaleTimeout,
		ResetInterval:  cfg.MaintenanceResetInterval,
		PurgeRetention: cfg.PurgeRetention,
		PurgeInterval:  cfg.MaintenancePurgeInterval,
		UploadRoot:     cfg.UploadRoot,
	}, logger).Start(ctx)

	addr := fmt.Sprintf(":%d", cfg.APIPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.WithField("addr", addr).WithError(err).Error("cannot bind API port")
		os.Exit(exitPortConflict)
	}

	srv := &http.Server{
		Handler:      router,
		ReadTimeout:  cfg.MaxRequestTimeout,
		WriteTimeout: cfg.MaxRequestTimeout,
	}

	go func() {
		logger.WithField("addr", addr).Info("API server listening")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("forced shutdown")
	}
	logger.Info("server exited")
}
