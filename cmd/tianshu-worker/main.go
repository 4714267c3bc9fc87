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

	"github.com/gin-gonic/gin"
	"github.com/lithammer/shortuuid/v4"
	"github.com/sirupsen/logrus"

	"github.com/dinobot22/mineru-tianshu/config"
	"github.com/dinobot22/mineru-tianshu/engine"
	"github.com/dinobot22/mineru-tianshu/store"
	"github.com/dinobot22/mineru-tianshu/worker"
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
	if err := os.MkdirAll(cfg.OutputRoot, 0o755); err != nil {
		logger.WithError(err).Error("cannot create output root")
		os.Exit(exitConfigError)
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.WithField("db_path", cfg.DBPath).WithError(err).Error("cannot open task store")
		os.Exit(exitStoreUnreachable)
	}
	defer st.Close()

	hostname, _ := os.Hostname()
	allowed := cfg.AllowedBackendList()

	var runtimes []*worker.Runtime
	for _, device := range cfg.DeviceList() {
		registry, err := buildRegistry(cfg, device, logger)
		if err != nil {
			logger.WithField("device", device).WithError(err).Error("invalid engine configuration")
			os.Exit(exitConfigError)
		}
		for i := 0; i < cfg.WorkersPerDevice; i++ {
			id := fmt.Sprintf("tianshu-%s-gpu%s-%s", hostname, device, shortuuid.New())
			runtimes = append(runtimes, worker.NewRuntime(worker.Config{
				WorkerID:        id,
				Device:          device,
				AllowedBackends: allowed,
				PollInterval:    cfg.PollInterval,
				EngineTimeout:   cfg.EngineTimeout,
				OutputRoot:      cfg.OutputRoot,
			}, st, registry, logger))
		}
	}

	pool := worker.NewPool(runtimes, st, logger)

	gin.SetMode(gin.ReleaseMode)
	health := gin.New()
	health.Use(gin.Recovery())
	health.GET("/health", pool.HealthHandler())

	addr := fmt.Sprintf(":%d", cfg.WorkerPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.WithField("addr", addr).WithError(err).Error("cannot bind worker port")
		os.Exit(exitPortConflict)
	}
	srv := &http.Server{Handler: health}
	go func() {
		logger.WithField("addr", addr).Info("worker health endpoint listening")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("health server error")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"devices":            cfg.Devices,
		"workers_per_device": cfg.WorkersPerDevice,
		"poll_interval":      cfg.PollInterval,
	}).Info("worker pool starting")

	pool.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	logger.Info("worker pool exited")
}

// buildRegistry creates one engine adapter per configured backend, with the
// process environment narrowed to the worker's device so an engine only
// sees its assigned GPU.
func buildRegistry(cfg *config.Config, device string, logger *logrus.Logger) (*engine.Registry, error) {
	guard := &engine.ResourceGuard{
		MinIdleCPU:  cfg.ThrottleCPU,
		MinFreeMem:  cfg.ThrottleFreeMem,
		MinFreeDisk: cfg.ThrottleFreeDisk,
		DiskPath:    cfg.OutputRoot,
		Logger:      logger,
	}

	env := os.Environ()
	if device != "cpu" {
		env = append(env, "CUDA_VISIBLE_DEVICES="+device)
	}

	registry := engine.NewRegistry()
	for name, template := range cfg.Engines {
		eng, err := engine.NewCommandEngine(name, template, env, guard, cfg.EngineCancelCheckInterval, logger)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", name, err)
		}
		registry.Register(eng)
	}
	return registry, nil
}
