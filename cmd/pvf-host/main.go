package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"pvfexec/internal/pvf/api"
	"pvfexec/internal/pvf/artifacts"
	"pvfexec/internal/pvf/host"
	"pvfexec/internal/pvf/observer"
	"pvfexec/internal/pvf/primitives"
	"pvfexec/internal/pvf/security"
	"pvfexec/internal/pvf/validation"
	"pvfexec/internal/pvf/version"
	"pvfexec/internal/pvf/worker"
	"pvfexec/pkg/utils/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/pvf_host.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "pvf host stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()
	for _, dir := range []string{appCfg.Worker.Root, appCfg.Artifacts.RootDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	status, err := probeSecurity(ctx, appCfg)
	if err != nil {
		return err
	}

	var recorder observer.Recorder = observer.Noop{}
	var metricsHandler http.Handler
	if appCfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics, err := observer.NewMetrics(registry)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		recorder = metrics
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	cache := artifacts.NewCache(artifacts.Config{
		Root:       appCfg.Artifacts.RootDir,
		TTL:        appCfg.Artifacts.TTL,
		MaxEntries: appCfg.Artifacts.MaxEntries,
		MaxBytes:   appCfg.Artifacts.MaxBytes,
	}, recorder)

	workerCfg := host.WorkerConfig{
		Program:        appCfg.Worker.Program,
		LauncherPrefix: appCfg.Worker.LauncherPrefix,
		Root:           appCfg.Worker.Root,
		NodeVersion:    version.NodeVersion(),
		Security:       status,
		SpawnTimeout:   appCfg.Worker.SpawnTimeout,
		LogLevel:       appCfg.Worker.LogLevel,
		ExtraArgs:      extraWorkerArgs(appCfg.Sandbox),
	}
	pool := host.NewPoolWithSpawner(host.PoolConfig{
		Size:        appCfg.Worker.PoolSize,
		AcquireWait: appCfg.Worker.AcquireWait,
		BackoffBase: appCfg.Worker.BackoffBase,
		BackoffMax:  appCfg.Worker.BackoffMax,
	}, func(ctx context.Context, params primitives.ExecutorParams) (host.Handle, error) {
		c := workerCfg
		c.Params = params
		w, err := host.SpawnWorker(ctx, c)
		recorder.WorkerSpawned(err == nil)
		if err != nil {
			return nil, err
		}
		return w, nil
	})
	defer pool.Close()

	if appCfg.Worker.Warmup {
		if err := pool.Warmup(ctx, nil); err != nil {
			logger.Warn(ctx, "worker warmup failed, workers will be spawned on demand", zap.Error(err))
		}
	}

	validator := validation.NewValidator(cache, pool, recorder)
	missing := security.Missing(status)
	controller := api.NewController(validator, func() api.Health {
		n, size := cache.Stats()
		return api.Health{
			Workers:         pool.Size(),
			Artifacts:       n,
			ArtifactBytes:   size,
			MissingSecurity: missing,
		}
	})

	httpServer := &http.Server{
		Addr:              appCfg.Server.Addr,
		Handler:           api.NewRouter(controller, metricsHandler),
		ReadTimeout:       appCfg.Server.ReadTimeout,
		ReadHeaderTimeout: appCfg.Server.ReadTimeout,
		WriteTimeout:      appCfg.Server.WriteTimeout,
		IdleTimeout:       appCfg.Server.IdleTimeout,
	}
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go pruneLoop(shutdownCtx, cache, appCfg.Artifacts.PruneInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "pvf host http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.String("version", version.Version),
			zap.Int("workers", pool.Size()),
		)
		errCh <- httpServer.Serve(listener)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server stopped: %w", err)
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	return serveErr
}

func probeSecurity(ctx context.Context, appCfg *AppConfig) (worker.SecurityStatus, error) {
	probeDir := filepath.Join(appCfg.Worker.Root, "probe")
	if err := os.MkdirAll(probeDir, 0o700); err != nil {
		return worker.SecurityStatus{}, fmt.Errorf("create probe dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(probeDir)
	}()

	start := time.Now()
	status := security.Probe(ctx, security.BinaryChecker{
		WorkerPath: appCfg.Worker.Program,
		WorkerDir:  probeDir,
		Timeout:    appCfg.Sandbox.ProbeTimeout,
	})
	logger.Info(ctx, "security capabilities probed",
		zap.Bool("secure_clone", status.CanDoSecureClone),
		zap.Bool("change_root", status.CanUnshareUserNamespaceAndChangeRoot),
		zap.Bool("seccomp", status.CanEnableSeccomp),
		zap.Duration("elapsed", time.Since(start)),
	)
	if err := security.Enforce(ctx, status, appCfg.Sandbox.SecureValidatorMode); err != nil {
		return status, err
	}
	return status, nil
}

func pruneLoop(ctx context.Context, cache *artifacts.Cache, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := cache.Prune(); n > 0 {
				logger.Info(ctx, "pruned expired artifacts", zap.Int("count", n))
			}
		}
	}
}
