package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/inkfleet/inkfleet-backend/internal/config"
	"github.com/inkfleet/inkfleet-backend/internal/counters"
	"github.com/inkfleet/inkfleet-backend/internal/datapool"
	"github.com/inkfleet/inkfleet-backend/internal/dispatch"
	"github.com/inkfleet/inkfleet-backend/internal/events"
	"github.com/inkfleet/inkfleet-backend/internal/handlers"
	"github.com/inkfleet/inkfleet-backend/internal/pool"
	"github.com/inkfleet/inkfleet-backend/internal/queue"
	"github.com/inkfleet/inkfleet-backend/internal/reconciler"
	"github.com/inkfleet/inkfleet-backend/internal/registry"
	"github.com/inkfleet/inkfleet-backend/internal/server"
	"github.com/inkfleet/inkfleet-backend/internal/store"
	"github.com/inkfleet/inkfleet-backend/internal/transport"
)

func main() {
	// --- Configuration ---
	cfg, err := config.LoadConfig("configs/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err) // Use standard log before Zap is up
	}

	// --- Logger ---
	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync() // Flush logs before exiting

	// --- NATS Event Bus ---
	// The dispatcher works without the bus; failing to reach NATS only
	// disables event publishing.
	var publisher *events.Publisher
	if cfg.NatsAddress != "" {
		nc, err := events.Connect(cfg.NatsAddress, logger)
		if err != nil {
			logger.Warn("Could not connect to NATS, event publishing disabled", zap.Error(err))
			publisher = events.NewPublisher(nil, logger)
		} else {
			publisher = events.NewPublisher(nc, logger)
			defer nc.Drain()
		}
	} else {
		logger.Info("NATS address not configured, event publishing disabled")
		publisher = events.NewPublisher(nil, logger)
	}

	// --- Durable Store ---
	st, err := store.NewSQLiteStore(cfg.DatabasePath, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.String("path", cfg.DatabasePath), zap.Error(err))
	}
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := st.Initialize(initCtx); err != nil {
		initCancel()
		logger.Fatal("Failed to initialize store schema", zap.Error(err))
	}
	initCancel()
	defer st.Close()
	logger.Info("SQLite store initialized", zap.String("path", cfg.DatabasePath))

	// --- Core Components ---
	deviceRegistry := registry.NewDeviceRegistry(logger.Named("registry"))
	buffers := counters.NewBuffers()
	commandQueue := queue.NewCommandQueue(cfg.CommandQueueSize, logger.Named("queue"))
	pools := datapool.NewStoreService(st, logger.Named("datapool"))

	producerPool := pool.New("producer", pool.Config{
		CoreWorkers:   cfg.ProducerPool.CoreWorkers,
		MaxWorkers:    cfg.ProducerPool.MaxWorkers,
		QueueCapacity: cfg.ProducerPool.QueueCapacity,
		KeepAlive:     cfg.ProducerPool.KeepAlive,
	}, logger.Named("pool"))
	senderPool := pool.New("sender", pool.Config{
		CoreWorkers:   cfg.SenderPool.CoreWorkers,
		MaxWorkers:    cfg.SenderPool.MaxWorkers,
		QueueCapacity: cfg.SenderPool.QueueCapacity,
		KeepAlive:     cfg.SenderPool.KeepAlive,
	}, logger.Named("pool"))
	handlerPool := pool.New("handler", pool.Config{
		CoreWorkers:   cfg.HandlerPool.CoreWorkers,
		MaxWorkers:    cfg.HandlerPool.MaxWorkers,
		QueueCapacity: cfg.HandlerPool.QueueCapacity,
		KeepAlive:     cfg.HandlerPool.KeepAlive,
	}, logger.Named("pool"))

	dispatcher := dispatch.NewDispatcher(dispatch.Options{
		BatchSize:           cfg.BatchSize,
		PreloadCount:        cfg.PreloadCount,
		MaxRetryCount:       cfg.MaxRetryCount,
		MaxItemPrints:       cfg.MaxItemPrints,
		EmptyPoolBackoff:    cfg.EmptyPoolBackoff,
		AssignBackoff:       cfg.AssignBackoff,
		SendTimeout:         cfg.DeviceWriteTimeout,
		DialTimeout:         cfg.DeviceDialTimeout,
		ShutdownTimeout:     cfg.ShutdownTimeout,
		OfflineRequeueGrace: cfg.OfflineRequeueGrace,
	}, st, pools, commandQueue, deviceRegistry, buffers, publisher,
		producerPool, senderPool, logger.Named("dispatch"))

	rec := reconciler.New(cfg.ReconcileInterval, dispatcher, commandQueue,
		deviceRegistry, buffers, st, logger.Named("reconciler"))
	dispatcher.SetFlusher(rec)

	deviceHandler := dispatch.NewDeviceDataHandler(dispatcher, deviceRegistry, buffers,
		publisher, handlerPool, cfg.HeartbeatTimeout, cfg.HeartbeatInterval,
		logger.Named("handler"))

	// --- Device Transport ---
	deviceServer := transport.NewServer(cfg.DeviceListenAddress, deviceRegistry,
		deviceHandler, cfg.DeviceWriteTimeout, logger.Named("transport"))

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	if err := deviceServer.Start(runCtx); err != nil {
		logger.Fatal("Failed to start device transport",
			zap.String("address", cfg.DeviceListenAddress), zap.Error(err))
	}
	logger.Info("Device transport listening", zap.String("address", deviceServer.Addr()))

	go rec.Run(runCtx)
	go deviceHandler.RunHeartbeatChecks(runCtx)

	// --- Setup Router and Server ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewStructuredLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Dispatch service is healthy")
		logger.Debug("Health check endpoint hit")
	})

	dispatchHandler := handlers.NewDispatchHandler(logger.Named("http"), dispatcher, pools)
	devicesHandler := handlers.NewDeviceHandler(logger.Named("http"), deviceRegistry)
	r.Route("/api/v1", func(r chi.Router) {
		dispatchHandler.Routes(r)
		devicesHandler.Routes(r)
	})
	logger.Info("API routes mounted under /api/v1")

	srv := server.NewServer(cfg.Port, r, server.Timeouts{
		Read:  cfg.HTTPReadTimeout,
		Write: cfg.HTTPWriteTimeout,
		Idle:  cfg.HTTPIdleTimeout,
	}, logger)

	// --- Start Server Goroutine ---
	go func() {
		logger.Info("Starting dispatch service", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Could not listen on port", zap.String("port", cfg.Port), zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit // Block until a signal is received
	logger.Info("Shutdown signal received, starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	// Stop running tasks first so their final progress gets flushed before
	// the reconciler and store go away.
	dispatcher.StopAll(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server forced to shutdown uncleanly", zap.Error(err))
	}

	deviceServer.Stop()
	runCancel()

	producerPool.Close()
	senderPool.Close()
	handlerPool.Close()

	logger.Info("Server gracefully stopped")
}

// setupLogger configures Zap based on the log level string.
func setupLogger(levelString string) (*zap.Logger, error) {
	var logLevel zapcore.Level
	if err := logLevel.Set(levelString); err != nil {
		logLevel = zapcore.InfoLevel // Default to info if parsing fails
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(logLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

// NewStructuredLogger returns a middleware that logs request details using Zap.
func NewStructuredLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				duration := time.Since(start)
				logger.Info("Request completed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("remote_ip", r.RemoteAddr),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", duration),
				)
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}
