package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pwh-registry/internal/config"
	"pwh-registry/internal/database"
	"pwh-registry/internal/directory"
	httpapi "pwh-registry/internal/http"
	"pwh-registry/internal/importer"
	"pwh-registry/internal/logger"
	"pwh-registry/internal/mqtt"
	"pwh-registry/internal/recap"
	rediscommon "pwh-registry/internal/redis"
	"pwh-registry/internal/repository"
	"pwh-registry/internal/scope"
	"pwh-registry/internal/service"
	"pwh-registry/internal/store"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pwh-registry: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "pwh-registry")
	if err != nil {
		fmt.Fprintf(os.Stderr, "pwh-registry: failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)

	// 缓存：Redis 不可用时降级为进程内 KV
	var (
		kv          store.KV
		redisClient *rediscommon.Client
	)
	if cfg.Redis.Enabled {
		if c, err := rediscommon.Connect(ctx, &cfg.Redis); err == nil {
			redisClient = c
			kv = store.NewRedisKV(c)
			log.Info("Redis cache enabled", zap.String("addr", cfg.Redis.Addr))
		} else {
			log.Warn("Redis unavailable, falling back to in-process cache", zap.Error(err))
		}
	}
	if kv == nil {
		kv = store.NewMemoryKV()
	}
	cache := store.NewTableCache(kv, cfg.CacheTTL, log)

	reader := repository.NewScopedReader(db, scope.NewGuard())
	repo := repository.NewPostgresRegistryRepository(db, reader, cache, log)

	// 导入进度：日志 + Redis Stream + MQTT（后两者可选）
	reporters := importer.MultiReporter{importer.NewLogReporter(log)}
	var progress service.ProgressSource
	if redisClient != nil {
		stream := importer.NewStreamReporter(redisClient, cfg.Import.ProgressStream, log)
		reporters = append(reporters, stream)
		progress = stream
	}
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		if c, err := mqtt.NewClient(&cfg.MQTT, log); err == nil {
			mqttClient = c
			reporters = append(reporters, importer.NewMQTTReporter(c, cfg.MQTT.Topic, cfg.MQTT.QoS, log))
			log.Info("MQTT progress broadcast enabled", zap.String("broker", cfg.MQTT.Broker))
		} else {
			log.Warn("MQTT unavailable, progress broadcast disabled", zap.Error(err))
		}
	}

	engine := importer.NewEngine(repo, log,
		importer.WithTxMode(repository.TxMode(cfg.Import.TxMode)),
		importer.WithProgressEvery(cfg.Import.ProgressEvery),
		importer.WithReporter(reporters),
	)

	dir := directory.New(repo, cache)
	handler := httpapi.NewRegistryHandler(
		service.NewPatientService(repo, log),
		service.NewRecordService(repo, log),
		dir,
		service.NewWorkbookService(repo, dir, engine, progress, log),
		recap.NewBuilder(repo, cache),
		cfg.Import.MaxBytes,
		log,
	)

	router := httpapi.NewRouter(log)
	router.RegisterHealthRoutes()
	router.RegisterRegistryRoutes(handler)

	srv := service.NewServer(cfg.HTTP.Addr, router, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("HTTP server stopped", zap.Error(err))
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	if mqttClient != nil {
		mqttClient.Disconnect()
	}
	if redisClient != nil {
		_ = rediscommon.Close(redisClient)
	}
}
