package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"matchwire/backend/internal/api/handler"
	"matchwire/backend/internal/chathub"
	"matchwire/backend/internal/config"
	"matchwire/backend/internal/localization"
	"matchwire/backend/internal/storage"
	"matchwire/backend/internal/telegram"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger().
		Level(zerolog.InfoLevel)
}

func setupDependencies(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*gorm.DB, *redis.Client, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL is not set")
	}
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	logger.Info().Msg("connected to PostgreSQL")

	if cfg.RedisURL == "" {
		logger.Warn().Msg("REDIS_URL not set: last-seen kept in memory, single relay process only")
		return db, nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Info().Msg("connected to Redis")
	return db, rdb, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Залежності: PostgreSQL, Redis (опційно), міграції, переклади
	db, rdb, err := setupDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise dependencies")
	}
	store := storage.NewStorageService(db, logger)
	if err := store.Migrate(); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	localizer, err := localization.NewLocalizer(cfg.LocalesDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load translations")
	}

	// 2. Хаб та його опційні колаборатори
	opts := chathub.Options{
		RingTimeout:          cfg.RingTimeout,
		PresenceQueryTimeout: cfg.PresenceQueryTimeout,
		PresenceWatchTTL:     cfg.PresenceWatchTTL,
		StoreTimeout:         cfg.StoreTimeout,
		Localizer:            localizer,
	}
	if rdb != nil {
		opts.LastSeen = storage.NewRedisPresence(rdb)
		opts.Bus = storage.NewRedisBus(rdb, uuid.NewString(), logger)
	}
	if cfg.TelegramBotToken != "" {
		notifier, err := telegram.NewBotNotifier(cfg.TelegramBotToken, store, localizer, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram notifier disabled")
		} else {
			opts.Notifier = notifier
		}
	}
	hub := chathub.NewManagerService(store, opts, logger)

	go func() {
		if err := hub.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("room bus stopped")
		}
	}()

	// 3. HTTP-сервер та роутинг
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handler.NewHandler(hub, handler.NewJWTIdentity(cfg.JWTSecret, cfg.TokenTTL), cfg, logger)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("starting matchwire relay")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Чекаємо на SIGINT/SIGTERM, потім зупиняємо все у зворотному порядку
	<-ctx.Done()
	logger.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("hub shutdown")
	}
	if rdb != nil {
		rdb.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	logger.Info().Msg("stopped")
}
