package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"merchantstock/backend/internal/cache"
	"merchantstock/backend/internal/config"
	"merchantstock/backend/internal/domain"
	"merchantstock/backend/internal/events"
	"merchantstock/backend/internal/httpapi"
	"merchantstock/backend/internal/logger"
	"merchantstock/backend/internal/registry"
	"merchantstock/backend/internal/service"
	"merchantstock/backend/internal/store"
	"merchantstock/backend/internal/store/memory"
	pgstore "merchantstock/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal("apply schema", zap.Error(err))
		}
		if err := bootstrapAdmin(ctx, pg, os.Getenv("SEED_ADMIN_PASSWORD")); err != nil {
			log.Fatal("bootstrap admin", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Info("repository: in-memory")
	}

	merchantCache := cache.MerchantCache(cache.NoopMerchantCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisMerchantCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("redis unavailable, using noop merchant cache", zap.Error(err))
		} else {
			merchantCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Info("merchant cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		log.Info("merchant cache: noop")
	}

	publisher := events.Publisher(events.NoopPublisher{})
	if len(cfg.KafkaBrokers) > 0 {
		kafka := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		publisher = kafka
		closers = append(closers, kafka.Close)
		log.Info("events: kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	} else {
		log.Info("events: disabled")
	}

	merchants := registry.NewDirectory(repo, merchantCache, cfg.MerchantCacheTTL(), log)
	svc := service.New(repo, merchants, publisher, log, service.RetryPolicy{
		MaxAttempts: cfg.LedgerMaxRetries,
		BaseDelay:   cfg.LedgerRetryBase(),
	})
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, log)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("merchant stock backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Warn("close error", zap.Error(err))
		}
	}
	log.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AllowedOrigin == "*" && cfg.DatabaseURL != "" {
		return fmt.Errorf("ALLOWED_ORIGIN must name an origin when running against postgres")
	}
	return nil
}

// bootstrapAdmin creates the "admin" account on an empty user table so a
// fresh database can be logged into.
func bootstrapAdmin(ctx context.Context, users httpapi.UserStore, password string) error {
	existing, err := users.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	password = strings.TrimSpace(password)
	if len(password) < 12 {
		return fmt.Errorf("SEED_ADMIN_PASSWORD must be at least 12 characters to create the first admin")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return users.CreateUser(ctx, domain.UserAccount{
		Username:  "admin",
		Password:  string(hash),
		Role:      domain.RoleAdmin,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
}
