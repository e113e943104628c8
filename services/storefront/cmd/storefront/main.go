package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"ebookstore/internal/ratelimit"
	"ebookstore/internal/security"
	"ebookstore/internal/util"
	"ebookstore/pkg/cart"
	"ebookstore/pkg/queue"
	"ebookstore/pkg/storage"
	"ebookstore/pkg/store"
	"ebookstore/services/storefront/internal/app"
	"ebookstore/services/storefront/internal/config"
	"ebookstore/services/storefront/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	sessionTTL := mustDuration("sessionTTL", cfg.SessionTTL)
	presignExpiry := mustDuration("presignExpiry", cfg.PresignExpiry)
	cartTTL := mustDuration("cartTTL", cfg.CartTTL)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	cancelPing()

	var dataStore store.Store
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn("using in-memory store, data is lost on restart")
		dataStore = store.NewMemoryStore()
	default:
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init store: %v", err)
		}
		dataStore = gormStore
	}

	var objects storage.ObjectStore
	switch cfg.StorageDriver {
	case config.StorageDriverMemory:
		logger.Warn("using in-memory object storage, presigned URLs are not served")
		objects = storage.NewMemoryStore("")
	default:
		minioStore, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("failed to init object storage: %v", err)
		}
		objects = minioStore
	}

	sessions, err := store.NewJWTSessionStore(cfg.JWTSecret, sessionTTL,
		store.NewRedisTokenRevoker(redisClient, "ebookstore:revoked"),
		store.JWTOptions{Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience})
	if err != nil {
		log.Fatalf("failed to init sessions: %v", err)
	}
	carts, err := cart.NewRedisCart(redisClient, "", cartTTL)
	if err != nil {
		log.Fatalf("failed to init cart: %v", err)
	}

	appCfg := app.Config{
		Store:         dataStore,
		Sessions:      sessions,
		Objects:       objects,
		Cart:          carts,
		MaxDownloads:  cfg.MaxDownloads,
		PresignExpiry: presignExpiry,
	}
	var jobQueue *queue.RedisJobQueue
	if cfg.QueueEnabled {
		jobQueue, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Client:     redisClient,
			Stream:     cfg.QueueStream,
			Group:      cfg.QueueGroup,
			MaxRetries: cfg.QueueMaxRetries,
		})
		if err != nil {
			log.Fatalf("failed to init order queue: %v", err)
		}
		appCfg.Queue = jobQueue
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}
	signupLimiter := mustLimiter(redisClient, "signup", cfg.SignupRateLimitPerMinute)
	loginLimiter := mustLimiter(redisClient, "login", cfg.LoginRateLimitPerMinute)
	downloadLimiter := mustLimiter(redisClient, "download", cfg.DownloadRateLimitPerMinute)
	alerter, err := security.NewAuditAlerter(redisClient, "ebookstore:alerts")
	if err != nil {
		log.Fatalf("failed to init security alerter: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                appCore,
		WebhookSecret:      cfg.WebhookSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		TrustedProxies:     trustedProxies,
		MaxUploadBytes:     cfg.MaxUploadBytes,
		MaxCoverBytes:      cfg.MaxCoverBytes,
		SignupLimiter:      signupLimiter,
		LoginLimiter:       loginLimiter,
		DownloadLimiter:    downloadLimiter,
		Alerter:            alerter,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if jobQueue != nil {
		jobQueue.Start(ctx, cfg.QueueConcurrency, appCore.HandleMaterializeJob)
		slog.Info("order materializer started", "stream", cfg.QueueStream, "workers", cfg.QueueConcurrency)
		g.Go(func() error {
			<-ctx.Done()
			jobQueue.Wait()
			return nil
		})
	}
	g.Go(func() error {
		slog.Info("storefront server listening", "addr", addr, "max_downloads", appCore.MaxDownloads())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
	_ = redisClient.Close()
}

func mustDuration(name, value string) time.Duration {
	d, err := config.ParseDuration(name, value)
	if err != nil {
		log.Fatalf("failed to parse %s: %v", name, err)
	}
	return d
}

// mustLimiter returns nil when the limit is zero, which disables it.
func mustLimiter(client *redis.Client, name string, perMinute int) *ratelimit.FixedWindowLimiter {
	if perMinute <= 0 {
		return nil
	}
	limiter, err := ratelimit.NewFixedWindowLimiter(client, "ebookstore:ratelimit:"+name, perMinute, time.Minute)
	if err != nil {
		log.Fatalf("failed to init %s limiter: %v", name, err)
	}
	return limiter
}
