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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sharaein/server/internal/auth"
	"github.com/sharaein/server/internal/config"
	"github.com/sharaein/server/internal/handlers"
	httpx "github.com/sharaein/server/internal/http"
	"github.com/sharaein/server/internal/hub"
	"github.com/sharaein/server/internal/metrics"
	"github.com/sharaein/server/internal/repo"
	"github.com/sharaein/server/internal/service"
	"github.com/sharaein/server/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	zerolog.DefaultContextLogger = &log.Logger

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.IsDev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open blob storage: %w", err)
	}

	guard, err := auth.NewGuard(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	h := hub.New()
	defer h.Close()
	if err := metrics.RegisterHub(prometheus.DefaultRegisterer, h); err != nil {
		return err
	}

	roomSvc := service.NewRoomService(store, store, service.NewRoomIDGenerator(), guard, auth.NewHasher(cfg.BcryptCost))
	fileSvc := service.NewFileService(store, store, blobs, h, cfg.MaxConcurrentUploads)

	router := httpx.NewRouter(httpx.Handlers{
		Rooms: handlers.NewRoomHandler(roomSvc),
		Files: handlers.NewFileHandler(fileSvc, guard, handlers.FileHandlerConfig{
			MaxUploadBytes:       cfg.MaxUploadBytes,
			RequireDownloadToken: cfg.RequireDownloadToken,
		}),
		WebSocket: handlers.NewWebSocketHandler(ctx, h, guard, cfg.AllowedOrigins, cfg.WSSendBuffer),
		Tokens:    guard,
		Store:     store,
	}, log.Logger, cfg.AllowedOrigins)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.APIAddr).Str("store", cfg.StoreDriver).Str("blobs", cfg.BlobDriver).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// シャットダウンシグナルを待つ
		<-gctx.Done()
		log.Info().Msg("shutdown signal received, shutting down gracefully...")

		// WebSocketはShutdownの対象外なので先に閉じる
		h.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config) (repo.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			PoolSize:     10,
			MinIdleConns: 5,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolTimeout:  4 * time.Second,
		})
		// Redis接続確認
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		log.Info().Str("module", "main").Str("addr", cfg.RedisAddr).Msg("connected to redis")
		return repo.NewRedisStore(rdb), nil

	case config.StorePostgres:
		s, err := repo.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil

	default:
		s, err := repo.OpenSQLite(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	}
}

func openBlobs(ctx context.Context, cfg config.Config) (storage.Blobs, error) {
	if cfg.BlobDriver == config.BlobMinio {
		return storage.NewMinio(ctx, storage.MinioConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
		})
	}
	return storage.NewFilesystem(cfg.UploadDir)
}
