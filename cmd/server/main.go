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

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"enquirychat/internal/auth"
	"enquirychat/internal/chat"
	"enquirychat/internal/config"
	"enquirychat/internal/database"
	"enquirychat/internal/directory"
	"enquirychat/internal/fanout"
	"enquirychat/internal/handler"
	"enquirychat/internal/identity"
	"enquirychat/internal/ledger"
	"enquirychat/internal/logger"
	"enquirychat/internal/media"
	"enquirychat/internal/notification"
	"enquirychat/internal/presence"
	"enquirychat/internal/push"
	"enquirychat/internal/readstate"
	"enquirychat/internal/realtime"
	"enquirychat/internal/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// .envファイルを読み込み
	envErr := godotenv.Load()

	// 環境変数を読み込み
	cfg := config.Load()

	if err := logger.Init(cfg.LogLevel, cfg.Env); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	if envErr != nil {
		logger.Warn("dotenv_not_loaded", "error", envErr)
	}

	if err := run(cfg); err != nil {
		logger.Error("server_exited", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.DBDriver {
	case "pebble":
		return store.OpenPebble(cfg.PebblePath)
	case "mysql":
		db, err := database.Init(cfg)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		return store.NewMySQL(db), nil
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}
}

func openIdentity(cfg config.Config) (identity.Directory, func(), error) {
	if cfg.RedisURL == "" {
		logger.Warn("identity_in_memory", "reason", "REDIS_URL not set; device tokens are lost on restart")
		return identity.NewMemory(), func() {}, nil
	}
	r, err := identity.NewRedis(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return r, func() { _ = r.Close() }, nil
}

func openPush(ctx context.Context, cfg config.Config) (push.Provider, error) {
	if cfg.FCMCredentialsFile == "" && cfg.FCMProjectID == "" {
		logger.Warn("push_disabled", "reason", "FCM is not configured")
		return push.NopProvider{}, nil
	}
	return push.NewFCM(ctx, cfg.FCMProjectID, cfg.FCMCredentialsFile)
}

func openMedia(ctx context.Context, cfg config.Config) (media.Store, error) {
	if cfg.AWSBucketName == "" {
		logger.Warn("uploads_disabled", "reason", "AWS_BUCKET_NAME not set")
		return nil, nil
	}
	return media.NewS3(ctx, cfg.AWSRegion, cfg.AWSBucketName, cfg.MediaURLTTL)
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	secret := cfg.JWTSecret
	if secret == "" {
		if !cfg.IsDevelopment() {
			return errors.New("JWT_SECRET is required")
		}
		logger.Warn("jwt_secret_missing", "reason", "using an insecure development secret")
		secret = "development-only-secret"
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ids, closeIDs, err := openIdentity(cfg)
	if err != nil {
		return fmt.Errorf("open identity directory: %w", err)
	}
	defer closeIDs()

	provider, err := openPush(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init push: %w", err)
	}
	dispatcher := push.NewDispatcher(provider, ids, cfg.PushWorkers, cfg.PushQueue, cfg.PushTimeout)

	mediaStore, err := openMedia(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init media: %w", err)
	}

	pres := presence.New()
	hub := realtime.NewHub(pres)
	reads := readstate.New(st, st)
	l := ledger.New(st, cfg.MessagePageDefault, cfg.MessagePageMax)

	svc := chat.NewService(chat.Deps{
		Directory: directory.New(st, l, cfg.ChatPageDefault, cfg.ChatPageMax),
		Ledger:    l,
		Reads:     reads,
		Presence:  pres,
		Fanout:    fanout.New(hub, pres, reads, dispatcher, ids),
		Identity:  ids,
		Media:     mediaStore,
	})

	// ハンドラー初期化
	h := handler.New(cfg, svc, notification.New(st, dispatcher), hub, auth.NewVerifier(secret, cfg.JWTIssuer), mediaStore)
	router := h.SetupRouter()

	// CORS対応
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           300,
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           logger.Middleware(c.Handler(router)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("server_starting",
		"env", cfg.Env,
		"addr", srv.Addr,
		"store", cfg.DBDriver,
		"uploads", mediaStore != nil,
		"allowed_origins", cfg.AllowedOrigins,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// hijacked websockets are not tracked by Shutdown
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown_incomplete", "error", err)
	}
	dispatcher.Close()
	logger.Info("server_stopped")
	return nil
}
