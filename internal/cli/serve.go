package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"previewd/internal/api"
	"previewd/internal/auth"
	"previewd/internal/config"
	"previewd/internal/fetch"
	"previewd/internal/logging"
	"previewd/internal/models"
	"previewd/internal/redis"
	"previewd/internal/service/attachment"
	"previewd/internal/session"
	"previewd/internal/storage"
	"previewd/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.BasicConfig.ServerAddress = addr
			}
			logger, err := opts.logger(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides basic_config.server_address")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	dbType := cfg.BasicConfig.Database
	logger.Info("opening database", zap.String("driver", dbType))
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
	}

	attachments := attachment.NewService(db, attachment.Options{
		BaseDir:        cfg.BasicConfig.FileBaseDir,
		TTL:            cfg.BasicConfig.AttachmentTTLDuration(),
		MaxUploadBytes: cfg.BasicConfig.MaxUploadBytes,
		QuotaBytes:     cfg.BasicConfig.UserQuotaBytes,
	}, logger.Named("attachment"))
	attachments.StartCleaner(ctx, cfg.BasicConfig.CleanIntervalDuration())

	fetcher, err := newFetcher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	fetcher.Register(models.AttachmentScheme, attachments.Source())

	dispatcher := worker.NewDispatcher(worker.Config{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: cfg.BasicConfig.WorkerIdleDuration(),
	}, logger.Named("worker"))
	defer dispatcher.Stop()

	sessOpts := session.Options{Logger: logger.Named("session")}
	var mirror *session.RedisMirror
	if rdb != nil {
		mirror = session.NewRedisMirror(rdb, cfg.Preview.StateTTLDuration(), logger.Named("mirror"))
		sessOpts.Mirror = mirror
	}
	sessions := session.NewManager(session.NewPipelineLoader(fetcher, logger.Named("loader")), dispatcher, sessOpts)
	defer sessions.CloseAll()

	authService := auth.NewService(db, rdb, cfg.BasicConfig.TokenTTLDuration(), logger.Named("auth"))
	handlers := api.NewHandler(attachments, authService, sessions, dispatcher, logger.Named("api"))
	if mirror != nil {
		handlers.WithSnapshotStore(mirror)
	}
	if cfg.S3.Enabled {
		handlers.WithObjectBucket(cfg.S3.Bucket)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), logging.GinLogger(logger.Named("http")))
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newFetcher registers the http(s) source and, when configured, s3.
func newFetcher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*fetch.Fetcher, error) {
	fetcher := fetch.New(logger.Named("fetch"))
	httpSource := fetch.NewHTTPSource(cfg.Preview.FetchTimeoutDuration(), cfg.Preview.AllowedHosts)
	fetcher.Register("http", httpSource)
	fetcher.Register("https", httpSource)

	if cfg.S3.Enabled {
		s3Source, err := fetch.NewS3Source(ctx, fetch.S3Config{
			Bucket:          cfg.S3.Bucket,
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("init s3 source: %w", err)
		}
		fetcher.Register("s3", s3Source)
	}
	return fetcher, nil
}
