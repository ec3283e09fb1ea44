package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"boxoffice/internal/backend"
	"boxoffice/internal/backend/embedded"
	"boxoffice/internal/backend/qbittorrent"
	"boxoffice/internal/config"
	apphttp "boxoffice/internal/http"
	"boxoffice/internal/orchestrator"
	"boxoffice/internal/repository"
	"boxoffice/internal/repository/sqlite"
	"boxoffice/internal/resolver"
	"boxoffice/internal/service"
	"boxoffice/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and download engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return serve(cmd.Context(), cfg, newLogger(cfg))
	},
}

func serve(parent context.Context, cfg config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Download.DataDir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.Download.DataDir, ".boxoffice.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another instance is already using %s", cfg.Download.DataDir)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warnf("release lock: %v", err)
		}
	}()

	var (
		history repository.HistoryRepository
		opts    []orchestrator.Option
	)
	if cfg.Database.Path != "" {
		db, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		history = sqlite.NewHistoryRepository(db)
		if err := history.Init(ctx); err != nil {
			return fmt.Errorf("init history repository: %w", err)
		}
		opts = append(opts, orchestrator.WithHistory(history))
	}

	var archive *storage.Archiver
	if cfg.Storage.Bucket != "" {
		svc, err := buildStorage(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("setup storage: %w", err)
		}
		archive = storage.NewArchiver(svc, cfg.Storage.Bucket, cfg.Storage.KeyPrefix, logger)
		opts = append(opts, orchestrator.WithArchiver(archive))
	}

	var auth service.AuthService
	if cfg.Auth.JWTSecret != "" {
		auth, err = service.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.Password, time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute)
		if err != nil {
			return fmt.Errorf("setup auth: %w", err)
		}
	} else {
		logger.Warn("auth.jwtsecret not set, the API is unauthenticated")
	}

	engine, err := embedded.New(embedded.Config{
		DataDir:         cfg.Download.DataDir,
		ListenPort:      cfg.Engine.ListenPort,
		NoUpload:        cfg.Engine.NoUpload,
		NoDHT:           cfg.Engine.NoDHT,
		Seed:            cfg.Engine.Seed,
		Trackers:        cfg.Engine.Trackers,
		MetadataTimeout: cfg.Engine.MetadataTimeout,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("start embedded engine: %w", err)
	}
	defer engine.Close()

	var remote backend.Backend
	if cfg.RemoteEnabled() {
		client, err := qbittorrent.New(qbittorrent.Config{
			BaseURL:  cfg.Remote.URL,
			Username: cfg.Remote.Username,
			Password: cfg.Remote.Password,
			SavePath: cfg.Remote.SavePath,
			Category: cfg.Remote.Category,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("setup qbittorrent: %w", err)
		}
		remote = client
		logger.Infof("qbittorrent configured at %s, embedded engine is the fallback", cfg.Remote.URL)
	}

	orch := orchestrator.New(orchestrator.Config{
		DownloadRoot:   cfg.Download.DataDir,
		SampleInterval: cfg.Download.SampleInterval,
		ReleaseDelay:   cfg.Download.ReleaseDelay,
		Logger:         logger,
	}, newResolver(cfg, logger), engine, remote, opts...)
	defer orch.Shutdown()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	var lister apphttp.ArchiveLister
	if archive != nil {
		lister = archive
	}
	apphttp.NewHandler(orch, history, lister, auth, cfg.Download.DataDir).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("http shutdown: %v", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("bye")
	return err
}

func newResolver(cfg config.Config, logger *logrus.Logger) *resolver.Resolver {
	return resolver.New(resolver.Config{
		APIKey:       cfg.Indexer.APIKey,
		IndexerHosts: cfg.Indexer.Hosts,
		Logger:       logger,
	})
}

func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(cfg.Storage.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("archiving completed downloads to s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client), nil
}
