package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hgheiberger/nb/internal/repository"
	"github.com/hgheiberger/nb/internal/service"
	"github.com/hgheiberger/nb/pkg/cache"
	"github.com/hgheiberger/nb/pkg/config"
	"github.com/hgheiberger/nb/pkg/database"
	"github.com/hgheiberger/nb/pkg/jobs"
	"github.com/hgheiberger/nb/pkg/logger"
	"github.com/hgheiberger/nb/pkg/mailer"
	"github.com/hgheiberger/nb/pkg/realtime"
	"github.com/hgheiberger/nb/pkg/storage"
)

// @title NB Annotation API
// @version 1.0.0
// @description Classroom document annotation with live, visibility scoped thread updates.
// @BasePath /api
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

const usage = `usage:
  api                      serve the HTTP API
  api migrate up|down      apply or roll back schema migrations
  api token <user-id> [ttl] print a signed access token for local use`

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	args := os.Args[1:]
	if len(args) == 0 || args[0] == "serve" {
		if err := serve(cfg, logr); err != nil {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
		return
	}

	switch args[0] {
	case "migrate":
		if len(args) < 2 {
			log.Fatal(usage)
		}
		if err := runMigrations(context.Background(), cfg, logr, args[1]); err != nil {
			logr.Sugar().Fatalw("migration failed", "error", err)
		}
	case "token":
		if len(args) < 2 {
			log.Fatal(usage)
		}
		ttl := time.Hour
		if len(args) > 2 {
			if ttl, err = time.ParseDuration(args[2]); err != nil {
				log.Fatalf("invalid ttl %q: %v", args[2], err)
			}
		}
		auth := service.NewAuthService(logr, service.AuthConfig{AccessTokenSecret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer})
		token, expiresAt, err := auth.IssueToken(args[1], "", ttl)
		if err != nil {
			log.Fatalf("issue token: %v", err)
		}
		fmt.Println(token)
		fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
	default:
		log.Fatal(usage)
	}
}

func runMigrations(ctx context.Context, cfg *config.Config, logr *zap.Logger, direction string) error {
	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return err
	}
	migrator, err := database.NewMigrator(db, cfg.Database.MigrationsDir, logr)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer migrator.Close() //nolint:errcheck

	switch direction {
	case "up":
		return migrator.Up()
	case "down":
		return migrator.Down()
	default:
		return fmt.Errorf("unknown migration direction %q", direction)
	}
}

// app holds every long lived dependency of the server process.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	db      *sqlx.DB
	redis   *redis.Client
	metrics *service.MetricsService

	hub        *realtime.Hub
	transport  realtime.Transport
	subscriber realtime.Subscriber
	relay      *realtime.RedisTransport

	auth          *service.AuthService
	rosters       *service.RosterService
	annotations   *service.AnnotationService
	notifications *service.NotificationService
	exports       *service.ExportService
}

func serve(cfg *config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logr)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	if a.relay != nil {
		ready := make(chan struct{})
		go func() {
			if err := a.relay.Run(ctx, ready); err != nil && !errors.Is(err, context.Canceled) {
				logr.Error("realtime relay stopped", zap.Error(err))
			}
		}()
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a.notifications.Start(ctx)
	defer a.notifications.Stop()

	go a.sweepExports(ctx, time.Hour)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "realtime", cfg.Realtime.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newApp(ctx context.Context, cfg *config.Config, logr *zap.Logger) (*app, error) {
	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logr, db: db, metrics: service.NewMetricsService()}

	needsRedis := cfg.Realtime.Backend == config.RealtimeRedis || cfg.Cache.RosterTTL > 0
	if needsRedis {
		client, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			if cfg.Realtime.Backend == config.RealtimeRedis {
				_ = db.Close()
				return nil, fmt.Errorf("connect redis: %w", err)
			}
			logr.Warn("redis unavailable, roster cache disabled", zap.Error(err))
		} else {
			a.redis = client
		}
	}

	a.hub = realtime.NewHub(realtime.HubConfig{
		Buffer: cfg.Realtime.SubscriberBuffer,
		Logger: logr.Named("realtime"),
		OnDrop: func(string) { a.metrics.RecordRealtimeDrop() },
	})
	a.transport, a.subscriber = a.hub, a.hub
	if cfg.Realtime.Backend == config.RealtimeRedis {
		a.relay = realtime.NewRedisTransport(a.redis, a.hub, realtime.RedisTransportConfig{
			Prefix: cfg.Realtime.ChannelPrefix,
			Lease:  cfg.Realtime.RoomLease,
			Logger: logr.Named("realtime"),
		})
		a.transport, a.subscriber = a.relay, a.relay
	}

	validate := validator.New()
	users := repository.NewUserRepository(db)

	var rosterCache service.RosterCache
	if a.redis != nil {
		rosterCache = repository.NewCacheRepository(a.redis, cfg.Cache.Prefix)
	}
	a.rosters = service.NewRosterService(repository.NewRosterRepository(db), users, rosterCache, cfg.Cache.RosterTTL, a.metrics, logr.Named("roster"))

	var sender mailer.Sender = mailer.NewLogSender(logr.Named("mail"))
	if cfg.Mail.SendGridAPIKey != "" {
		sender = mailer.NewSendGrid(cfg.Mail.SendGridAPIKey, cfg.Mail.SendGridHost, cfg.Mail.FromName, cfg.Mail.FromAddress)
	}
	a.notifications = service.NewNotificationService(sender, service.NotificationConfig{
		Enabled: cfg.Notifications.Enabled,
		Queue: jobs.QueueConfig{
			Workers:    cfg.Notifications.Workers,
			BufferSize: cfg.Notifications.BufferSize,
			MaxRetries: cfg.Notifications.MaxRetries,
			RetryDelay: cfg.Notifications.RetryDelay,
		},
	}, a.metrics, logr.Named("notify"))

	annotationRepo := repository.NewAnnotationRepository(db)
	router := service.NewBroadcastRouter(a.transport, a.metrics, logr.Named("broadcast"))
	a.annotations = service.NewAnnotationService(annotationRepo, a.rosters, nil, router, a.notifications, validate, logr.Named("annotations"))

	archive, err := storage.NewArchive(cfg.Export.Dir)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open export archive: %w", err)
	}
	signer := storage.NewLinkSigner(cfg.Export.SigningSecret, cfg.Export.LinkTTL)
	a.exports = service.NewExportService(annotationRepo, a.rosters, archive, signer, service.ExportConfig{
		APIPrefix: cfg.PublicBaseURL + cfg.APIPrefix,
		RetainFor: cfg.Export.RetainFor,
	}, validate, logr.Named("export"))

	a.auth = service.NewAuthService(logr.Named("auth"), service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		Issuer:            cfg.JWT.Issuer,
		Leeway:            30 * time.Second,
	})
	return a, nil
}

func (a *app) sweepExports(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.exports.Sweep(); err != nil {
				a.logger.Warn("export sweep failed", zap.Error(err))
			}
		}
	}
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
