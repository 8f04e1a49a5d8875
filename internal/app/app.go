package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fleetops/fleetguard/internal/config"
	"github.com/fleetops/fleetguard/internal/delivery"
	"github.com/fleetops/fleetguard/internal/domain"
	"github.com/fleetops/fleetguard/internal/http/handler"
	"github.com/fleetops/fleetguard/internal/http/router"
	"github.com/fleetops/fleetguard/internal/observability"
	"github.com/fleetops/fleetguard/internal/repository"
	"github.com/fleetops/fleetguard/internal/security"
	"github.com/fleetops/fleetguard/internal/service"
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Observability *observability.Runtime

	db    *gorm.DB
	redis *redis.Client
}

// New wires the full dependency graph: stores, services, handlers, router.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, runtime *observability.Runtime) (*App, error) {
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&domain.User{}, &domain.Role{}, &domain.Permission{},
		&domain.OTPCode{}, &domain.BackupCode{}, &domain.RememberToken{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})

	users := repository.NewUserRepository(db)
	roles := repository.NewRoleRepository(db)
	permissions := repository.NewPermissionRepository(db)
	otpCodes := repository.NewOTPCodeRepository(db)
	backupCodes := repository.NewBackupCodeRepository(db)
	rememberTokens := repository.NewRememberTokenRepository(db)

	sessionStore := service.NewRedisSessionStore(redisClient, "")
	csrfStore := service.NewRedisCSRFStore(redisClient, "")
	attemptStore := service.NewRedisAttemptStore(redisClient, "")
	permissionCache := service.NewRedisPermissionCacheStore(redisClient, "")

	sessions := service.NewSessionManager(sessionStore, csrfStore, rememberTokens,
		cfg.SessionTimeout, cfg.SessionRotationInterval, cfg.RememberTokenTTL)
	csrfGuard := service.NewCSRFGuard(csrfStore, cfg.CSRFTokenLifetime, cfg.CSRFTokenCap)
	limiter := service.NewRateLimiter(attemptStore, cfg.IdentifierPepper,
		service.LimitPolicy{MaxAttempts: int64(cfg.LoginIPMaxAttempts), Window: cfg.LoginIPWindow, BlockFor: cfg.LoginIPBlock},
		service.LimitPolicy{MaxAttempts: int64(cfg.LoginEmailMaxAttempts), Window: cfg.LoginEmailWindow, BlockFor: cfg.LoginEmailBlock})
	resolver := service.NewPermissionResolver(users, permissionCache, cfg.PermissionCacheTTL)

	sender, err := newCodeSender(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	otp := service.NewOTPService(users, otpCodes, backupCodes, sender, cfg.OTPCodeTTL)
	challenges := security.NewChallengeManager(cfg.OTELServiceName, cfg.ChallengeSecret, cfg.ChallengeTTL)
	auth := service.NewAuthService(users, limiter, sessions, otp, challenges)

	deps := router.Dependencies{
		AuthHandler:      handler.NewAuthHandler(auth, sessions, csrfGuard, users, cfg.SessionCookieSecure, cfg.RememberTokenTTL),
		TwoFactorHandler: handler.NewTwoFactorHandler(otp, users),
		AdminHandler:     handler.NewAdminHandler(roles, permissions, users, resolver),

		SessionManager:     sessions,
		CSRFGuard:          csrfGuard,
		PermissionResolver: resolver,
		APILimiter:         limiter,

		SecureCookies: cfg.SessionCookieSecure,
		RememberTTL:   cfg.RememberTokenTTL,

		APIMaxRequests: 300,
		APIWindow:      time.Minute,
		APIBlock:       time.Minute,

		ReadinessChecks: map[string]func(context.Context) error{
			"postgres": func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
		EnableOTelHTTP: cfg.OTELTracingEnabled,
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		Config:        cfg,
		Logger:        logger,
		Server:        server,
		Observability: runtime,
		db:            db,
		redis:         redisClient,
	}, nil
}

// Run serves until the context is canceled, then drains within the shutdown
// timeout.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("http server listening", "addr", a.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
		defer cancel()
		a.Logger.Info("shutting down")
		return a.Server.Shutdown(shutdownCtx)
	})

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
	defer cancel()
	if cerr := a.Close(closeCtx); cerr != nil {
		a.Logger.Error("cleanup failed", "error", cerr)
	}
	return err
}

func (a *App) Close(ctx context.Context) error {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			return err
		}
	}
	if a.db != nil {
		sqlDB, err := a.db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	}
	return a.Observability.Shutdown(ctx)
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{}
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(cfg.DatabaseURL, "sqlite:"):
		dialector = sqlite.Open(strings.TrimPrefix(cfg.DatabaseURL, "sqlite:"))
	case cfg.DatabaseURL == "" && cfg.Profile == "dev":
		dialector = sqlite.Open("file:fleetguard_dev?mode=memory&cache=shared")
	default:
		dialector = postgres.Open(cfg.DatabaseURL)
	}
	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func newCodeSender(ctx context.Context, cfg *config.Config, logger *slog.Logger) (delivery.CodeSender, error) {
	if cfg.Profile == "dev" {
		logger.Warn("using noop code sender; codes are not delivered")
		return delivery.NoopSender{}, nil
	}
	switch cfg.OTPDeliveryChannel {
	case "sms":
		return delivery.NewSNSCodeSender(ctx, cfg.AWSRegion)
	default:
		return delivery.NewSESCodeSender(ctx, cfg.AWSRegion, cfg.EmailSender)
	}
}
