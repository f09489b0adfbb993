// Package app wires configuration, storage and services into a runnable application.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/config"
	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/handlers"
	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/middleware"
	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/models"
	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/services"
	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/pkg/line"
)

// App holds every long lived service.
type App struct {
	Config *config.Config
	DB     *gorm.DB
	Logger *logrus.Logger

	Candidates  *services.CandidateService
	Policies    *services.PolicyService
	Automation  *services.AutomationService
	Outbox      *services.OutboxService
	Tickets     *services.TicketService
	Approvals   *services.ApprovalService
	Timeline    *services.TimelineService
	Idempotency *services.IdempotencyService
	Maintenance *services.MaintenanceService

	// Breaker is nil unless LINE delivery runs behind a circuit breaker.
	Breaker *services.CircuitBreaker
}

// DSN returns the configured DSN, or builds one from the discrete fields.
func DSN(dc config.DatabaseConfig) string {
	if dc.DSN != "" {
		return dc.DSN
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		dc.Host, dc.User, dc.Password, dc.Name, dc.Port, dc.SSLMode)
}

// OpenDatabase connects to Postgres and applies the pool settings.
func OpenDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(DSN(cfg.Database)), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("gorm tracing: %w", err)
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	return db, nil
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(models.All()...)
}

// New builds the services on db. A nil sender selects one from cfg.LINE.
func New(cfg *config.Config, db *gorm.DB, sender services.MessageSender, log *logrus.Logger) *App {
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &App{Config: cfg, DB: db, Logger: log}

	if sender == nil {
		sender, a.Breaker = newSender(cfg.LINE, log)
	}

	a.Candidates = services.NewCandidateService(db, log)
	a.Policies = services.NewPolicyService(db, log)
	a.Automation = services.NewAutomationService(a.Candidates, a.Policies,
		cfg.Automation.MinOverdueDays, cfg.Automation.NoReplyThresholdDays, log)
	a.Outbox = services.NewOutboxService(db, sender, log)
	a.Outbox.SetLockExpiration(cfg.Outbox.LockExpiration)
	a.Tickets = services.NewTicketService(db, a.Outbox, log)
	a.Approvals = services.NewApprovalService(db, services.NewExecutor(a.Outbox, a.Tickets, log), log)
	a.Timeline = services.NewTimelineService(a.Approvals)
	a.Idempotency = services.NewIdempotencyService(db, cfg.Idempotency.TTL, log)
	a.Idempotency.SetLockTimeout(cfg.Idempotency.LockTimeout)
	a.Maintenance = services.NewMaintenanceService(a.Outbox, a.Idempotency, cfg.Outbox.Retention, log)
	return a
}

func newSender(lc config.LINEConfig, log *logrus.Logger) (services.MessageSender, *services.CircuitBreaker) {
	if !lc.Enabled {
		log.Info("LINE delivery disabled, outbox messages will only be logged")
		return services.NewLogSender(log), nil
	}
	client := line.NewClient(&line.Config{
		BaseURL:            lc.BaseURL,
		ChannelAccessToken: lc.ChannelAccessToken,
		Timeout:            lc.Timeout,
	}, log)
	var sender services.MessageSender = services.NewLineSender(client)
	if !lc.CircuitBreaker.Enabled {
		return sender, nil
	}
	breaker := services.NewCircuitBreakerWithConfig(&services.CircuitBreakerConfig{
		MaxFailures:     lc.CircuitBreaker.MaxFailures,
		ResetTimeout:    lc.CircuitBreaker.ResetTimeout,
		HalfOpenMaxReqs: lc.CircuitBreaker.HalfOpenMaxReqs,
	})
	return services.NewBreakerSender(sender, breaker), breaker
}

// Router builds the HTTP API.
func (a *App) Router() *gin.Engine {
	cfg := a.Config
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(a.Logger))
	router.Use(middleware.CORSMiddleware(cfg))
	router.Use(middleware.RateLimitMiddlewareFromConfig(cfg, nil))
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	health := handlers.NewHealthHandler(a.DB, a.Breaker, a.Logger)
	router.GET("/health", health.Health)
	router.GET("/ready", health.Ready)
	if cfg.Monitoring.Enabled {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, health.Metrics)
	}

	idem := middleware.Idempotency(a.Idempotency, cfg.Idempotency.HeaderName)
	api := router.Group("/api", middleware.AuthMiddleware(cfg))

	automation := api.Group("", middleware.RequireResourcePermission("automation"))
	handlers.RegisterAutomationRoutes(automation,
		handlers.NewAutomationHandler(a.Automation, a.Policies, a.Approvals, a.Timeline),
		middleware.RequireRolesAny("admin"), idem)

	tickets := api.Group("", middleware.RequireResourcePermission("tickets"))
	handlers.RegisterTicketRoutes(tickets, handlers.NewTicketHandler(a.Tickets), idem)

	outbox := api.Group("", middleware.RequireResourcePermission("outbox"))
	handlers.RegisterOutboxRoutes(outbox, handlers.NewOutboxHandler(a.Outbox, cfg.Outbox.BatchSize), idem)

	return router
}

// StartWorkers runs the outbox worker and the retention purge until ctx is done.
func (a *App) StartWorkers(ctx context.Context) {
	if a.Config.Outbox.WorkerEnabled {
		go a.Outbox.Run(ctx, a.Config.Outbox.PollInterval, a.Config.Outbox.BatchSize)
	}
	go a.Maintenance.Run(ctx, a.Config.Outbox.PurgeInterval)
}
