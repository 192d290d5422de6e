package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"lockstep/api/internal/config"
	"lockstep/api/internal/events"
	"lockstep/api/internal/middleware"
	"lockstep/api/internal/models"
	"lockstep/api/internal/repository"
	"lockstep/api/internal/service"
)

type HandlerSet struct {
	log      zerolog.Logger
	cfg      *config.AppConfig
	auth     *service.AuthService
	tokens   *service.TokenAuthority
	registry *service.SessionRegistry
	trust    *service.DeviceTrustEvaluator
	db       *pgxpool.Pool
	cache    *redis.Client
	users    *repository.UserRepository
	devices  *repository.DeviceRepository
	sessions *repository.SessionRepository
	secEvents *repository.EventRepository
}

func NewHandlerSet(log zerolog.Logger, db *pgxpool.Pool, cache *redis.Client, bus *events.Bus, cfg *config.AppConfig) HandlerSet {
	userRepo := repository.NewUserRepository(db)
	deviceRepo := repository.NewDeviceRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	eventRepo := repository.NewEventRepository(db)
	refreshStore := repository.NewRefreshStore(cache)

	recorder := service.NewSecurityRecorder(eventRepo, bus, log)
	registry := service.NewSessionRegistry(cfg, sessionRepo, refreshStore, bus, recorder, log)
	tokens := service.NewTokenAuthority(cfg, refreshStore, userRepo, registry, recorder, bus, log)
	trust := service.NewDeviceTrustEvaluator(cfg, deviceRepo, recorder, log)
	creds := service.NewLocalCredentialStore(userRepo)
	auth := service.NewAuthService(cfg, creds, userRepo, trust, registry, tokens, recorder, cache, log)

	return HandlerSet{
		log:       log,
		cfg:       cfg,
		auth:      auth,
		tokens:    tokens,
		registry:  registry,
		trust:     trust,
		db:        db,
		cache:     cache,
		users:     userRepo,
		devices:   deviceRepo,
		sessions:  sessionRepo,
		secEvents: eventRepo,
	}
}

// Registry exposes the session registry for the sweep job.
func (h HandlerSet) Registry() *service.SessionRegistry { return h.registry }

// SecurityEvents exposes the audit log for the archival job.
func (h HandlerSet) SecurityEvents() *repository.EventRepository { return h.secEvents }

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")
	{
		auth := v1.Group("/auth")
		auth.POST("/register", h.RegisterUser)
		auth.POST("/login", h.Login)
		auth.POST("/refresh", middleware.CSRF(), h.Refresh)

		protected := v1.Group("/auth")
		protected.Use(
			middleware.Auth(h.tokens, h.users),
			middleware.CSRF(),
		)
		protected.POST("/logout", h.Logout)
		protected.POST("/logout-others", h.LogoutOthers)
		protected.POST("/logout-all", h.LogoutAll)
		protected.POST("/heartbeat", h.Heartbeat)
		protected.GET("/me", h.Me)
		protected.GET("/sessions", h.ListSessions)
		protected.DELETE("/sessions/:sessionId", h.RevokeSession)
		protected.GET("/devices", h.ListDevices)

		admin := v1.Group("/admin")
		admin.Use(
			middleware.Auth(h.tokens, h.users),
			middleware.CSRF(),
			middleware.RequireRoles(models.UserRoleAdmin, models.UserRoleSuperAdmin),
		)
		admin.GET("/security-events", h.AdminListSecurityEvents)
	}
}
