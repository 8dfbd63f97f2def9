package server

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/ksred/syndicate-api/internal/auth"
	"github.com/ksred/syndicate-api/internal/compliance"
	"github.com/ksred/syndicate-api/internal/config"
	"github.com/ksred/syndicate-api/internal/database"
	"github.com/ksred/syndicate-api/internal/ledger"
	"github.com/ksred/syndicate-api/internal/seed"
	"github.com/ksred/syndicate-api/internal/workflow"
	"github.com/ksred/syndicate-api/pkg/middleware"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Ledger is the selected ledger backend
type Ledger interface {
	ledger.Gateway
	ledger.Admin
}

// App holds the wired services of the API
type App struct {
	Config      *config.Config
	DB          *gorm.DB
	Ledger      Ledger
	Auth        *auth.Service
	Workflow    *workflow.Service
	Processor   *workflow.Processor
	RateLimiter *middleware.RateLimiter
	Router      *gin.Engine
}

// New opens the database, selects the ledger backend and wires every
// service and route
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	var backend Ledger
	switch cfg.LedgerBackend {
	case config.LedgerSQL:
		backend = ledger.NewSQL(db, cfg.SimulatedIssuer)
	default:
		backend = ledger.NewSimulator(ledger.NewState(), cfg.SimulatedIssuer)
	}

	validator := compliance.NewValidator(backend, compliance.Rules{
		RequiredTopics:   cfg.RequiredClaimTopics,
		TrustedIssuers:   cfg.TrustedIssuers,
		BlockedCountries: cfg.BlockedCountries,
	})

	store := workflow.NewDatabase(db)
	workflowService := workflow.NewService(store, validator, backend)
	authService := auth.NewService(cfg.JWTSecret)

	if cfg.SeedDemo {
		if err := seed.Credentials(authService); err != nil {
			return nil, err
		}
		if err := seed.Participants(ctx, store, backend); err != nil {
			return nil, fmt.Errorf("failed to seed demo data: %w", err)
		}
		log.Info().
			Str("token", seed.DemoToken).
			Str("ledger", cfg.LedgerBackend).
			Msg("demo participants seeded")
	}

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	app := &App{
		Config:      cfg,
		DB:          db,
		Ledger:      backend,
		Auth:        authService,
		Workflow:    workflowService,
		Processor:   workflow.NewProcessor(workflowService, cfg.TradeTTL, cfg.ExpiryInterval),
		RateLimiter: middleware.NewRateLimiter(middleware.Limits{
			Auth:     cfg.RateLimitAuth,
			Workflow: cfg.RateLimitWorkflow,
			Query:    cfg.RateLimitQuery,
			Burst:    cfg.RateLimitBurst,
		}),
	}
	app.Router = app.routes()

	return app, nil
}

// Start runs the background workers until ctx is cancelled
func (a *App) Start(ctx context.Context) {
	go a.Processor.Start(ctx)
	go a.RateLimiter.Run(ctx)
}

// routes configures all API endpoints and their handlers
// - Auth routes: exchange API credentials for an actor token
// - Trade routes: the maker/checker/agent workflow and its read views
// - Compliance, balance and participant routes: read only
func (a *App) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if !a.Config.Production() {
		router.Use(gin.Logger())
	}

	authHandlers := auth.NewGinHandlers(a.Auth)
	workflowHandlers := workflow.NewGinHandlers(a.Workflow)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.DeclaredActor(a.Auth), a.RateLimiter.Handler())
	{
		// Auth routes
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Trade routes
		trades := v1.Group("/trades")
		{
			trades.POST("/propose", workflowHandlers.ProposeHandler())
			trades.POST("/approve", workflowHandlers.ApproveHandler())
			trades.POST("/reject", workflowHandlers.RejectHandler())
			trades.POST("/execute", workflowHandlers.ExecuteHandler())
			trades.GET("", workflowHandlers.ListTradesHandler())
			trades.GET("/:trade_id", workflowHandlers.GetTradeHandler())
		}

		v1.POST("/compliance/validate", workflowHandlers.ValidateHandler())
		v1.GET("/balances", workflowHandlers.BalancesHandler())
		v1.GET("/participants", workflowHandlers.ListParticipantsHandler())
	}

	return router
}
