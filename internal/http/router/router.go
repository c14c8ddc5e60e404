package router

import (
	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/escrow-flow/internal/config"
	"github.com/ignatzorin/escrow-flow/internal/http/handlers"
	"github.com/ignatzorin/escrow-flow/internal/http/middleware"
)

// Handlers собирает обработчики, которые регистрирует SetupRouter.
type Handlers struct {
	Task        *handlers.TaskHandler
	Subunit     *handlers.SubunitHandler
	Dispute     *handlers.DisputeHandler
	Maintenance *handlers.MaintenanceHandler
	Health      *handlers.HealthHandler
	WS          *handlers.WSHandler
}

func SetupRouter(cfg *config.Config, h Handlers, tokens middleware.TokenParser) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	r.GET("/health", h.Health.Health)

	auth := middleware.AuthMiddleware(tokens)
	r.GET("/ws", auth, h.WS.Handle)

	api := r.Group("/api")
	api.Use(auth)

	// Изменяющие запросы ограничиваются по пользователю.
	limited := middleware.RateLimitMiddleware(cfg.RateLimitLimit, cfg.RateLimitPeriod)
	id := middleware.UUIDValidator("id")

	tasks := api.Group("/tasks")
	{
		tasks.GET("", h.Task.List)
		tasks.POST("", limited, h.Task.Create)
		tasks.GET("/:id", id, h.Task.Get)
		tasks.POST("/:id/fund", id, limited, h.Task.Fund)
		tasks.POST("/:id/decompose", id, limited, h.Task.Decompose)
		tasks.POST("/:id/cancel", id, limited, h.Task.Cancel)
		tasks.GET("/:id/subunits", id, h.Task.ListSubunits)
		tasks.GET("/:id/events", id, h.Task.ListEvents)
	}

	subunits := api.Group("/subunits")
	{
		subunits.GET("", h.Subunit.List)
		subunits.GET("/:id", id, h.Subunit.Get)
		subunits.POST("/:id/claim", id, limited, h.Subunit.Claim)
		subunits.POST("/:id/unclaim", id, limited, h.Subunit.Unclaim)
		subunits.POST("/:id/submit", id, limited, h.Subunit.Submit)
		subunits.GET("/:id/submissions", id, h.Subunit.ListSubmissions)
		subunits.POST("/:id/review", id, limited, h.Subunit.Review)
		subunits.POST("/:id/dispute", id, limited, h.Subunit.RaiseDispute)
		subunits.GET("/:id/dispute", id, h.Subunit.GetDispute)
	}

	admin := api.Group("/admin")
	{
		admin.GET("/disputes", h.Dispute.List)
		admin.GET("/disputes/:id", id, h.Dispute.Get)
		admin.POST("/disputes/:id/resolve", id, h.Dispute.Resolve)
		admin.POST("/leases/sweep", h.Maintenance.SweepLeases)
		admin.POST("/ledger/reconcile", h.Maintenance.ReconcileLedger)
	}

	return r
}
