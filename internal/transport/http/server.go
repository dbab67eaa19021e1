package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-inbox/internal/auth"
	"github.com/vovakirdan/wirechat-inbox/internal/config"
	"github.com/vovakirdan/wirechat-inbox/internal/core"
	"github.com/vovakirdan/wirechat-inbox/internal/metrics"
	"github.com/vovakirdan/wirechat-inbox/internal/service/messaging"
	"github.com/vovakirdan/wirechat-inbox/internal/store"
)

// Deps are the collaborators the HTTP layer serves.
type Deps struct {
	Hub       *core.Hub
	Messaging *messaging.Service
	Auth      *auth.Service
	Users     store.UserStore
}

// NewServer builds the HTTP server with the REST, websocket, and ops routes.
func NewServer(deps Deps, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(deps, cfg, logger),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// NewRouter builds the gin engine.
func NewRouter(deps Deps, cfg *config.Config, logger *zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	router.GET("/health", healthHandler)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws", gin.WrapH(NewWSHandler(deps.Hub, deps.Messaging, deps.Auth, cfg.WSRateLimit, cfg.WSRateBurst, logger)))

	apiHandlers := NewAPIHandlers(deps.Auth, logger)
	userHandlers := NewUserHandlers(deps.Users, logger)
	threadHandlers := NewThreadHandlers(deps.Messaging, logger)
	requireAuth := AuthMiddleware(deps.Auth, logger)

	api := router.Group("/api")
	api.POST("/register", apiHandlers.Register)
	api.POST("/login", apiHandlers.Login)
	api.GET("/me", requireAuth, userHandlers.Me)
	api.GET("/users/search", requireAuth, userHandlers.SearchUsers)

	threads := router.Group("/messages/threads", requireAuth)
	threads.GET("", threadHandlers.ListThreads)
	threads.POST("", threadHandlers.CreateThread)
	threads.GET("/:id", threadHandlers.GetThread)
	threads.GET("/:id/messages", threadHandlers.ListMessages)
	threads.POST("/:id/messages", threadHandlers.SendMessage)
	threads.POST("/:id/read", threadHandlers.MarkRead)
	threads.GET("/:id/typing", threadHandlers.Typing)
	threads.POST("/:id/typing", threadHandlers.SetTyping)
	threads.POST("/:id/archive", threadHandlers.ArchiveThread)

	return router
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
