// Package server is the chat backend: the streaming chat endpoint, the
// scoreboard and headline proxies, conversation history and the MCP tools.
package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/comigor/scoreline/internal/history"
	"github.com/comigor/scoreline/internal/logger"
	"github.com/comigor/scoreline/internal/news"
	"github.com/comigor/scoreline/internal/sports"
	"github.com/comigor/scoreline/internal/stream"
)

// Replier streams the assistant reply for a transcript. emit returns false
// once the caller is gone.
type Replier interface {
	Stream(ctx context.Context, history []stream.Turn, emit func(string) bool) error
}

// ScoresSource serves scoreboards.
type ScoresSource interface {
	Scores(ctx context.Context, sport string) (*sports.Scoreboard, error)
}

// NewsSource serves headlines.
type NewsSource interface {
	Trending(ctx context.Context) ([]news.Article, error)
}

// Handler holds the dependencies of the HTTP routes.
type Handler struct {
	replier     Replier
	scores      ScoresSource
	news        NewsSource
	history     *history.Store
	mcp         http.Handler
	corsOrigins []string
}

// Option configures a Handler.
type Option func(*Handler)

// WithMCP mounts an MCP transport at /mcp.
func WithMCP(h http.Handler) Option {
	return func(hd *Handler) { hd.mcp = h }
}

// WithCORSOrigins allows browser clients from origins.
func WithCORSOrigins(origins ...string) Option {
	return func(hd *Handler) { hd.corsOrigins = origins }
}

// NewHandler creates a Handler.
func NewHandler(replier Replier, scores ScoresSource, newsSource NewsSource, store *history.Store, opts ...Option) *Handler {
	h := &Handler{replier: replier, scores: scores, news: newsSource, history: store}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(requestLog(), recovery(), h.cors())
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes wires the handler endpoints.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/health", h.health)
	api.POST("/chat", optionalUser(), h.chat)
	api.GET("/scores", h.getScores)
	api.GET("/news", h.getNews)

	conv := api.Group("/conversations", requireUser())
	conv.GET("", h.listConversations)
	conv.POST("", h.createConversation)
	conv.DELETE("/:id", h.deleteConversation)
	conv.GET("/:id/messages", h.listMessages)

	if h.mcp != nil {
		router.Any("/mcp", gin.WrapH(h.mcp))
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) getScores(c *gin.Context) {
	sport := c.DefaultQuery("sport", "nfl")
	board, err := h.scores.Scores(c.Request.Context(), sport)
	if err != nil {
		// The scoreboard widget renders the error body instead of failing.
		if errors.Is(err, sports.ErrUnsupportedSport) {
			c.JSON(http.StatusOK, gin.H{"error": "Unsupported sport: " + sport, "supported": sports.Supported()})
			return
		}
		logger.L.Error("scoreboard fetch failed", "sport", sport, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch scores"})
		return
	}
	c.JSON(http.StatusOK, board)
}

func (h *Handler) getNews(c *gin.Context) {
	articles, err := h.news.Trending(c.Request.Context())
	if err != nil {
		logger.L.Error("news fetch failed", "error", err)
		articles = []news.Article{}
	}
	c.JSON(http.StatusOK, gin.H{"articles": articles})
}

func (h *Handler) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && slices.Contains(h.corsOrigins, origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.L.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// recovery is gin.Recovery except that http.ErrAbortHandler propagates, so
// net/http drops the connection and the client sees a broken stream. Any
// other panic after the response started is turned into an abort too.
func recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if r == http.ErrAbortHandler {
				panic(r)
			}
			logger.L.Error("panic in handler", "panic", r, "path", c.Request.URL.Path)
			if !c.Writer.Written() {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
			panic(http.ErrAbortHandler)
		}()
		c.Next()
	}
}

// Serve runs the router on addr until ctx is done, then shuts down.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.L.Info("shutting down server")
	return srv.Shutdown(shutdownCtx)
}
