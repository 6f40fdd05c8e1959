package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/client"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/comigor/scoreline/internal/agent"
	"github.com/comigor/scoreline/internal/config"
	"github.com/comigor/scoreline/internal/enrich"
	"github.com/comigor/scoreline/internal/history"
	"github.com/comigor/scoreline/internal/llm"
	"github.com/comigor/scoreline/internal/logger"
	"github.com/comigor/scoreline/internal/news"
	"github.com/comigor/scoreline/internal/server"
	"github.com/comigor/scoreline/internal/sports"
	"github.com/comigor/scoreline/pkg/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		logger.SetLevel(cfg.Log.Level)
		if cfg.Log.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store := history.Open(cfg.History.DBPath)
		defer store.Close()

		scores := sports.NewClient(cfg.Sports.BaseURL,
			sports.WithHTTPClient(&http.Client{Timeout: cfg.Sports.Timeout}),
			sports.WithMaxStaleness(cfg.Sports.MaxStaleness),
		)
		headlines := news.NewClient(cfg.News.FeedURL, cfg.News.Count, &http.Client{Timeout: cfg.News.Timeout})

		mgr := tools.NewToolManager()
		mgr.RegisterTool(tools.NewLiveScoresTool(scores))
		mgr.RegisterTool(tools.NewTrendingNewsTool(headlines))
		mcpServer := mgr.MCPServer("scoreline", version)

		a := agent.New(llm.NewClient(cfg.LLM), cfg.LLM,
			agent.WithContextSource(enrich.NewFetcher(scores, enrich.WithProvider(enrich.TopicNews, headlines))),
		)
		defer a.Close()

		toolClient, err := client.NewInProcessClient(mcpServer)
		if err != nil {
			return fmt.Errorf("create tool client: %w", err)
		}
		if err := toolClient.Start(ctx); err != nil {
			return fmt.Errorf("start tool client: %w", err)
		}
		a.ConnectTools(ctx, toolClient)

		opts := []server.Option{server.WithCORSOrigins(cfg.Server.CORSOrigins...)}
		if cfg.Server.ExposeMCP {
			opts = append(opts, server.WithMCP(mcpserver.NewStreamableHTTPServer(mcpServer)))
		}
		h := server.NewHandler(a, scores, headlines, store, opts...)

		return server.Serve(ctx, net.JoinHostPort(cfg.Server.Host, cfg.Server.Port), h.Router())
	},
}
