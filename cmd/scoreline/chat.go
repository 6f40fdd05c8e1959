package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/comigor/scoreline/internal/config"
	"github.com/comigor/scoreline/internal/conversations"
	"github.com/comigor/scoreline/internal/enrich"
	"github.com/comigor/scoreline/internal/identity"
	"github.com/comigor/scoreline/internal/logger"
	"github.com/comigor/scoreline/internal/repl"
	"github.com/comigor/scoreline/internal/session"
	"github.com/comigor/scoreline/internal/stream"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the backend from the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		// stdout belongs to the conversation
		logger.SetOutput(os.Stderr)
		logger.SetLevel(cfg.Log.Level)

		ident, err := identity.NewStatic(cfg.Client.AccessToken)
		if err != nil {
			return fmt.Errorf("access token: %w", err)
		}

		api := cfg.Client.APIURL
		httpClient := &http.Client{Timeout: cfg.Client.RequestTimeout}

		var ctrl *session.Controller
		reader := stream.NewReader(api, stream.WithTokenSource(func(ctx context.Context) string {
			return ctrl.TokenSource(ctx)
		}))
		fetcher := enrich.NewFetcher(enrich.NewScoresProvider(api, httpClient),
			enrich.WithProvider(enrich.TopicNews, enrich.NewNewsProvider(api, httpClient)))

		ctrl = session.NewController(reader,
			session.WithEnricher(fetcher),
			session.WithConversations(conversations.NewClient(api, httpClient), ident),
			session.WithCollaboratorTimeout(cfg.Client.RequestTimeout),
		)
		defer ctrl.Close()

		interrupts := make(chan os.Signal, 1)
		signal.Notify(interrupts, os.Interrupt)
		defer signal.Stop(interrupts)

		opts := []repl.Option{repl.WithInterrupts(interrupts)}
		if cfg.Client.RenderMarkdown {
			opts = append(opts, repl.WithMarkdown(100))
		}
		return repl.New(ctrl, ident, opts...).Run(cmd.Context())
	},
}
