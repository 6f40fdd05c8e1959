package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/comigor/scoreline/internal/news"
	"github.com/comigor/scoreline/internal/sports"
)

// ScoresSource returns the scoreboard of a sport.
type ScoresSource interface {
	Scores(ctx context.Context, sport string) (*sports.Scoreboard, error)
}

// LiveScoresTool reads live and recent scores.
type LiveScoresTool struct {
	source ScoresSource
}

// NewLiveScoresTool creates a LiveScoresTool
func NewLiveScoresTool(source ScoresSource) *LiveScoresTool {
	return &LiveScoresTool{source: source}
}

// Name returns the name of the tool
func (t *LiveScoresTool) Name() string { return "live_scores" }

// Description returns the description of the tool
func (t *LiveScoresTool) Description() string {
	return "Returns live and recent (last 7 days) games with scores for a sport, from ESPN."
}

func (t *LiveScoresTool) Params() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("sport",
			mcp.Description("Sport key, e.g. nfl, nba or cricket."),
			mcp.Enum(sports.Supported()...),
		),
	}
}

// Run runs the tool
func (t *LiveScoresTool) Run(ctx context.Context, args map[string]any) (string, error) {
	sport, _ := args["sport"].(string)
	if strings.TrimSpace(sport) == "" {
		sport = "nfl"
	}
	board, err := t.source.Scores(ctx, sport)
	if err != nil {
		return "", fmt.Errorf("%w (supported: %s)", err, strings.Join(sports.Supported(), ", "))
	}
	b, err := json.Marshal(board)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// NewsSource returns trending headlines.
type NewsSource interface {
	Trending(ctx context.Context) ([]news.Article, error)
}

// TrendingNewsTool reads the current sports headlines.
type TrendingNewsTool struct {
	source NewsSource
}

// NewTrendingNewsTool creates a TrendingNewsTool
func NewTrendingNewsTool(source NewsSource) *TrendingNewsTool {
	return &TrendingNewsTool{source: source}
}

func (t *TrendingNewsTool) Name() string { return "trending_news" }

func (t *TrendingNewsTool) Description() string {
	return "Returns the current trending sports headlines with a short summary and link."
}

func (t *TrendingNewsTool) Params() []mcp.ToolOption { return nil }

func (t *TrendingNewsTool) Run(ctx context.Context, _ map[string]any) (string, error) {
	articles, err := t.source.Trending(ctx)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(map[string]any{"articles": articles})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
