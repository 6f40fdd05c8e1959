package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/comigor/scoreline/internal/enrich"
	"github.com/comigor/scoreline/internal/logger"
	"github.com/comigor/scoreline/internal/news"
	"github.com/comigor/scoreline/internal/sports"
)

const defaultSystemPrompt = `You are Scoreline, an AI assistant that is exclusively focused on sports. You are knowledgeable about all major sports worldwide including but not limited to: NFL, NBA, MLB, NHL, soccer/football, tennis, golf, F1, cricket, rugby, MMA/UFC, boxing, Olympics, college sports, and more.

Your capabilities:
- Answer questions about sports history, statistics, records, and trivia
- Discuss current events, trades, free agency, and roster moves
- Analyze games, matchups, and player performances
- Explain rules and strategies for any sport
- Make predictions and discuss odds (with appropriate disclaimers)

Your constraints:
- You ONLY discuss sports-related topics. If a user asks about something unrelated to sports, politely redirect them.
- You do NOT provide medical advice, even for sports injuries.
- You do NOT facilitate gambling; odds and predictions are discussed analytically only.
- Always use the most recent information you have. If someone asks about a past event, answer with the result if you know it; do not say it hasn't happened yet unless today's date is actually before that event.
- When you genuinely don't know something or the event truly hasn't occurred yet, say so.
- Use markdown formatting for readability.

Your personality: knowledgeable, friendly and objective. You respect all sports and all teams equally.`

// ContextSource supplies live data for the user's question.
type ContextSource interface {
	DetectTopics(utterance string) []string
	FetchAll(ctx context.Context, topics []string) []enrich.Result
}

func (a *Agent) systemPrompt(ctx context.Context, question string) string {
	base := defaultSystemPrompt
	if a.cfg.SystemPrompt != "" {
		base = a.cfg.SystemPrompt
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Today's date is %s.\n\n%s", a.now().Format("January 02, 2006"), base)

	if live := a.liveContext(ctx, question); live != "" {
		b.WriteString("\n\n--- LIVE SCORES DATA ---\n")
		b.WriteString("The following are real-time scores fetched just now. ")
		b.WriteString("Use this data to answer the user's question about current games and scores. ")
		b.WriteString("Present the data in a clear, well-formatted way.\n")
		b.WriteString(live)
		b.WriteString("\n--- END LIVE SCORES DATA ---")
	}
	return b.String()
}

func (a *Agent) liveContext(ctx context.Context, question string) string {
	if a.source == nil || question == "" {
		return ""
	}
	topics := a.source.DetectTopics(question)
	if len(topics) == 0 {
		return ""
	}
	results := a.source.FetchAll(ctx, topics)
	logger.L.Debug("live context fetched", "topics", topics, "results", len(results))
	return formatResults(results)
}

func formatResults(results []enrich.Result) string {
	var sections []string
	for _, r := range results {
		var lines []string
		for _, item := range r.Items {
			if line := formatItem(r.Topic, item); line != "" {
				lines = append(lines, "- "+line)
			}
		}
		if len(lines) == 0 {
			continue
		}
		header := strings.ToUpper(r.Topic)
		if r.Topic == enrich.TopicNews {
			header = "TRENDING NEWS"
		}
		sections = append(sections, header+":\n"+strings.Join(lines, "\n"))
	}
	return strings.Join(sections, "\n\n")
}

func formatItem(topic string, item json.RawMessage) string {
	if topic == enrich.TopicNews {
		var a news.Article
		if err := json.Unmarshal(item, &a); err != nil || a.Title == "" {
			return ""
		}
		if a.Summary == "" {
			return a.Title
		}
		return a.Title + ": " + a.Summary
	}

	var g sports.Game
	if err := json.Unmarshal(item, &g); err != nil {
		return ""
	}
	if g.IsCricket {
		return fmt.Sprintf("%s %s vs %s %s (%s)",
			g.HomeTeam, strings.Join(g.HomeInnings, " & "),
			g.AwayTeam, strings.Join(g.AwayInnings, " & "), g.Status)
	}
	return fmt.Sprintf("%s %s @ %s %s (%s)", g.AwayTeam, g.AwayScore, g.HomeTeam, g.HomeScore, g.Status)
}
