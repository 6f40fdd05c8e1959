package repl

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/comigor/scoreline/internal/enrich"
	"github.com/comigor/scoreline/internal/news"
	"github.com/comigor/scoreline/internal/sports"
)

func newRenderer(width int) (*glamour.TermRenderer, error) {
	return glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
}

// enrichmentMarkdown renders fetched scoreboards and headlines as markdown
// sections, one per topic. Topics without items are left out.
func enrichmentMarkdown(results []enrich.Result) string {
	var b strings.Builder
	for _, r := range results {
		var lines []string
		for _, item := range r.Items {
			if line := itemMarkdown(r.Topic, item); line != "" {
				lines = append(lines, "- "+line)
			}
		}
		if len(lines) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		title := strings.ToUpper(r.Topic) + " scores"
		if r.Topic == enrich.TopicNews {
			title = "Trending"
		}
		fmt.Fprintf(&b, "### %s\n\n%s\n", title, strings.Join(lines, "\n"))
	}
	return b.String()
}

func itemMarkdown(topic string, item json.RawMessage) string {
	if topic == enrich.TopicNews {
		var a news.Article
		if err := json.Unmarshal(item, &a); err != nil || a.Title == "" {
			return ""
		}
		if a.Link == "" {
			return a.Title
		}
		return fmt.Sprintf("[%s](%s)", a.Title, a.Link)
	}

	var g sports.Game
	if err := json.Unmarshal(item, &g); err != nil || g.HomeTeam == "" {
		return ""
	}
	if g.IsCricket {
		return fmt.Sprintf("%s **%s** vs %s **%s** _%s_",
			g.HomeTeam, strings.Join(g.HomeInnings, " & "),
			g.AwayTeam, strings.Join(g.AwayInnings, " & "), g.Status)
	}
	return fmt.Sprintf("%s **%s** @ %s **%s** _%s_", g.AwayTeam, g.AwayScore, g.HomeTeam, g.HomeScore, g.Status)
}
