// Package enrich decides which auxiliary data a chat turn deserves and fetches
// it alongside the streamed reply.
package enrich

import "strings"

// Topic identifiers. Sport topics double as scoreboard keys.
const (
	TopicNFL     = "nfl"
	TopicNBA     = "nba"
	TopicMLB     = "mlb"
	TopicNHL     = "nhl"
	TopicSoccer  = "soccer"
	TopicNCAAF   = "ncaaf"
	TopicNCAAB   = "ncaab"
	TopicCricket = "cricket"
	TopicNews    = "news"
)

// TopicRule matches one topic when any keyword occurs in the utterance.
type TopicRule struct {
	Topic    string
	Keywords []string
}

// Table is the static keyword configuration used by DetectTopics. Keywords
// are matched case-insensitively as substrings.
type Table struct {
	// Triggers gate enrichment; an utterance matching none of them gets no
	// topics at all.
	Triggers []string
	Topics   []TopicRule
}

// DefaultTable is the production keyword table.
var DefaultTable = Table{
	Triggers: []string{
		"score", "who won", "who is winning", "who's winning", "live", "result",
		"standings", "tonight", "today", "game", "match", "final", "headline",
		"news", "trending",
	},
	Topics: []TopicRule{
		{Topic: TopicNFL, Keywords: []string{"nfl", "super bowl", "touchdown", "quarterback", "chiefs", "eagles", "patriots", "cowboys"}},
		{Topic: TopicNBA, Keywords: []string{"nba", "basketball", "lakers", "celtics", "warriors", "lebron", "curry"}},
		{Topic: TopicMLB, Keywords: []string{"mlb", "baseball", "world series", "yankees", "dodgers", "home run"}},
		{Topic: TopicNHL, Keywords: []string{"nhl", "hockey", "stanley cup"}},
		{Topic: TopicSoccer, Keywords: []string{"soccer", "premier league", "epl", "arsenal", "liverpool", "man city", "manchester", "chelsea"}},
		{Topic: TopicNCAAF, Keywords: []string{"ncaaf", "college football", "cfp"}},
		{Topic: TopicNCAAB, Keywords: []string{"ncaab", "college basketball", "march madness"}},
		{Topic: TopicCricket, Keywords: []string{"cricket", "ipl", "test match", "wicket", "the ashes"}},
		{Topic: TopicNews, Keywords: []string{"news", "headline", "trending"}},
	},
}

// DetectTopics returns the topics the utterance asks about, in table order.
// The result is nil when no trigger phrase matches.
func (t Table) DetectTopics(utterance string) []string {
	text := strings.ToLower(utterance)
	if !containsAny(text, t.Triggers) {
		return nil
	}

	var topics []string
	for _, rule := range t.Topics {
		if containsAny(text, rule.Keywords) {
			topics = append(topics, rule.Topic)
		}
	}
	return topics
}

// DetectTopics runs DefaultTable against the utterance.
func DetectTopics(utterance string) []string {
	return DefaultTable.DetectTopics(utterance)
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(text, strings.ToLower(n)) {
			return true
		}
	}
	return false
}
