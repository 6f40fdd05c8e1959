// Package news reads trending sports headlines from an RSS feed.
package news

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"github.com/comigor/scoreline/internal/logger"
)

// DefaultFeedURL is the ESPN top headlines feed.
const DefaultFeedURL = "https://www.espn.com/espn/rss/news"

const summaryLimit = 150

// Article is one headline.
type Article struct {
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	Link      string `json:"link"`
	Image     string `json:"image"`
	Published string `json:"published"`
}

// Client fetches and parses the feed.
type Client struct {
	feedURL string
	count   int
	client  *http.Client
	parser  *gofeed.Parser
}

// NewClient creates a Client returning at most count articles.
func NewClient(feedURL string, count int, client *http.Client) *Client {
	if feedURL == "" {
		feedURL = DefaultFeedURL
	}
	if count <= 0 {
		count = 4
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{feedURL: feedURL, count: count, client: client, parser: gofeed.NewParser()}
}

// Trending returns the first articles of the feed.
func (c *Client) Trending(ctx context.Context) ([]Article, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("news feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("news feed: unexpected status code %d", resp.StatusCode)
	}

	feed, err := c.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("news feed: parse: %w", err)
	}

	articles := make([]Article, 0, c.count)
	for _, item := range feed.Items {
		if len(articles) == c.count {
			break
		}
		articles = append(articles, Article{
			Title:     item.Title,
			Summary:   truncate(item.Description, summaryLimit),
			Link:      item.Link,
			Image:     imageOf(item),
			Published: item.Published,
		})
	}
	logger.L.Info("fetched trending news", "articles", len(articles))
	return articles, nil
}

// imageOf prefers media:content, then media:thumbnail, then the item image,
// then the first enclosure.
func imageOf(item *gofeed.Item) string {
	for _, name := range []string{"content", "thumbnail"} {
		if u := mediaURL(item.Extensions, name); u != "" {
			return u
		}
	}
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	if len(item.Enclosures) > 0 && item.Enclosures[0] != nil {
		return item.Enclosures[0].URL
	}
	return ""
}

func mediaURL(exts ext.Extensions, name string) string {
	media, ok := exts["media"]
	if !ok {
		return ""
	}
	for _, e := range media[name] {
		if u := e.Attrs["url"]; u != "" {
			return u
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Fetch returns the trending articles as JSON records, ignoring topic.
func (c *Client) Fetch(ctx context.Context, _ string) ([]json.RawMessage, error) {
	articles, err := c.Trending(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]json.RawMessage, 0, len(articles))
	for _, a := range articles {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, nil
}
