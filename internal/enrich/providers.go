package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ScoresProvider reads {baseURL}/api/scores?sport=<topic>.
type ScoresProvider struct {
	baseURL string
	client  *http.Client
}

// NewScoresProvider creates a ScoresProvider.
func NewScoresProvider(baseURL string, client *http.Client) *ScoresProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &ScoresProvider{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Fetch returns the games of the topic's scoreboard.
func (p *ScoresProvider) Fetch(ctx context.Context, topic string) ([]json.RawMessage, error) {
	u := fmt.Sprintf("%s/api/scores?sport=%s", p.baseURL, url.QueryEscape(topic))
	var body struct {
		Sport string            `json:"sport"`
		Games []json.RawMessage `json:"games"`
		Error string            `json:"error"`
	}
	if err := getJSON(ctx, p.client, u, &body); err != nil {
		return nil, err
	}
	if body.Error != "" {
		return nil, fmt.Errorf("scores %s: %s", topic, body.Error)
	}
	return body.Games, nil
}

// NewsProvider reads {baseURL}/api/news.
type NewsProvider struct {
	baseURL string
	client  *http.Client
}

// NewNewsProvider creates a NewsProvider.
func NewNewsProvider(baseURL string, client *http.Client) *NewsProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &NewsProvider{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Fetch returns the trending articles. The topic is ignored.
func (p *NewsProvider) Fetch(ctx context.Context, _ string) ([]json.RawMessage, error) {
	var body struct {
		Articles []json.RawMessage `json:"articles"`
	}
	if err := getJSON(ctx, p.client, p.baseURL+"/api/news", &body); err != nil {
		return nil, err
	}
	return body.Articles, nil
}

func getJSON(ctx context.Context, client *http.Client, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
