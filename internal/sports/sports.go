// Package sports reads live scoreboards from the ESPN public site API.
package sports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/comigor/scoreline/internal/logger"
)

// Endpoint maps a sport key to its ESPN scoreboard path.
type Endpoint struct {
	Sport   string
	Path    string
	Cricket bool
}

// Endpoints lists the supported sports in display order.
var Endpoints = []Endpoint{
	{Sport: "nfl", Path: "football/nfl"},
	{Sport: "nba", Path: "basketball/nba"},
	{Sport: "mlb", Path: "baseball/mlb"},
	{Sport: "nhl", Path: "hockey/nhl"},
	{Sport: "soccer", Path: "soccer/eng.1"},
	{Sport: "ncaaf", Path: "football/college-football"},
	{Sport: "ncaab", Path: "basketball/mens-college-basketball"},
	{Sport: "cricket", Path: "cricket/8676", Cricket: true},
	{Sport: "ipl", Path: "cricket/8048", Cricket: true},
	{Sport: "bbl", Path: "cricket/8044", Cricket: true},
	{Sport: "psl", Path: "cricket/10886", Cricket: true},
	{Sport: "cpl", Path: "cricket/10889", Cricket: true},
	{Sport: "the_hundred", Path: "cricket/10890", Cricket: true},
	{Sport: "sa20", Path: "cricket/12344", Cricket: true},
	{Sport: "county", Path: "cricket/8052", Cricket: true},
}

// DefaultBaseURL is the ESPN site API root.
const DefaultBaseURL = "https://site.api.espn.com/apis/site/v2/sports"

// ErrUnsupportedSport is returned for sport keys missing from Endpoints.
var ErrUnsupportedSport = errors.New("unsupported sport")

// Supported returns the sport keys of Endpoints.
func Supported() []string {
	out := make([]string, len(Endpoints))
	for i, e := range Endpoints {
		out[i] = e.Sport
	}
	return out
}

func lookup(sport string) (Endpoint, bool) {
	sport = strings.ToLower(strings.TrimSpace(sport))
	for _, e := range Endpoints {
		if e.Sport == sport {
			return e, true
		}
	}
	return Endpoint{}, false
}

// Game is one scoreboard entry. Cricket games carry innings instead of a
// meaningful score.
type Game struct {
	Name             string   `json:"name"`
	Status           string   `json:"status"`
	HomeTeam         string   `json:"home_team"`
	HomeAbbreviation string   `json:"home_abbreviation"`
	HomeScore        string   `json:"home_score"`
	HomeLogo         string   `json:"home_logo"`
	HomeColor        string   `json:"home_color"`
	AwayTeam         string   `json:"away_team"`
	AwayAbbreviation string   `json:"away_abbreviation"`
	AwayScore        string   `json:"away_score"`
	AwayLogo         string   `json:"away_logo"`
	AwayColor        string   `json:"away_color"`
	StartTime        string   `json:"start_time"`
	IsCricket        bool     `json:"is_cricket"`
	HomeInnings      []string `json:"home_innings,omitempty"`
	AwayInnings      []string `json:"away_innings,omitempty"`
}

// Scoreboard is the recent games of one sport.
type Scoreboard struct {
	Sport string `json:"sport"`
	Games []Game `json:"games"`
}

// Client fetches scoreboards.
type Client struct {
	baseURL      string
	client       *http.Client
	maxStaleness time.Duration
	now          func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithMaxStaleness drops games that started longer ago than d.
func WithMaxStaleness(d time.Duration) Option {
	return func(cl *Client) { cl.maxStaleness = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

// NewClient creates a Client. An empty baseURL selects DefaultBaseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{Timeout: 10 * time.Second},
		maxStaleness: 7 * 24 * time.Hour,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// wire format of the scoreboard endpoint, reduced to the fields we read
type scoreboardResponse struct {
	Events []struct {
		Name   string `json:"name"`
		Date   string `json:"date"`
		Status struct {
			Type struct {
				Description string `json:"description"`
			} `json:"type"`
		} `json:"status"`
		Competitions []struct {
			Competitors []competitor `json:"competitors"`
		} `json:"competitions"`
	} `json:"events"`
}

type competitor struct {
	Score string `json:"score"`
	Team  struct {
		DisplayName  string `json:"displayName"`
		Abbreviation string `json:"abbreviation"`
		Logo         string `json:"logo"`
		Color        string `json:"color"`
	} `json:"team"`
	Linescores []struct {
		Runs        float64 `json:"runs"`
		Wickets     float64 `json:"wickets"`
		Overs       float64 `json:"overs"`
		Description string  `json:"description"`
	} `json:"linescores"`
}

// Scores returns the recent games of sport.
func (c *Client) Scores(ctx context.Context, sport string) (*Scoreboard, error) {
	ep, ok := lookup(sport)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSport, sport)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+ep.Path+"/scoreboard", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scoreboard %s: %w", ep.Sport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scoreboard %s: unexpected status code %d", ep.Sport, resp.StatusCode)
	}

	var body scoreboardResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("scoreboard %s: decode: %w", ep.Sport, err)
	}

	board := &Scoreboard{Sport: ep.Sport, Games: []Game{}}
	for _, ev := range body.Events {
		if !c.recent(ev.Date) {
			continue
		}
		if len(ev.Competitions) == 0 || len(ev.Competitions[0].Competitors) < 2 {
			continue
		}
		home, away := ev.Competitions[0].Competitors[0], ev.Competitions[0].Competitors[1]
		g := Game{
			Name:             ev.Name,
			Status:           ev.Status.Type.Description,
			HomeTeam:         home.Team.DisplayName,
			HomeAbbreviation: home.Team.Abbreviation,
			HomeScore:        scoreOrZero(home.Score),
			HomeLogo:         home.Team.Logo,
			HomeColor:        home.Team.Color,
			AwayTeam:         away.Team.DisplayName,
			AwayAbbreviation: away.Team.Abbreviation,
			AwayScore:        scoreOrZero(away.Score),
			AwayLogo:         away.Team.Logo,
			AwayColor:        away.Team.Color,
			StartTime:        ev.Date,
			IsCricket:        ep.Cricket,
		}
		if ep.Cricket {
			g.HomeInnings = innings(home)
			g.AwayInnings = innings(away)
		}
		board.Games = append(board.Games, g)
	}
	logger.L.Debug("scoreboard fetched", "sport", ep.Sport, "events", len(body.Events), "games", len(board.Games))
	return board, nil
}

// ESPN omits seconds in most event dates.
var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04Z07:00"}

func (c *Client) recent(date string) bool {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, date); err == nil {
			return c.now().Sub(t) < c.maxStaleness
		}
	}
	return false
}

func scoreOrZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// innings renders each played innings as "runs/wickets", or just "runs" when
// the side was bowled out.
func innings(c competitor) []string {
	out := []string{}
	for _, inn := range c.Linescores {
		if inn.Runs == 0 && inn.Wickets == 0 && inn.Overs == 0 {
			continue
		}
		runs := strconv.FormatFloat(inn.Runs, 'f', -1, 64)
		if inn.Wickets == 10 || inn.Description == "all out" {
			out = append(out, runs)
			continue
		}
		out = append(out, runs+"/"+strconv.FormatFloat(inn.Wickets, 'f', -1, 64))
	}
	return out
}

// Fetch returns the games of sport as JSON records. It lets the client serve
// as a scores provider for enrichment.
func (c *Client) Fetch(ctx context.Context, sport string) ([]json.RawMessage, error) {
	board, err := c.Scores(ctx, sport)
	if err != nil {
		return nil, err
	}
	items := make([]json.RawMessage, 0, len(board.Games))
	for _, g := range board.Games {
		b, err := json.Marshal(g)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, nil
}
