package enrich

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"

	"github.com/comigor/scoreline/internal/logger"
)

// Result is the data fetched for one topic. Items are topic-specific records
// kept in their wire form; renderers decode them by topic.
type Result struct {
	Topic string            `json:"topic"`
	Items []json.RawMessage `json:"items"`
}

// Provider fetches the records for a single topic.
type Provider interface {
	Fetch(ctx context.Context, topic string) ([]json.RawMessage, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, topic string) ([]json.RawMessage, error)

func (f ProviderFunc) Fetch(ctx context.Context, topic string) ([]json.RawMessage, error) {
	return f(ctx, topic)
}

// Fetcher detects topics and fetches them in parallel.
type Fetcher struct {
	table     Table
	providers map[string]Provider
	fallback  Provider
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithTable replaces DefaultTable.
func WithTable(t Table) FetcherOption {
	return func(f *Fetcher) { f.table = t }
}

// WithProvider routes one topic to p.
func WithProvider(topic string, p Provider) FetcherOption {
	return func(f *Fetcher) { f.providers[topic] = p }
}

// NewFetcher creates a Fetcher. Topics without a dedicated provider go to
// fallback; a nil fallback means such topics are skipped.
func NewFetcher(fallback Provider, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		table:     DefaultTable,
		providers: make(map[string]Provider),
		fallback:  fallback,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// DetectTopics applies the fetcher's keyword table.
func (f *Fetcher) DetectTopics(utterance string) []string {
	return f.table.DetectTopics(utterance)
}

// FetchAll issues one request per topic concurrently and returns the topics
// that produced at least one record, in input order. Failures are logged and
// dropped; they never fail the batch.
func (f *Fetcher) FetchAll(ctx context.Context, topics []string) []Result {
	if len(topics) == 0 {
		return nil
	}

	slots := make([]*Result, len(topics))
	var g errgroup.Group
	for i, topic := range topics {
		p := f.providerFor(topic)
		if p == nil {
			logger.L.Debug("no enrichment provider for topic", "topic", topic)
			continue
		}
		g.Go(func() error {
			items, err := p.Fetch(ctx, topic)
			if err != nil {
				logger.L.Debug("enrichment fetch failed", "topic", topic, "error", err)
				return nil
			}
			if len(items) == 0 {
				return nil
			}
			slots[i] = &Result{Topic: topic, Items: items}
			return nil
		})
	}
	_ = g.Wait()

	var results []Result
	for _, r := range slots {
		if r != nil {
			results = append(results, *r)
		}
	}
	return results
}

func (f *Fetcher) providerFor(topic string) Provider {
	if p, ok := f.providers[topic]; ok {
		return p
	}
	return f.fallback
}
