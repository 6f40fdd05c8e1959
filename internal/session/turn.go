package session

import (
	"context"
	"sync"
)

// Outcome is how a turn's stream ended.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeCompleted
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Turn tracks one user utterance and the assistant reply streaming for it.
type Turn struct {
	// ID is the id of the assistant message the reply streams into.
	ID            string
	UserMessageID string
	Topics        []string

	done    chan struct{}
	settled chan struct{}

	mu      sync.Mutex
	outcome Outcome
	err     error
}

func newTurn(userID, assistantID string, topics []string) *Turn {
	return &Turn{
		ID:            assistantID,
		UserMessageID: userID,
		Topics:        topics,
		done:          make(chan struct{}),
		settled:       make(chan struct{}),
	}
}

func (t *Turn) finish(o Outcome, err error) {
	t.mu.Lock()
	t.outcome = o
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

// Done is closed when the stream has ended and the session is idle again.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Settled is closed after Done once the turn's enrichment, if any, has been
// attached or dropped. The assistant message is immutable from then on.
func (t *Turn) Settled() <-chan struct{} { return t.settled }

// Outcome reports how the stream ended.
func (t *Turn) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Err is the transport error of a failed turn.
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the turn is settled or ctx is done.
func (t *Turn) Wait(ctx context.Context) error {
	select {
	case <-t.settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
