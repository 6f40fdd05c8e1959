package session

import (
	"errors"
	"slices"
	"sync"

	"github.com/comigor/scoreline/internal/enrich"
)

var (
	// ErrTurnInFlight is returned when a turn starts while another streams.
	ErrTurnInFlight = errors.New("session: a turn is already streaming")
	// ErrStaleTurn is returned when a mutation targets a message that is no
	// longer the open tail of the conversation.
	ErrStaleTurn = errors.New("session: message is not the open tail")
	// ErrEnrichmentSettled is returned when enrichment is attached twice.
	ErrEnrichmentSettled = errors.New("session: enrichment already settled")
)

// Canceler stops an in-flight stream.
type Canceler interface {
	Cancel()
}

// Snapshot is an immutable view of the conversation. Callers must not modify
// the Messages slice or its elements.
type Snapshot struct {
	Messages    []Message
	IsStreaming bool
}

// Last returns the trailing message, if any.
func (s Snapshot) Last() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

type tailState struct {
	id            string
	contentOpen   bool
	enrichPending bool
}

// Store holds the messages of one conversation and the streaming state of its
// current turn.
//
// The message slice is copy-on-write: a mutation never writes into a slice
// that was handed out, it builds a new one and swaps it in while holding mu.
// Every tail mutation names the assistant message it expects at the tail, so
// two writers racing on the same turn both apply and a writer from an older
// turn applies nothing.
type Store struct {
	mu        sync.Mutex
	messages  []Message
	streaming bool
	cancel    Canceler
	tail      tailState

	subs    map[int]func(Snapshot)
	nextSub int
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{subs: make(map[int]func(Snapshot))}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{Messages: s.messages, IsStreaming: s.streaming}
}

// Subscribe registers fn to receive every new snapshot. fn runs while the
// store is locked, in mutation order, and must not call back into the Store.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) publishLocked() {
	snap := s.snapshotLocked()
	for _, fn := range s.subs {
		fn(snap)
	}
}

// BeginTurn appends the user message and its assistant placeholder as one
// step, marks the session streaming and records the cancellation handle.
func (s *Store) BeginTurn(user, placeholder Message, handle Canceler, expectEnrichment bool) error {
	if handle == nil {
		return errors.New("session: nil cancellation handle")
	}
	if user.Role != RoleUser || placeholder.Role != RoleAssistant {
		return errors.New("session: turn must pair a user message with an assistant placeholder")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streaming {
		return ErrTurnInFlight
	}

	next := make([]Message, 0, len(s.messages)+2)
	next = append(next, s.messages...)
	next = append(next, user.clone(), placeholder.clone())
	s.messages = next
	s.streaming = true
	s.cancel = handle
	s.tail = tailState{id: placeholder.ID, contentOpen: true, enrichPending: expectEnrichment}
	s.publishLocked()
	return nil
}

// replaceTailLocked copies the tail, applies fn and swaps in a new slice.
func (s *Store) replaceTailLocked(fn func(*Message)) {
	next := slices.Clone(s.messages)
	last := next[len(next)-1].clone()
	fn(&last)
	next[len(next)-1] = last
	s.messages = next
	s.publishLocked()
}

func (s *Store) isTailLocked(id string) bool {
	return len(s.messages) > 0 && s.tail.id == id && s.messages[len(s.messages)-1].ID == id
}

// AppendContent appends a stream fragment to the open assistant message id.
func (s *Store) AppendContent(id, fragment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isTailLocked(id) || !s.tail.contentOpen {
		return ErrStaleTurn
	}
	if fragment == "" {
		return nil
	}
	s.replaceTailLocked(func(m *Message) { m.Content += fragment })
	return nil
}

// ReplaceContent overwrites the content of the open assistant message id.
func (s *Store) ReplaceContent(id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isTailLocked(id) || !s.tail.contentOpen {
		return ErrStaleTurn
	}
	s.replaceTailLocked(func(m *Message) { m.Content = content })
	return nil
}

// AttachEnrichment settles the enrichment of message id. It succeeds once per
// turn, even after the stream has ended; an empty results list settles the
// turn without setting the field.
func (s *Store) AttachEnrichment(id string, results []enrich.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isTailLocked(id) {
		return ErrStaleTurn
	}
	if !s.tail.enrichPending {
		return ErrEnrichmentSettled
	}
	s.tail.enrichPending = false
	if len(results) == 0 {
		return nil
	}
	batch := slices.Clone(results)
	s.replaceTailLocked(func(m *Message) { m.Enrichment = batch })
	return nil
}

// EndTurn closes the content of message id, clears the streaming flag and
// returns the cancellation handle that was active.
func (s *Store) EndTurn(id string) (Canceler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isTailLocked(id) || !s.tail.contentOpen {
		return nil, ErrStaleTurn
	}
	handle := s.cancel
	s.tail.contentOpen = false
	s.streaming = false
	s.cancel = nil
	s.publishLocked()
	return handle, nil
}

// Reset replaces the whole conversation, e.g. when a stored conversation is
// opened. It is rejected while a turn streams.
func (s *Store) Reset(msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streaming {
		return ErrTurnInFlight
	}
	next := make([]Message, len(msgs))
	for i, m := range msgs {
		next[i] = m.clone()
	}
	s.messages = next
	s.tail = tailState{}
	s.publishLocked()
	return nil
}

// ActiveCanceler returns the handle of the streaming turn, or nil.
func (s *Store) ActiveCanceler() Canceler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel
}
