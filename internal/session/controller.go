// Package session owns the state of one chat conversation: the message list,
// the streaming turn and the enrichment racing it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/comigor/scoreline/internal/conversations"
	"github.com/comigor/scoreline/internal/enrich"
	"github.com/comigor/scoreline/internal/identity"
	"github.com/comigor/scoreline/internal/logger"
	"github.com/comigor/scoreline/internal/stream"
)

// TurnState is a state of the turn FSM.
type TurnState string

const (
	StateIdle         TurnState = "Idle"
	StateTurnStarting TurnState = "TurnStarting"
	StateStreaming    TurnState = "Streaming"
	StateFinalizing   TurnState = "Finalizing"
	StateCancelling   TurnState = "Cancelling"
	StateFailed       TurnState = "Failed"
)

// TurnTrigger is an event of the turn FSM.
type TurnTrigger string

const (
	TriggerSend         TurnTrigger = "Send"
	TriggerRejected     TurnTrigger = "Rejected"
	TriggerStreamOpened TurnTrigger = "StreamOpened"
	TriggerStreamDone   TurnTrigger = "StreamDone"
	TriggerStreamFailed TurnTrigger = "StreamFailed"
	TriggerCancel       TurnTrigger = "Cancel"
	TriggerSettled      TurnTrigger = "Settled"
)

// FailureNotice replaces the reply of a turn whose stream failed.
const FailureNotice = "Sorry, something went wrong. Please make sure the backend server is running and try again."

var (
	// ErrEmptyMessage is returned by Send for blank input.
	ErrEmptyMessage = errors.New("session: empty message")
	// ErrNotSignedIn is returned by conversation operations without a user.
	ErrNotSignedIn = errors.New("session: not signed in")
)

// Transport opens the reply stream of a turn.
type Transport interface {
	Open(ctx context.Context, req stream.Request, h stream.Handlers) *stream.Task
}

// Enricher finds and fetches the auxiliary data of a turn.
type Enricher interface {
	DetectTopics(utterance string) []string
	FetchAll(ctx context.Context, topics []string) []enrich.Result
}

// ConversationStore persists conversations for signed-in users.
type ConversationStore interface {
	List(ctx context.Context, token string) ([]conversations.Conversation, error)
	Create(ctx context.Context, token string) (conversations.Conversation, error)
	Delete(ctx context.Context, token, id string) error
	Messages(ctx context.Context, token, id string) ([]conversations.Message, error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithEnricher enables enrichment.
func WithEnricher(e Enricher) Option {
	return func(c *Controller) { c.enricher = e }
}

// WithConversations binds the session to a user and a conversation store.
func WithConversations(store ConversationStore, ident identity.Provider) Option {
	return func(c *Controller) {
		c.convs = store
		c.ident = ident
	}
}

// WithConversationListener receives the conversation list after every
// refresh.
func WithConversationListener(fn func([]conversations.Conversation)) Option {
	return func(c *Controller) { c.onConversations = fn }
}

// WithStore uses an existing Store.
func WithStore(s *Store) Option {
	return func(c *Controller) { c.store = s }
}

// WithCollaboratorTimeout bounds calls to the conversation store.
func WithCollaboratorTimeout(d time.Duration) Option {
	return func(c *Controller) { c.timeout = d }
}

// WithClock overrides time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller drives turns through the FSM
//
//	Idle -> TurnStarting -> Streaming -> Finalizing -> Idle
//	                        Streaming -> Cancelling -> Idle
//	                        Streaming -> Failed     -> Idle
//
// Stream callbacks, Send and Cancel are serialized by mu; FSM entry actions
// run inside Fire and so hold mu too.
type Controller struct {
	store           *Store
	transport       Transport
	enricher        Enricher
	convs           ConversationStore
	ident           identity.Provider
	onConversations func([]conversations.Conversation)
	timeout         time.Duration
	now             func() time.Time

	ctx         context.Context
	stop        context.CancelFunc
	unsubscribe func()

	mu             sync.Mutex
	fsm            *stateless.StateMachine
	turn           *Turn
	handle         *turnHandle
	conversationID string
	// starting is set while a Send resolves its conversation outside mu.
	starting       bool
}

// turnRequest carries Send's input into the TurnStarting entry action and its
// result back out.
type turnRequest struct {
	text           string
	conversationID string
	turn           *Turn
	err            error
}

// NewController creates a Controller streaming replies through transport.
func NewController(transport Transport, opts ...Option) *Controller {
	ctx, stop := context.WithCancel(context.Background())
	c := &Controller{
		transport: transport,
		timeout:   10 * time.Second,
		now:       time.Now,
		ctx:       ctx,
		stop:      stop,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = NewStore()
	}
	if c.ident != nil {
		c.unsubscribe = c.ident.Subscribe(c.identityChanged)
	}
	c.fsm = c.newStateMachine()
	return c
}

func (c *Controller) newStateMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateIdle)

	fsm.Configure(StateIdle).
		Permit(TriggerSend, StateTurnStarting)

	fsm.Configure(StateTurnStarting).
		OnEntry(c.enterTurnStarting).
		Permit(TriggerStreamOpened, StateStreaming).
		Permit(TriggerRejected, StateIdle)

	fsm.Configure(StateStreaming).
		Permit(TriggerStreamDone, StateFinalizing).
		Permit(TriggerCancel, StateCancelling).
		Permit(TriggerStreamFailed, StateFailed)

	fsm.Configure(StateFinalizing).
		OnEntry(c.enterFinalizing).
		Permit(TriggerSettled, StateIdle)

	fsm.Configure(StateCancelling).
		OnEntry(c.enterCancelling).
		Permit(TriggerSettled, StateIdle)

	fsm.Configure(StateFailed).
		OnEntry(c.enterFailed).
		Permit(TriggerSettled, StateIdle)

	return fsm
}

// Store returns the state store, for readers such as a display layer.
func (c *Controller) Store() *Store { return c.store }

// Snapshot returns the current conversation state.
func (c *Controller) Snapshot() Snapshot { return c.store.Snapshot() }

// State returns the FSM state.
func (c *Controller) State() TurnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() TurnState {
	return c.fsm.MustState().(TurnState)
}

func (c *Controller) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busyLocked()
}

func (c *Controller) busyLocked() bool {
	return c.starting || c.stateLocked() != StateIdle
}

// Send starts a turn for text. It fails with ErrTurnInFlight while another
// turn streams; the conversation is left untouched in that case.
func (c *Controller) Send(ctx context.Context, text string) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	c.mu.Lock()
	if c.busyLocked() {
		c.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	c.starting = true
	c.mu.Unlock()

	convID := c.ensureConversation(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.starting = false
	req := &turnRequest{text: text, conversationID: convID}
	if err := c.fsm.FireCtx(ctx, TriggerSend, req); err != nil {
		return nil, fmt.Errorf("session: start turn: %w", err)
	}
	if req.err != nil {
		return nil, req.err
	}
	return req.turn, nil
}

func (c *Controller) enterTurnStarting(ctx context.Context, args ...any) error {
	req, ok := args[0].(*turnRequest)
	if !ok {
		return errors.New("session: TurnStarting entered without a request")
	}

	now := c.now()
	user := newMessage(RoleUser, req.text, now)
	placeholder := newMessage(RoleAssistant, "", now)

	var topics []string
	if c.enricher != nil {
		topics = c.enricher.DetectTopics(req.text)
	}

	prior := c.store.Snapshot().Messages
	handle := &turnHandle{}
	if err := c.store.BeginTurn(user, placeholder, handle, len(topics) > 0); err != nil {
		req.err = err
		return c.fsm.FireCtx(ctx, TriggerRejected)
	}

	turn := newTurn(user.ID, placeholder.ID, topics)
	c.turn = turn
	c.handle = handle
	logger.L.Debug("turn started", "turn", turn.ID, "topics", topics, "conversation", req.conversationID)

	go c.enrich(turn)

	payload := stream.Request{
		Messages:       append(transcript(prior), stream.Turn{Role: string(RoleUser), Content: req.text}),
		ConversationID: req.conversationID,
	}
	task := c.transport.Open(c.ctx, payload, stream.Handlers{
		OnFragment: func(fragment string) {
			if err := c.store.AppendContent(turn.ID, fragment); err != nil {
				logger.L.Debug("fragment dropped", "turn", turn.ID, "error", err)
			}
		},
		OnDone: func() {
			c.streamEnded(turn, TriggerStreamDone, nil)
		},
		OnError: func(err error) {
			c.streamEnded(turn, TriggerStreamFailed, err)
		},
	})
	handle.attach(task)

	req.turn = turn
	return c.fsm.FireCtx(ctx, TriggerStreamOpened)
}

// enrich fetches the turn's topics and attaches the batch to its message. It
// closes Settled once both the stream and the enrichment are over.
func (c *Controller) enrich(turn *Turn) {
	if len(turn.Topics) > 0 {
		results := c.enricher.FetchAll(c.ctx, turn.Topics)
		if err := c.store.AttachEnrichment(turn.ID, results); err != nil {
			logger.L.Debug("enrichment dropped", "turn", turn.ID, "error", err)
		} else {
			logger.L.Debug("enrichment attached", "turn", turn.ID, "results", len(results))
		}
	}
	<-turn.done
	close(turn.settled)
}

func (c *Controller) streamEnded(turn *Turn, trigger TurnTrigger, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn != turn || c.stateLocked() != StateStreaming {
		return
	}
	if fireErr := c.fsm.Fire(trigger, err); fireErr != nil {
		logger.L.Warn("FSM fire error", "trigger", trigger, "error", fireErr)
	}
}

// Cancel stops the streaming turn, keeping the reply received so far. It
// reports whether a turn was cancelled.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stateLocked() != StateStreaming {
		return false
	}
	if err := c.fsm.Fire(TriggerCancel); err != nil {
		logger.L.Warn("FSM fire error", "trigger", TriggerCancel, "error", err)
		return false
	}
	return true
}

func (c *Controller) enterFinalizing(ctx context.Context, _ ...any) error {
	turn := c.turn
	if _, err := c.store.EndTurn(turn.ID); err != nil {
		logger.L.Warn("end turn failed", "turn", turn.ID, "error", err)
	}
	turn.finish(OutcomeCompleted, nil)
	logger.L.Debug("turn completed", "turn", turn.ID)
	if c.identityBound() {
		go c.refreshConversations()
	}
	return c.fsm.FireCtx(ctx, TriggerSettled)
}

func (c *Controller) enterCancelling(ctx context.Context, _ ...any) error {
	turn := c.turn
	if h := c.store.ActiveCanceler(); h != nil {
		h.Cancel()
	}
	if _, err := c.store.EndTurn(turn.ID); err != nil {
		logger.L.Warn("end turn failed", "turn", turn.ID, "error", err)
	}
	turn.finish(OutcomeCancelled, nil)
	logger.L.Debug("turn cancelled", "turn", turn.ID)
	return c.fsm.FireCtx(ctx, TriggerSettled)
}

func (c *Controller) enterFailed(ctx context.Context, args ...any) error {
	turn := c.turn
	var cause error
	if len(args) > 0 {
		cause, _ = args[0].(error)
	}
	logger.L.Error("chat stream failed", "turn", turn.ID, "error", cause)
	if err := c.store.ReplaceContent(turn.ID, FailureNotice); err != nil {
		logger.L.Warn("failure notice not applied", "turn", turn.ID, "error", err)
	}
	if _, err := c.store.EndTurn(turn.ID); err != nil {
		logger.L.Warn("end turn failed", "turn", turn.ID, "error", err)
	}
	turn.finish(OutcomeFailed, cause)
	return c.fsm.FireCtx(ctx, TriggerSettled)
}

// Close cancels any streaming turn and pending enrichment.
func (c *Controller) Close() {
	c.Cancel()
	c.stop()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// turnHandle is the cancellation handle stored for a turn. It exists before
// the stream is opened so the turn can be recorded first; a cancel that
// arrives before the task is attached is applied on attach.
type turnHandle struct {
	mu        sync.Mutex
	task      *stream.Task
	cancelled bool
}

func (h *turnHandle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	task := h.task
	h.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
}

func (h *turnHandle) attach(task *stream.Task) {
	h.mu.Lock()
	h.task = task
	cancelled := h.cancelled
	h.mu.Unlock()
	if cancelled {
		task.Cancel()
	}
}
