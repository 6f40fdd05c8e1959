// Package repl is the interactive terminal chat client.
package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"

	"github.com/comigor/scoreline/internal/conversations"
	"github.com/comigor/scoreline/internal/identity"
	"github.com/comigor/scoreline/internal/logger"
	"github.com/comigor/scoreline/internal/session"
)

// Session is the part of session.Controller the REPL drives.
type Session interface {
	Send(ctx context.Context, text string) (*session.Turn, error)
	Cancel() bool
	Store() *session.Store
	Conversations(ctx context.Context) ([]conversations.Conversation, error)
	OpenConversation(ctx context.Context, id string) error
	DeleteConversation(ctx context.Context, id string) error
	NewConversation() error
}

const help = `Commands:
  /new           start a new conversation
  /list          list stored conversations
  /open <n|id>   open a stored conversation
  /delete <n|id> delete a stored conversation
  /signout       sign out
  /quit          exit
Ctrl-C stops the reply being streamed.`

// REPL reads lines from its input and streams replies to its output.
type REPL struct {
	sess       Session
	ident      identity.Provider
	in         io.Reader
	out        *lockedWriter
	renderer   *glamour.TermRenderer
	interrupts <-chan os.Signal

	listed []conversations.Conversation
}

// Option configures a REPL.
type Option func(*REPL)

// WithIO replaces stdin and stdout.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(r *REPL) {
		r.in = in
		r.out = &lockedWriter{w: out}
	}
}

// WithMarkdown renders enrichment and stored replies through glamour.
func WithMarkdown(width int) Option {
	return func(r *REPL) {
		renderer, err := newRenderer(width)
		if err != nil {
			logger.L.Warn("markdown renderer unavailable", "error", err)
			return
		}
		r.renderer = renderer
	}
}

// WithInterrupts sets the channel that cancels the streaming reply.
func WithInterrupts(ch <-chan os.Signal) Option {
	return func(r *REPL) { r.interrupts = ch }
}

// New creates a REPL over sess. ident may be nil when sign-in is not
// configured.
func New(sess Session, ident identity.Provider, opts ...Option) *REPL {
	r := &REPL{
		sess:  sess,
		ident: ident,
		in:    os.Stdin,
		out:   &lockedWriter{w: os.Stdout},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reads input until EOF, /quit or ctx is done.
func (r *REPL) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	r.printf("Scoreline. Ask about any sport; /help lists commands.\n")
	for {
		r.printf("> ")
		select {
		case <-ctx.Done():
			return nil
		case <-r.interrupts:
			r.printf("\n")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := r.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

func (r *REPL) handle(ctx context.Context, line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.ask(ctx, line)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		r.printf("%s\n", help)
	case "/new":
		r.report(r.sess.NewConversation())
	case "/list":
		r.list(ctx)
	case "/open":
		r.open(ctx, arg)
	case "/delete":
		id, ok := r.resolve(arg)
		if !ok {
			r.printf("usage: /delete <n|id>\n")
			return false
		}
		r.report(r.sess.DeleteConversation(ctx, id))
	case "/signout":
		if r.ident == nil {
			r.printf("not signed in\n")
			return false
		}
		r.report(r.ident.SignOut(ctx))
		r.listed = nil
	default:
		r.printf("unknown command %s; /help lists commands\n", cmd)
	}
	return false
}

// ask streams one turn. Lines typed meanwhile wait until it settles.
func (r *REPL) ask(ctx context.Context, text string) {
	turn, err := r.sess.Send(ctx, text)
	if err != nil {
		r.report(err)
		return
	}

	p := &printer{out: r.out, id: turn.ID}
	unsubscribe := r.sess.Store().Subscribe(p.update)

	ctxDone := ctx.Done()
wait:
	for {
		select {
		case <-turn.Done():
			break wait
		case <-r.interrupts:
			r.sess.Cancel()
		case <-ctxDone:
			ctxDone = nil
			r.sess.Cancel()
		}
	}

	select {
	case <-turn.Settled():
	case <-ctx.Done():
	}
	unsubscribe()
	// catches fragments that landed before the subscription
	snap := r.sess.Store().Snapshot()
	p.update(snap)

	switch turn.Outcome() {
	case session.OutcomeCancelled:
		r.printf("\n[stopped]\n")
	case session.OutcomeFailed:
		logger.L.Warn("turn failed", "error", turn.Err())
		r.printf("\n")
	default:
		r.printf("\n")
	}

	if m, ok := findMessage(snap, turn.ID); ok && len(m.Enrichment) > 0 {
		r.markdown(enrichmentMarkdown(m.Enrichment))
	}
}

func (r *REPL) list(ctx context.Context) {
	convs, err := r.sess.Conversations(ctx)
	if err != nil {
		r.report(err)
		return
	}
	r.listed = convs
	if len(convs) == 0 {
		r.printf("no conversations\n")
		return
	}
	for i, c := range convs {
		r.printf("%2d. %s  (%s)\n", i+1, c.Title, c.UpdatedAt.Local().Format("Jan 2 15:04"))
	}
}

func (r *REPL) open(ctx context.Context, arg string) {
	id, ok := r.resolve(arg)
	if !ok {
		r.printf("usage: /open <n|id>\n")
		return
	}
	if err := r.sess.OpenConversation(ctx, id); err != nil {
		r.report(err)
		return
	}
	for _, m := range r.sess.Store().Snapshot().Messages {
		if m.Role == session.RoleUser {
			r.printf("> %s\n", m.Content)
			continue
		}
		r.markdown(m.Content)
	}
}

// resolve accepts a 1-based index into the last /list or a raw id.
func (r *REPL) resolve(arg string) (string, bool) {
	if arg == "" {
		return "", false
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(r.listed) {
			return "", false
		}
		return r.listed[n-1].ID, true
	}
	return arg, true
}

func (r *REPL) markdown(md string) {
	if md == "" {
		return
	}
	if r.renderer != nil {
		if out, err := r.renderer.Render(md); err == nil {
			r.printf("%s", out)
			return
		}
	}
	r.printf("%s\n", strings.TrimRight(md, "\n"))
}

func (r *REPL) report(err error) {
	switch {
	case err == nil:
	case errors.Is(err, session.ErrTurnInFlight):
		r.printf("still answering; Ctrl-C to stop\n")
	case errors.Is(err, session.ErrNotSignedIn):
		r.printf("sign in to use saved conversations\n")
	case errors.Is(err, conversations.ErrNotFound):
		r.printf("conversation not found\n")
	default:
		r.printf("error: %v\n", err)
	}
}

func (r *REPL) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func findMessage(snap session.Snapshot, id string) (session.Message, bool) {
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		if snap.Messages[i].ID == id {
			return snap.Messages[i], true
		}
	}
	return session.Message{}, false
}

// printer writes the growth of one assistant message as it streams. When the
// content is replaced rather than extended, the new content starts on a
// fresh line. Calls are serialized by the store lock.
type printer struct {
	out     io.Writer
	id      string
	printed string
}

func (p *printer) update(snap session.Snapshot) {
	m, ok := snap.Last()
	if !ok || m.ID != p.id || m.Content == p.printed {
		return
	}
	if strings.HasPrefix(m.Content, p.printed) {
		fmt.Fprint(p.out, m.Content[len(p.printed):])
	} else {
		fmt.Fprint(p.out, "\n"+m.Content)
	}
	p.printed = m.Content
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(b)
}
