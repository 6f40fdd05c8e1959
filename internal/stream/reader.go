package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/comigor/scoreline/internal/logger"
)

// Turn is one prior message reduced to what the chat endpoint needs.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the body posted to the chat endpoint.
type Request struct {
	Messages       []Turn `json:"messages"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// StatusError reports a non-2xx answer from the chat endpoint.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream: server error: %d", e.StatusCode)
}

// TokenSource returns the bearer credential for a request, or "" for none.
type TokenSource func(ctx context.Context) string

// Reader opens chat streams against one endpoint.
type Reader struct {
	url     string
	client  *http.Client
	token   TokenSource
	bufSize int
}

// Option configures a Reader.
type Option func(*Reader)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Reader) { r.client = c }
}

// WithTokenSource attaches a bearer credential to every request.
func WithTokenSource(ts TokenSource) Option {
	return func(r *Reader) { r.token = ts }
}

// NewReader creates a Reader posting to {baseURL}/api/chat.
func NewReader(baseURL string, opts ...Option) *Reader {
	r := &Reader{
		url:     strings.TrimRight(baseURL, "/") + "/api/chat",
		client:  &http.Client{},
		bufSize: 4096,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open posts req and streams the decoded reply into h.
func (r *Reader) Open(ctx context.Context, req Request, h Handlers) *Task {
	return Go(ctx, func(ctx context.Context, emit func(string) bool) error {
		return r.read(ctx, req, emit)
	}, h)
}

func (r *Reader) read(ctx context.Context, chatReq Request, emit func(string) bool) error {
	body, err := json.Marshal(chatReq)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/plain")
	if r.token != nil {
		if tok := r.token(ctx); tok != "" {
			req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", tok))
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return ErrNoBody
	}

	dec := newDecoder()
	buf := make([]byte, r.bufSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			text, err := dec.decode(buf[:n], false)
			if err != nil {
				return err
			}
			if text != "" && !emit(text) {
				return nil
			}
		}
		if errors.Is(readErr, io.EOF) {
			text, err := dec.decode(nil, true)
			if err != nil {
				return err
			}
			if text != "" {
				emit(text)
			}
			logger.L.Debug("chat stream finished", "url", r.url)
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// decoder turns a byte stream into text chunk by chunk. Bytes of a rune split
// across chunks stay pending until the rest arrives; invalid input becomes
// U+FFFD.
type decoder struct {
	t       transform.Transformer
	pending []byte
	dst     []byte
}

func newDecoder() *decoder {
	return &decoder{
		t:   unicode.UTF8.NewDecoder(),
		dst: make([]byte, 4096),
	}
}

func (d *decoder) decode(chunk []byte, atEOF bool) (string, error) {
	src := make([]byte, 0, len(d.pending)+len(chunk))
	src = append(src, d.pending...)
	src = append(src, chunk...)

	var out strings.Builder
	for {
		nDst, nSrc, err := d.t.Transform(d.dst, src, atEOF)
		out.Write(d.dst[:nDst])
		src = src[nSrc:]
		switch {
		case errors.Is(err, transform.ErrShortDst):
			continue
		case errors.Is(err, transform.ErrShortSrc):
			// incomplete rune; wait for the next chunk
		case err != nil:
			return out.String(), err
		}
		break
	}
	d.pending = append(d.pending[:0], src...)
	return out.String(), nil
}
