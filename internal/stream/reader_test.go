package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recorder collects handler calls for assertions.
type recorder struct {
	mu        sync.Mutex
	fragments []string
	dones     int
	errs      []error
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnFragment: func(s string) {
			r.mu.Lock()
			r.fragments = append(r.fragments, s)
			r.mu.Unlock()
		},
		OnDone: func() {
			r.mu.Lock()
			r.dones++
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.fragments, "")
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dones, len(r.errs)
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestDecoder_SplitRuneAcrossChunks(t *testing.T) {
	input := []byte("Gooool ⚽ — São Paulo 2–1")
	dec := newDecoder()

	var out strings.Builder
	// feed one byte at a time so every multi-byte rune is split
	for i := range input {
		text, err := dec.decode(input[i:i+1], false)
		require.NoError(t, err)
		require.NotContains(t, text, "�")
		out.WriteString(text)
	}
	tail, err := dec.decode(nil, true)
	require.NoError(t, err)
	out.WriteString(tail)

	require.Equal(t, string(input), out.String())
}

func TestDecoder_CompletePrefixDeliveredImmediately(t *testing.T) {
	dec := newDecoder()
	ball := []byte("⚽")

	text, err := dec.decode(append([]byte("ab"), ball[:1]...), false)
	require.NoError(t, err)
	require.Equal(t, "ab", text)

	text, err = dec.decode(ball[1:], false)
	require.NoError(t, err)
	require.Equal(t, "⚽", text)
}

func TestDecoder_TruncatedRuneAtEOF(t *testing.T) {
	dec := newDecoder()
	ball := []byte("⚽")

	text, err := dec.decode(append([]byte("x"), ball[:2]...), false)
	require.NoError(t, err)
	require.Equal(t, "x", text)

	text, err = dec.decode(nil, true)
	require.NoError(t, err)
	require.Equal(t, "�", text)
}

func TestReaderOpen_StreamsBody(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		flusher := w.(http.Flusher)
		for _, part := range []string{"The ", "Chiefs ", "won."} {
			_, _ = w.Write([]byte(part))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	rec := &recorder{}
	reader := NewReader(srv.URL+"/", WithTokenSource(func(context.Context) string { return "secret" }))
	task := reader.Open(context.Background(), Request{
		Messages:       []Turn{{Role: "user", Content: "Who won?"}},
		ConversationID: "conv-1",
	}, rec.handlers())
	waitDone(t, task)

	require.Equal(t, "The Chiefs won.", rec.text())
	dones, errs := rec.counts()
	require.Equal(t, 1, dones)
	require.Zero(t, errs)
	require.NoError(t, task.Err())
	require.Equal(t, "conv-1", got.ConversationID)
	require.Equal(t, []Turn{{Role: "user", Content: "Who won?"}}, got.Messages)
}

func TestReaderOpen_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	rec := &recorder{}
	task := NewReader(srv.URL).Open(context.Background(), Request{}, rec.handlers())
	waitDone(t, task)

	dones, errs := rec.counts()
	require.Zero(t, dones)
	require.Equal(t, 1, errs)
	var statusErr *StatusError
	require.True(t, errors.As(task.Err(), &statusErr))
	require.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	require.Empty(t, rec.text())
}

func TestReaderOpen_CancelMidStream(t *testing.T) {
	firstSent := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		close(firstSent)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	rec := &recorder{}
	task := NewReader(srv.URL).Open(context.Background(), Request{}, rec.handlers())
	<-firstSent
	require.Eventually(t, func() bool { return rec.text() == "partial" }, 5*time.Second, 10*time.Millisecond)

	task.Cancel()
	waitDone(t, task)

	dones, errs := rec.counts()
	require.Equal(t, 1, dones)
	require.Zero(t, errs)
	require.Equal(t, "partial", rec.text())
	require.True(t, task.Cancelled())
}

func TestGo_NoFragmentsAfterCancel(t *testing.T) {
	step := make(chan string)
	acked := make(chan struct{})
	rec := &recorder{}
	task := Go(context.Background(), func(ctx context.Context, emit func(string) bool) error {
		for {
			select {
			case s := <-step:
				emit(s)
				acked <- struct{}{}
			case <-ctx.Done():
				// a late fragment racing the cancel must be dropped
				emit("late")
				return ctx.Err()
			}
		}
	}, rec.handlers())

	step <- "a"
	<-acked
	step <- "b"
	<-acked
	task.Cancel()
	waitDone(t, task)

	require.Equal(t, "ab", rec.text())
	dones, errs := rec.counts()
	require.Equal(t, 1, dones)
	require.Zero(t, errs)
}

func TestGo_ErrorAndDoneExclusive(t *testing.T) {
	rec := &recorder{}
	task := Go(context.Background(), func(ctx context.Context, emit func(string) bool) error {
		emit("x")
		return errors.New("reset by peer")
	}, rec.handlers())
	waitDone(t, task)
	task.Cancel()

	dones, errs := rec.counts()
	require.Zero(t, dones)
	require.Equal(t, 1, errs)
	require.EqualError(t, task.Err(), "reset by peer")
}

func TestGo_CancelBeforeErrorDeliveryIsCleanStop(t *testing.T) {
	rec := &recorder{}
	var task *Task
	assigned := make(chan struct{})
	task = start(context.Background(), func(ctx context.Context, emit func(string) bool) error {
		emit("x")
		return errors.New("reset by peer")
	}, rec.handlers(), func() {
		<-assigned
		task.Cancel()
	})
	close(assigned)
	waitDone(t, task)

	dones, errs := rec.counts()
	require.Equal(t, 1, dones)
	require.Zero(t, errs)
	require.NoError(t, task.Err())
	require.True(t, task.Cancelled())
	require.Equal(t, "x", rec.text())
}

func TestGo_ParentContextCancelIsCleanStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	task := Go(ctx, func(ctx context.Context, emit func(string) bool) error {
		<-ctx.Done()
		return ctx.Err()
	}, rec.handlers())
	cancel()
	waitDone(t, task)

	dones, errs := rec.counts()
	require.Equal(t, 1, dones)
	require.Zero(t, errs)
	require.NoError(t, task.Err())
}
