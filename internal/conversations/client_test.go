package conversations

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"conversations":[{"id":"c2","title":"Playoffs","updated_at":"2026-10-15T10:00:00Z"},{"id":"c1","title":"New Chat"}]}`))
	})
	mux.HandleFunc("POST /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"c3","title":"New Chat"}`))
	})
	mux.HandleFunc("DELETE /api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "c1" {
			http.Error(w, `{"error":"Conversation not found"}`, http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[{"id":"m1","role":"user","content":"hi"},{"id":"m2","role":"assistant","content":"hello"}]}`))
	})
	return httptest.NewServer(mux)
}

func TestClient(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	c := NewClient(srv.URL, srv.Client())
	ctx := context.Background()

	convs, err := c.List(ctx, "tok")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	require.Equal(t, "Playoffs", convs[0].Title)
	require.Equal(t, 2026, convs[0].UpdatedAt.Year())

	conv, err := c.Create(ctx, "tok")
	require.NoError(t, err)
	require.Equal(t, "c3", conv.ID)

	require.NoError(t, c.Delete(ctx, "tok", "c1"))
	require.ErrorIs(t, c.Delete(ctx, "tok", "missing"), ErrNotFound)

	msgs, err := c.Messages(ctx, "tok", "c2")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "assistant", msgs[1].Role)
}

func TestClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).List(context.Background(), "tok")
	require.ErrorContains(t, err, "503")
}
