package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"go-chatsync/internal/models"
)

func TestFetchMessagesQueryAndDecode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/conversations/c1/messages", r.URL.Path)
		require.Equal(t, "older", r.URL.Query().Get("direction"))
		require.Equal(t, "1500", r.URL.Query().Get("timestamp"))
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(models.FetchResult{
			Messages:      []models.Message{{ID: "a", CreatedAt: 100, UpdatedAt: 100}},
			OlderBoundary: 100,
			HasMoreOlder:  true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithToken("tok"))
	res, err := c.FetchMessages(context.Background(), "c1", 1500, models.DirectionOlder, 20)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	require.Equal(t, int64(100), res.OlderBoundary)
	require.True(t, res.HasMoreOlder)
}

func TestMarkReadReturnsServerUnread(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "m9", body["messageId"])
		_ = json.NewEncoder(w).Encode(models.ReadResult{UnreadCount: 4})
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL).MarkRead(context.Background(), "c1", "m9")
	require.NoError(t, err)
	require.Equal(t, 4, res.UnreadCount)
}

func TestServerErrorIsRetryableTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).FetchMessages(context.Background(), "c1", 0, models.DirectionAround, 0)
	require.Error(t, err)
	require.True(t, IsRetryable(err))
	require.False(t, IsCanceled(err))
}

func TestCanceledContextMapsToErrCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient(srv.URL).FetchMessages(ctx, "c1", 0, models.DirectionAround, 0)
	require.Error(t, err)
	require.True(t, IsCanceled(err))
	require.False(t, IsRetryable(err))
}

func TestCreateMessageUnwrapsEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]models.Message{"message": {
			ID: "srv-1", ConversationID: "c1", Content: body["content"], CreatedAt: 100, UpdatedAt: 100,
		}})
	}))
	defer srv.Close()

	m, err := NewClient(srv.URL).CreateMessage(context.Background(), "c1", "client-1", "hi")
	require.NoError(t, err)
	require.Equal(t, "srv-1", m.ID)
	require.Equal(t, "hi", m.Content)
}
