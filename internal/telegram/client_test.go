package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessageReturnsAssignedID(t *testing.T) {
	t.Parallel()

	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken-123/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"result":{"message_id":222}}`))
	}))
	defer srv.Close()

	c := NewClient("token-123", WithBaseURL(srv.URL))

	id, err := c.SendMessage(context.Background(), 555, "new bet: A vs B @1.72")
	require.NoError(t, err)
	assert.Equal(t, int64(222), id)
	assert.Equal(t, int64(555), got.ChatID)
	assert.Equal(t, "new bet: A vs B @1.72", got.Text)
	assert.Equal(t, "Markdown", got.ParseMode)
}

func TestSendMessageNon2xxIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok":false,"description":"Too Many Requests"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient("token-123", WithBaseURL(srv.URL))

	_, err := c.SendMessage(context.Background(), 555, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestSendMessageAPILevelFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	c := NewClient("token-123", WithBaseURL(srv.URL))

	_, err := c.SendMessage(context.Background(), 555, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestIsReply(t *testing.T) {
	t.Parallel()

	assert.False(t, (&Message{}).IsReply())
	assert.False(t, (&Message{ReplyTo: &Message{}}).IsReply())
	assert.True(t, (&Message{ReplyTo: &Message{MessageID: 222}}).IsReply())

	var nilMsg *Message
	assert.False(t, nilMsg.IsReply())
}
