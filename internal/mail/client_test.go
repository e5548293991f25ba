package mail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendPostsMessage(t *testing.T) {
	var got Message
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/send", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", time.Second)
	err := c.Send(context.Background(), Message{
		From:    "noreply@console.local",
		To:      "dev@example.com",
		Subject: "hello",
		Body:    "world",
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer key", gotAuth)
	assert.Equal(t, "dev@example.com", got.To)
	assert.Equal(t, "hello", got.Subject)
}

func TestSendNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(srv.URL, "", time.Second).Send(context.Background(), Message{To: "dev@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
