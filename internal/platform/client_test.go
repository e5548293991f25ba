package platform

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

func TestSubmitReturnsRef(t *testing.T) {
	var gotAuth string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/deployments", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"ref": "ext-42"})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second)
	ref, err := c.Submit(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "ext-42", ref)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "proj-1", gotBody["project_id"])
}

func TestSubmitRejectsEmptyRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", time.Second).Submit(context.Background(), "proj-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty ref")
}

func TestSubmitNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", time.Second).Submit(context.Background(), "proj-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestGetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/deployments/ext-42", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Status{State: StateSuccess, Log: "done"})
	}))
	defer srv.Close()

	st, err := New(srv.URL, "", time.Second).GetStatus(context.Background(), "ext-42")
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, st.State)
	assert.Equal(t, "done", st.Log)
	assert.True(t, st.Terminal())
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, Status{State: StateInProgress}.Terminal())
	assert.True(t, Status{State: StateSuccess}.Terminal())
	assert.True(t, Status{State: StateFailure}.Terminal())
}
