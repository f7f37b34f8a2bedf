package entityservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.BearerToken = "test-token"
	return New(cfg), &calls
}

func TestClientGetCachesAfterFirstFetch(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{"technicalId": "abc"})
	})

	for i := 0; i < 3; i++ {
		out, err := client.Get(context.Background(), "order", 1, "abc")
		require.NoError(t, err)
		assert.Equal(t, "abc", out["technicalId"])
	}

	assert.EqualValues(t, 1, atomic.LoadInt32(calls))
}

func TestClientUpdateInvalidatesCache(t *testing.T) {
	var gotTransition string
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(map[string]any{"technicalId": "abc", "state": "new"})
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if t, ok := body["transition"]; ok {
			gotTransition = t.(string)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"technicalId": "abc", "state": "approved"})
	})

	_, err := client.Get(context.Background(), "order", 1, "abc")
	require.NoError(t, err)

	transition := "approve"
	out, err := client.Update(context.Background(), "order", 1, "abc", map[string]any{"amount": 10}, &transition)
	require.NoError(t, err)
	assert.Equal(t, "approved", out["state"])
	assert.Equal(t, "approve", gotTransition)

	out, err = client.Get(context.Background(), "order", 1, "abc")
	require.NoError(t, err)
	assert.Equal(t, "approved", out["state"])
	assert.EqualValues(t, 3, atomic.LoadInt32(calls))
}

func TestClientReturnsStatusErrorOnNon2xx(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.Get(context.Background(), "order", 1, "missing")
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestClientListTransitionsAndTrigger(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode([]string{"approve", "reject"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"state": "approved"})
		}
	})

	transitions, err := client.ListTransitions(context.Background(), "order", 1, "abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"approve", "reject"}, transitions)

	out, err := client.TriggerTransition(context.Background(), "order", 1, "abc", "approve")
	require.NoError(t, err)
	assert.Equal(t, "approved", out["state"])
}
