package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/domain"
	"switchboard/internal/registry"
)

func TestNewRemoteValidatesEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "   ", "not a url", "ftp://example.com"} {
		_, err := NewRemote(RemoteConfig{Endpoint: endpoint})
		require.Error(t, err, endpoint)
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	}

	r, err := NewRemote(RemoteConfig{Endpoint: " http://agent.local:9000/ "})
	require.NoError(t, err)
	assert.Equal(t, "http://agent.local:9000", r.Endpoint())
}

func TestRemoteExecute(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/execute", req.URL.Path)
		require.Equal(t, http.MethodPost, req.Method)
		gotAuth = req.Header.Get("Authorization")
		var inv registry.Invocation
		require.NoError(t, json.NewDecoder(req.Body).Decode(&inv))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"task":"` + inv.TaskID + `"}}`))
	}))
	defer srv.Close()

	r, err := NewRemote(RemoteConfig{Endpoint: srv.URL, AuthToken: "secret"})
	require.NoError(t, err)
	out, err := r.Execute(context.Background(), registry.Invocation{TaskID: "t1", TaskType: domain.TaskTypeProcess})
	require.NoError(t, err)
	assert.JSONEq(t, `{"task":"t1"}`, string(out.Data))
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestRemoteExecuteReportedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":"disk full"}`))
	}))
	defer srv.Close()

	r, err := NewRemote(RemoteConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	_, err = r.Execute(context.Background(), registry.Invocation{TaskID: "t1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRemoteRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	r, err := NewRemote(RemoteConfig{Endpoint: srv.URL, RetryBackoff: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, r.Receive(context.Background(), domain.QueuedMessage{ID: "m1"}))
	assert.EqualValues(t, 2, calls.Load())
}

func TestRemoteDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad message", http.StatusBadRequest)
	}))
	defer srv.Close()

	r, err := NewRemote(RemoteConfig{Endpoint: srv.URL, Retries: 3, RetryBackoff: time.Millisecond})
	require.NoError(t, err)
	err = r.Receive(context.Background(), domain.QueuedMessage{ID: "m1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=400")
	assert.EqualValues(t, 1, calls.Load())
}

func TestRemoteProbe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/health", req.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r, err := NewRemote(RemoteConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	require.NoError(t, r.Probe(context.Background()))

	healthy.Store(false)
	assert.Error(t, r.Probe(context.Background()))
}
