package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(conf ClientConfig) *Client {
	if conf.Timeout == 0 {
		conf.Timeout = 2 * time.Second
	}
	return NewClient(conf, zap.NewNop().Sugar())
}

func TestDoJSONRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer t", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(ClientConfig{MaxRetries: 5})
	var out struct {
		Status string `json:"status"`
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer t")
	err := c.DoJSON(context.Background(), http.MethodPost, srv.URL, h, map[string]string{"a": "b"}, &out)

	require.NoError(t, err)
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDoJSONDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "no such chat", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(ClientConfig{MaxRetries: 5})
	err := c.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil, nil)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(ClientConfig{MaxRetries: 1, BreakerFailures: 2, BreakerTimeout: time.Minute})
	err := c.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil, nil)
	require.Error(t, err)

	err = c.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil, nil)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
