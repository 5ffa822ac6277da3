package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"avatarlink/internal/core/domain"
	"avatarlink/pkg/circuitbreaker"
	"avatarlink/pkg/errors"
	"avatarlink/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(Options{
		BaseURL:        srv.URL + "/api",
		APIKey:         "secret",
		Timeout:        time.Second,
		Retry:          retry.Fixed(2, time.Millisecond),
		CircuitBreaker: circuitbreaker.DefaultConfig(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewClient_RejectsBadBaseURL(t *testing.T) {
	_, err := NewClient(Options{BaseURL: "not a url"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfiguration))
}

func TestCreateSession(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/session/new", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))

		var opts domain.SessionOptions
		require.NoError(t, json.NewDecoder(r.Body).Decode(&opts))
		assert.Equal(t, "av-1", opts.AvatarID)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"_id": "s-1",
				"credentials": map[string]any{
					"livekit_url":          "wss://lk.example.com",
					"livekit_client_token": "a.b.c",
					"livekit_room":         "room-1",
				},
			},
		})
	}))

	s, err := c.CreateSession(context.Background(), domain.SessionOptions{AvatarID: "av-1", StreamType: domain.ProviderLiveKit})
	require.NoError(t, err)
	assert.Equal(t, "s-1", s.ID)
	assert.Equal(t, domain.ProviderLiveKit, s.StreamType)
	assert.Equal(t, "room-1", s.Credentials.LiveKitRoom)
}

func TestCreateSession_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad avatar", http.StatusBadRequest)
	}))

	_, err := c.CreateSession(context.Background(), domain.SessionOptions{AvatarID: "x"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	se := errors.GetStreamingError(err)
	require.NotNil(t, se)
	assert.Equal(t, errors.ErrCodeInvalidParameter, se.Code)
	status, _ := se.Detail("status")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCreateSession_ServerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"_id":"s-2","stream_type":"agora"}}`))
	}))

	s, err := c.CreateSession(context.Background(), domain.SessionOptions{AvatarID: "x"})
	require.NoError(t, err)
	assert.Equal(t, "s-2", s.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCloseSession_NotFoundIsIgnored(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	assert.NoError(t, c.CloseSession(context.Background(), "gone"))
}

func TestListAvatars_Cached(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/avatar/list", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[{"_id":"a1","name":"Ada"}]}`))
	}))

	for range 3 {
		avatars, err := c.ListAvatars(context.Background())
		require.NoError(t, err)
		require.Len(t, avatars, 1)
		assert.Equal(t, "Ada", avatars[0].Name)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestListVoicesAndLanguages(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/voice/list":
			_, _ = w.Write([]byte(`{"data":[{"_id":"v1","name":"Nova","language":"en"}]}`))
		case "/api/language/list":
			_, _ = w.Write([]byte(`{"data":[{"code":"en","name":"English"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	voices, err := c.ListVoices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Nova", voices[0].Name)

	langs, err := c.ListLanguages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "en", langs[0].Code)
}

func TestUnauthorizedMapsToAuthenticationFailed(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.ListLanguages(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodeAuthenticationFailed))
}
