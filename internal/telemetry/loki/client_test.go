package loki

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushEventJSON_PromotesLabels(t *testing.T) {
	var got PushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/push", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/", nil)
	require.NoError(t, err)
	raw := []byte(`{"eventType":"timer_started","source":"bridge","createdAt":"2025-03-01T09:00:00Z"}`)
	require.NoError(t, c.PushEventJSON(context.Background(), raw))

	require.Len(t, got.Streams, 1)
	s := got.Streams[0]
	assert.Equal(t, "timepulse", s.Stream["job"])
	assert.Equal(t, "timer_started", s.Stream["event_type"])
	assert.Equal(t, "bridge", s.Stream["source"])
	require.Len(t, s.Values, 1)
	assert.Equal(t, "1740819600000000000", s.Values[0][0])
	assert.Equal(t, string(raw), s.Values[0][1])
}

func TestPushEvent_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, srv.Client())
	require.NoError(t, err)
	assert.Error(t, c.PushEventJSON(context.Background(), []byte("not json")))
}

func TestNewClient_EmptyURL(t *testing.T) {
	_, err := NewClient(" ", nil)
	assert.Error(t, err)
}
