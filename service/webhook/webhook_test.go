package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPPost(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	svc := NewHTTP(config.NewFromMap(map[string]string{"WEBHOOK_URL": srv.URL}))
	require.NoError(t, svc.Post(context.Background(), map[string]interface{}{"pipeline": "lobby"}))
	assert.Equal(t, "lobby", got["pipeline"])
}

func TestHTTPPostFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := NewHTTP(config.NewFromMap(map[string]string{"WEBHOOK_URL": srv.URL}))
	assert.Error(t, svc.Post(context.Background(), "x"))

	svc = NewHTTP(config.NewFromMap(map[string]string{}))
	assert.Error(t, svc.Post(context.Background(), "x"))
}

func TestFake(t *testing.T) {
	svc := NewFake()
	require.NoError(t, svc.Post(context.Background(), 1))
	svc.Err = errors.New("down")
	assert.Error(t, svc.Post(context.Background(), 2))
	assert.Equal(t, []interface{}{1}, svc.Payloads())
}
