package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, AlreadyExists, classifyStatus(http.StatusConflict))
	assert.Equal(t, Retryable, classifyStatus(http.StatusTooManyRequests))
	assert.Equal(t, Retryable, classifyStatus(http.StatusServiceUnavailable))
	assert.Equal(t, Fatal, classifyStatus(http.StatusBadRequest))
	assert.Equal(t, Fatal, classifyStatus(http.StatusNotFound))
}

func TestHTTPClient_RetriesRetryableAndSucceeds(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := NewHTTPClient(ClientConfig{
		BaseURL:    server.URL,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}, zap.NewNop())

	var result map[string]bool
	err := client.Do(context.Background(), "GET", "/", "", nil, &result)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, result["ok"])
}

func TestHTTPClient_DoesNotRetryFatal(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad domain"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(ClientConfig{
		BaseURL:    server.URL,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}, zap.NewNop())

	err := client.Do(context.Background(), "GET", "/", "", nil, nil)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	adapterErr, ok := err.(*AdapterError)
	require.True(t, ok)
	assert.Equal(t, Fatal, adapterErr.Kind)
}

func TestHTTPClient_ConflictIsAlreadyExists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"account already exists","error_code":"ACCOUNT_EXISTS"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(ClientConfig{BaseURL: server.URL, MaxRetries: 1, RetryDelay: time.Millisecond}, zap.NewNop())

	err := client.Do(context.Background(), "POST", "/accounts", "", map[string]string{"username": "acme"}, nil)
	require.Error(t, err)

	adapterErr, ok := err.(*AdapterError)
	require.True(t, ok)
	assert.Equal(t, AlreadyExists, adapterErr.Kind)
	assert.Equal(t, "ACCOUNT_EXISTS", adapterErr.ErrorCode)
}

func TestHTTPClient_DoAsOverridesBearerToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(ClientConfig{BaseURL: server.URL, Token: "client-token", MaxRetries: 0}, zap.NewNop())

	err := client.DoAs(context.Background(), "GET", "/", "per-server-token", "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer per-server-token", gotAuth)
}

func TestHTTPClient_DoUsesClientToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(ClientConfig{BaseURL: server.URL, Token: "client-token", MaxRetries: 0}, zap.NewNop())

	err := client.Do(context.Background(), "GET", "/", "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer client-token", gotAuth)
}
