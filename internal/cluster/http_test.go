package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPostJSON tests posting JSON to a peer
func TestPostJSON(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverBody     string
		requestBody    any
		responseBody   any
		expectError    bool
		wantStatus     int
		contextTimeout bool
	}{
		{
			name:           "successful POST with response",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			responseBody:   &map[string]string{},
		},
		{
			name:           "successful POST without response body",
			serverResponse: http.StatusNoContent,
			requestBody:    map[string]string{"test": "data"},
			responseBody:   &map[string]string{},
		},
		{
			name:           "forbidden response",
			serverResponse: http.StatusForbidden,
			serverBody:     `{"error":"forbidden"}`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
			wantStatus:     http.StatusForbidden,
		},
		{
			name:           "server error response",
			serverResponse: http.StatusInternalServerError,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
			wantStatus:     http.StatusInternalServerError,
		},
		{
			name:           "context timeout",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
			contextTimeout: true,
		},
		{
			name:           "unmarshalable request body",
			serverResponse: http.StatusOK,
			requestBody:    make(chan int),
			expectError:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				if tt.contextTimeout {
					time.Sleep(100 * time.Millisecond)
				}
				w.WriteHeader(tt.serverResponse)
				if tt.serverBody != "" {
					_, _ = w.Write([]byte(tt.serverBody))
				}
			}))
			defer server.Close()

			ctx := context.Background()
			if tt.contextTimeout {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Millisecond)
				defer cancel()
			}

			err := PostJSON(ctx, server.URL, tt.requestBody, tt.responseBody)
			if !tt.expectError {
				require.NoError(t, err)
				if tt.serverBody != "" {
					assert.Equal(t, "ok", (*tt.responseBody.(*map[string]string))["status"])
				}
				return
			}

			require.Error(t, err)
			if tt.wantStatus != 0 {
				var statusErr *StatusError
				require.True(t, errors.As(err, &statusErr), "error %v is not a StatusError", err)
				assert.Equal(t, tt.wantStatus, statusErr.StatusCode)
			}
		})
	}
}

// TestGetJSON tests fetching JSON with request options
func TestGetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"node":    "n1",
			"healthy": true,
		})
	}))
	defer server.Close()

	t.Run("with bearer", func(t *testing.T) {
		var out struct {
			Node    string `json:"node"`
			Healthy bool   `json:"healthy"`
		}
		err := GetJSON(context.Background(), server.URL, &out, WithBearer("secret"))
		require.NoError(t, err)
		assert.Equal(t, "n1", out.Node)
		assert.True(t, out.Healthy)
	})

	t.Run("missing token", func(t *testing.T) {
		var out map[string]any
		err := GetJSON(context.Background(), server.URL, &out)
		var statusErr *StatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	})

	t.Run("invalid url", func(t *testing.T) {
		var out map[string]any
		assert.Error(t, GetJSON(context.Background(), "://invalid-url", &out))
	})
}

// TestPutJSON tests the PUT variant
func TestPutJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var in map[string]bool
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]bool{"enabled": in["enabled"]})
	}))
	defer server.Close()

	var out map[string]bool
	require.NoError(t, PutJSON(context.Background(), server.URL, map[string]bool{"enabled": true}, &out))
	assert.True(t, out["enabled"])
}
