package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magpie/internal/config"
	"magpie/internal/logger"
	pkgerrors "magpie/pkg/errors"
	"magpie/pkg/retry"
)

func newClientFor(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return NewClient(config.ProviderConfig{BaseURL: srv.URL, Timeout: time.Second}, logger.NopLogger())
}

func TestClient_ProcessSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/content_scrape", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items": 5}`))
	}))
	defer srv.Close()

	client := newClientFor(t, srv)
	result, err := client.Process(context.Background(), "content_scrape", map[string]interface{}{"content_url": "u"})
	require.NoError(t, err)
	assert.Equal(t, float64(5), result["items"])
}

func TestClient_ProcessStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{name: "server error is transient", status: http.StatusInternalServerError, retryable: true},
		{name: "bad gateway is transient", status: http.StatusBadGateway, retryable: true},
		{name: "throttling is transient", status: http.StatusTooManyRequests, retryable: true},
		{name: "validation rejection is permanent", status: http.StatusUnprocessableEntity, retryable: false},
		{name: "not found is permanent", status: http.StatusNotFound, retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			client := newClientFor(t, srv)
			_, err := client.Process(context.Background(), "content_scrape", nil)
			require.Error(t, err)
			assert.Equal(t, tt.retryable, retry.IsRetryable(err))
		})
	}
}

func TestClient_ProcessConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := newClientFor(t, srv)
	_, err := client.Process(context.Background(), "content_scrape", nil)
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrProviderTransient))
	assert.True(t, retry.IsRetryable(err))
}
