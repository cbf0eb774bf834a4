package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"magpie/internal/config"
	"magpie/internal/logger"
	pkgerrors "magpie/pkg/errors"
	"magpie/pkg/retry"
)

// Client calls one external processing provider over HTTP. Transport
// failures and 5xx responses surface as transient errors, other 4xx as
// permanent, so the executor's classification does the right thing
// without knowing anything about HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     logger.Logger
}

func NewClient(cfg config.ProviderConfig, log logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		logger:     log,
	}
}

// Process submits the job payload and returns the provider's result
// document.
func (c *Client) Process(ctx context.Context, jobType string, payload map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, pkgerrors.ErrProviderPermanent.WithCause(fmt.Errorf("failed to marshal payload: %w", err))
	}

	url := c.baseURL + "/" + jobType
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, pkgerrors.ErrProviderPermanent.WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pkgerrors.ErrProviderTransient.WithCause(err)
	}
	defer resp.Body.Close()

	if appErr := retry.ClassifyStatus(resp.StatusCode); appErr != nil {
		c.logger.WarnwCtx(ctx, "Provider returned error status",
			"status", resp.StatusCode,
			"job_type", jobType,
			"url", url,
		)
		return nil, appErr
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, pkgerrors.ErrProviderTransient.WithCause(fmt.Errorf("failed to decode provider response: %w", err))
	}
	return result, nil
}
