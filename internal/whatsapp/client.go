package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/clinic-inbox/internal/retry"
	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 64 << 10
)

// apiClient posts JSON to a gateway and applies the retry policy.
type apiClient struct {
	provider   string
	baseURL    string
	authHeader string
	authValue  string
	httpClient *http.Client
	policy     retry.Policy
	logger     *logging.Logger
}

func newAPIClient(provider, baseURL, authHeader, authValue string, httpClient *http.Client, policy retry.Policy, logger *logging.Logger) *apiClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if logger == nil {
		logger = logging.Default()
	}
	if policy.Logger == nil {
		policy.Logger = logger
	}
	return &apiClient{
		provider:   provider,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		authHeader: authHeader,
		authValue:  authValue,
		httpClient: httpClient,
		policy:     policy,
		logger:     logger,
	}
}

// post sends payload to path. A 2xx body is decoded into out when out is
// non-nil; decode failures are logged, not returned, because the message
// was already accepted.
func (c *apiClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("whatsapp: marshal %s payload: %w", c.provider, err)
	}
	url := c.baseURL + "/" + strings.TrimLeft(path, "/")

	return c.policy.Do(ctx, c.provider+" "+path, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(fmt.Errorf("whatsapp: build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(c.authHeader, c.authValue)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &ProviderError{Provider: c.provider, Err: err}
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return &ProviderError{Provider: c.provider, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
		}
		if err := classify(c.provider, resp.StatusCode, data); err != nil {
			if IsPermanent(err) {
				return retry.Permanent(err)
			}
			return err
		}
		if out != nil && len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				c.logger.Warn("unparseable provider response",
					"provider", c.provider,
					"path", path,
					"attempt", attempt+1,
					"error", err,
				)
			}
		}
		return nil
	})
}
