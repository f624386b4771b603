package assistant

import (
	"context"

	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

// FallbackClient tries primary and, when it fails, the fallback provider.
type FallbackClient struct {
	primary  LLMClient
	fallback LLMClient
	logger   *logging.Logger
}

// NewFallbackClient wraps primary; a nil fallback makes it a passthrough.
func NewFallbackClient(primary, fallback LLMClient, logger *logging.Logger) *FallbackClient {
	if logger == nil {
		logger = logging.Default()
	}
	return &FallbackClient{primary: primary, fallback: fallback, logger: logger}
}

func (c *FallbackClient) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	resp, err := c.primary.Complete(ctx, req)
	if err == nil {
		return resp, nil
	}
	c.logger.Warn("primary LLM failed, attempting fallback",
		"error", err,
		"fallback_available", c.fallback != nil,
	)
	// Out of time: the fallback would fail the same way.
	if c.fallback == nil || ctx.Err() != nil {
		return LLMResponse{}, err
	}

	resp, fallbackErr := c.fallback.Complete(ctx, req)
	if fallbackErr != nil {
		c.logger.Error("fallback LLM also failed",
			"primary_error", err,
			"fallback_error", fallbackErr,
		)
		return LLMResponse{}, fallbackErr
	}
	c.logger.Info("fallback LLM succeeded after primary failure")
	return resp, nil
}
