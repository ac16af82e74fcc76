package classifiers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/triage-ai/guardclaw/internal/engine"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 1 << 20

// HTTPClassifier posts a ScoreRequest as JSON to an endpoint and expects a
// score object back, possibly embedded in free text.
type HTTPClassifier struct {
	endpoint string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewHTTPClassifier creates an HTTP classifier. apiKey is sent as a bearer
// token when non-empty.
func NewHTTPClassifier(endpoint, apiKey string, limiter *rate.Limiter, logger *zap.Logger) *HTTPClassifier {
	logger.Info("http classifier configured", zap.String("endpoint", endpoint))
	return &HTTPClassifier{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: httpClientTimeout},
		limiter:  limiter,
		logger:   logger,
	}
}

func (c *HTTPClassifier) Name() string { return "http" }

func (c *HTTPClassifier) Score(ctx context.Context, req *engine.ScoreRequest) (*engine.ScoreResult, error) {
	if !c.limiter.Allow() {
		return nil, engine.NewClassifierError(c.Name(), engine.ErrKindRateLimited, fmt.Errorf("outbound budget exhausted"))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, engine.NewClassifierError(c.Name(), engine.ErrKindUnavailable, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, engine.NewClassifierError(c.Name(), engine.ErrKindUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, engine.NewClassifierError(c.Name(), engine.ErrKindUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, engine.NewClassifierError(c.Name(), engine.ErrKindUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, engine.NewClassifierError(c.Name(), engine.ErrKindRateLimited,
			fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, engine.NewClassifierError(c.Name(), engine.ErrKindUnavailable,
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(respBody), 200)))
	}

	return parseScore(c.Name(), respBody)
}
