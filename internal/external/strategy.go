package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kjannette/trahn-marketdata/internal/httputil"
	"github.com/kjannette/trahn-marketdata/internal/models"
)

// StrategyClient invokes signal calculation on the strategy service.
type StrategyClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      httputil.RetryConfig
}

func NewStrategyClient(baseURL, apiKey string) *StrategyClient {
	return &StrategyClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		retry: httputil.RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   2 * time.Second,
			MaxDelay:    5 * time.Second,
		},
	}
}

// CalculateForSetup runs the signal calculation for one strategy setup.
func (c *StrategyClient) CalculateForSetup(ctx context.Context, setupID string) (*models.SignalSummary, error) {
	endpoint := fmt.Sprintf("%s/setups/%s/calculate", c.baseURL, url.PathEscape(setupID))

	resp, err := httputil.Do(ctx, c.httpClient, c.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
		if err != nil {
			return nil, err
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("strategy calculate %s: %w", setupID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("strategy service returned status %d for setup %s", resp.StatusCode, setupID)
	}

	var data struct {
		TotalSignals int `json:"totalSignals"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &models.SignalSummary{SetupID: setupID, TotalSignals: data.TotalSignals}, nil
}
