// Package fetch provides HTTP clients for the upstream data providers: the
// hosted rate history API and the property-data API.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/yourorg/mortgage-refi-engine/internal/config"
)

// Upstream service names used to look up API keys
const (
	ServiceRateHistory  = "rate_history"
	ServicePropertyData = "property_data"
)

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.Logger = nil
	return c
}

// StandardClient converts a retryablehttp.Client to a standard http.Client
func StandardClient(retryClient *retryablehttp.Client) *http.Client {
	return retryClient.StandardClient()
}

// getAPIKey retrieves an API key for a specific service from configuration
func getAPIKey(cfg config.Config, service string) string {
	return cfg.APIKey(service)
}

// apiClient holds what every upstream client shares
type apiClient struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newAPIClient(name, baseURL, apiKey string, httpClient *http.Client) apiClient {
	if httpClient == nil {
		httpClient = StandardClient(newRetryClient())
	}
	return apiClient{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// getJSON performs a GET and decodes a 200 response into out. It returns the
// status code so callers can map 404s.
func (c apiClient) getJSON(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("error creating request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("error fetching data from %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("%s API error: status %d, body: %s", c.name, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("error decoding %s response: %w", c.name, err)
	}
	return resp.StatusCode, nil
}
