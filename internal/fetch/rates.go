package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"cloud.google.com/go/civil"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/mortgage-refi-engine/internal/config"
	"github.com/yourorg/mortgage-refi-engine/internal/model"
)

// RateHistoryClient reads rate observations from the hosted rate history API:
//
//	GET {base}/v1/rates/{index}/latest?on=YYYY-MM-DD
//
// answers 200 with {"date": "...", "value": 6.1} or 404 when nothing is on
// or before the date.
type RateHistoryClient struct {
	api apiClient
}

// NewRateHistoryClient creates a client from configuration
func NewRateHistoryClient(cfg config.Config) (*RateHistoryClient, error) {
	if cfg.RateHistoryURL == "" {
		return nil, errors.New("RATE_HISTORY_URL is required for the http rate history backend")
	}
	return NewRateHistoryClientWithHTTP(cfg.RateHistoryURL, getAPIKey(cfg, ServiceRateHistory), nil), nil
}

// NewRateHistoryClientWithHTTP creates a client with an explicit HTTP client.
// A nil client uses the default retrying client.
func NewRateHistoryClientWithHTTP(baseURL, apiKey string, httpClient *http.Client) *RateHistoryClient {
	return &RateHistoryClient{api: newAPIClient("rate history", baseURL, apiKey, httpClient)}
}

// LatestAtOrBefore implements ratehistory.Lookup
func (c *RateHistoryClient) LatestAtOrBefore(ctx context.Context, index string, date civil.Date) (model.RatePoint, bool, error) {
	path := fmt.Sprintf("/v1/rates/%s/latest?on=%s", url.PathEscape(index), url.QueryEscape(date.String()))

	var response struct {
		Date  string  `json:"date"`
		Value float64 `json:"value"`
	}
	status, err := c.api.getJSON(ctx, path, &response)
	if err != nil {
		return model.RatePoint{}, false, err
	}
	if status == http.StatusNotFound {
		logrus.Debugf("No %s observation on or before %s", index, date)
		return model.RatePoint{}, false, nil
	}

	observed, err := civil.ParseDate(response.Date)
	if err != nil {
		return model.RatePoint{}, false, fmt.Errorf("invalid observation date %q: %w", response.Date, err)
	}

	logrus.Debugf("Received %s observation for %s from rate history API", index, observed)
	return model.RatePoint{Date: observed, Value: response.Value}, true, nil
}
