package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/mortgage-refi-engine/internal/config"
	"github.com/yourorg/mortgage-refi-engine/internal/model"
)

// ErrPropertyNotFound is returned when the provider has no sale on record
var ErrPropertyNotFound = errors.New("property not found")

// PropertyClient reads last-sale facts from the property-data provider
type PropertyClient struct {
	api apiClient
}

// NewPropertyClient creates a client from configuration
func NewPropertyClient(cfg config.Config) (*PropertyClient, error) {
	if cfg.PropertyDataURL == "" {
		return nil, errors.New("PROPERTY_DATA_URL is not configured")
	}
	return NewPropertyClientWithHTTP(cfg.PropertyDataURL, getAPIKey(cfg, ServicePropertyData), nil), nil
}

// NewPropertyClientWithHTTP creates a client with an explicit HTTP client
func NewPropertyClientWithHTTP(baseURL, apiKey string, httpClient *http.Client) *PropertyClient {
	return &PropertyClient{api: newAPIClient("property data", baseURL, apiKey, httpClient)}
}

// SaleFacts returns what the provider knows about the last sale of a property
func (c *PropertyClient) SaleFacts(ctx context.Context, propertyID string) (model.SaleFacts, error) {
	if propertyID == "" {
		return model.SaleFacts{}, errors.New("property id is required")
	}

	var facts model.SaleFacts
	status, err := c.api.getJSON(ctx, "/v1/properties/"+url.PathEscape(propertyID)+"/sale", &facts)
	if err != nil {
		return model.SaleFacts{}, err
	}
	if status == http.StatusNotFound {
		return model.SaleFacts{}, fmt.Errorf("%w: %s", ErrPropertyNotFound, propertyID)
	}
	if !facts.SaleDate.IsValid() {
		return model.SaleFacts{}, fmt.Errorf("property data for %s has no valid sale date", propertyID)
	}
	if facts.PropertyID == "" {
		facts.PropertyID = propertyID
	}

	logrus.WithFields(logrus.Fields{
		"property_id": propertyID,
		"sale_date":   facts.SaleDate.String(),
	}).Debug("Received sale facts")
	return facts, nil
}
