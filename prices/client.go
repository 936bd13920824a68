package prices

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const defaultUserAgent = "heat-capacitor/1.0"

// APIError is returned when the price API answers with a non-200 status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// APIClient downloads ENTSO-E market documents.
type APIClient struct {
	httpClient *http.Client
	userAgent  string
}

// NewAPIClient creates a new ENTSO-E API client with default settings
func NewAPIClient(timeout time.Duration) *APIClient {
	return &APIClient{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  defaultUserAgent,
	}
}

// SetUserAgent sets a custom user agent for the API client
func (c *APIClient) SetUserAgent(userAgent string) {
	c.userAgent = userAgent
}

// Download fetches and decodes one market document.
func (c *APIClient) Download(ctx context.Context, apiURL string) (*MarketDocument, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("API URL cannot be empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/xml, text/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	}

	doc, err := DecodeEnergyPricesXML(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode XML response: %w", err)
	}
	return doc, nil
}

// DownloadDayAhead fetches the document for the day of now. Day-ahead prices
// for tomorrow are published around noon, so from 13:00 on the next day is
// fetched as well and merged.
func (c *APIClient) DownloadDayAhead(ctx context.Context, securityToken, urlFormat string, now time.Time) (*MarketDocument, error) {
	doc, err := c.Download(ctx, BuildURL(securityToken, urlFormat, now))
	if err != nil {
		return nil, err
	}

	if now.Hour() >= 13 {
		next, err := c.Download(ctx, BuildURL(securityToken, urlFormat, now.AddDate(0, 0, 1)))
		if err != nil {
			return nil, fmt.Errorf("failed to download next day prices: %w", err)
		}
		doc = Merge(doc, next)
	}
	return doc, nil
}

// BuildURL fills urlFormat with the UTC period start, period end and token
// for the local day containing day.
func BuildURL(securityToken, urlFormat string, day time.Time) string {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return fmt.Sprintf(urlFormat, utcString(start), utcString(start.AddDate(0, 0, 1)), securityToken)
}

// utcString formats t in the ENTSO-E API format YYYYMMDDHHmm.
func utcString(t time.Time) string {
	return t.UTC().Format("200601021504")
}
