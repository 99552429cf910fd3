package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ktex/exchange-engine/internal/price"
)

// Client fetches prices from a remote oracle service:
//
//	GET {baseURL}/prices/{assetID} -> price.Data
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an HTTP price source. A non-positive timeout defaults
// to ten seconds.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) GetExchangePrice(ctx context.Context, assetID string) (price.Data, error) {
	endpoint := c.baseURL + "/prices/" + url.PathEscape(assetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return price.Data{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return price.Data{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return price.Data{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		// The oracle knows nothing about the asset: a missing price.
		return price.Data{AssetID: assetID, Expiration: time.Now().Add(time.Minute)}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return price.Data{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var data price.Data
	if err := json.Unmarshal(body, &data); err != nil {
		return price.Data{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if data.AssetID == "" {
		data.AssetID = assetID
	}
	return data, nil
}
