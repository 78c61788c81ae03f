package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/config"
	obslogger "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/observability/logger"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type HTTPClientParams struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

// HTTPClient talks to the provider's REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
}

func NewHTTPClient(p HTTPClientParams) Client {
	log := p.Log.Named("provider.http")
	log.Info("provider client configured",
		zap.String("base_url", p.Cfg.Provider.BaseURL),
		zap.String("api_key", obslogger.MaskAPIKey(p.Cfg.Provider.APIKey)))
	return &HTTPClient{
		baseURL: p.Cfg.Provider.BaseURL,
		apiKey:  p.Cfg.Provider.APIKey,
		http:    tracing.WrapHTTPClient(&http.Client{Timeout: p.Cfg.Provider.Timeout}),
		log:     log,
	}
}

type bulkRequest struct {
	Messages []Message `json:"messages"`
}

// SendBulk submits the batch in one call. The transport is all-or-nothing
// but the response carries per-message outcomes; partial success is the
// expected common case, not an error.
func (c *HTTPClient) SendBulk(ctx context.Context, messages []Message) (*BulkResult, error) {
	body, err := json.Marshal(bulkRequest{Messages: messages})
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("encode bulk request: %v", err), Retryable: false}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sms/bulk", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("build bulk request: %v", err), Retryable: false}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mitto-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, NewTransportError(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, NewTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewStatusError(resp.StatusCode, string(payload))
	}

	var result BulkResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, &Error{Message: fmt.Sprintf("decode bulk response: %v", err), Retryable: false}
	}
	return &result, nil
}

type statusResponse struct {
	Status string `json:"status"`
}

// GetStatus queries delivery status for a single provider message id.
func (c *HTTPClient) GetStatus(ctx context.Context, providerMessageID string) (string, error) {
	endpoint := c.baseURL + "/sms/" + url.PathEscape(providerMessageID) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", &Error{Message: fmt.Sprintf("build status request: %v", err), Retryable: false}
	}
	req.Header.Set("X-Mitto-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", NewTransportError(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", NewTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", NewStatusError(resp.StatusCode, string(payload))
	}

	var result statusResponse
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", &Error{Message: fmt.Sprintf("decode status response: %v", err), Retryable: false}
	}
	return result.Status, nil
}
