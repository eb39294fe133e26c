package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/corepay/payhub/internal/config"
)

// WalletInitResult mirrors the billing service's wallet/init response.
type WalletInitResult struct {
	WalletID string `json:"walletId"`
	UserID   string `json:"userId"`
	Balance  string `json:"balance"`
}

// BillingClient is the saga's view of the billing service. The client
// enforces the timeout; it never retries — retrying is the saga's call.
type BillingClient interface {
	InitWallet(ctx context.Context, userID string) (*WalletInitResult, error)
}

// HTTPBillingClient calls the billing service over HTTP.
type HTTPBillingClient struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.SugaredLogger
}

// NewHTTPBillingClient builds a client with the configured timeout.
func NewHTTPBillingClient(cfg config.BillingClient, logger *zap.SugaredLogger) *HTTPBillingClient {
	return &HTTPBillingClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        logger,
	}
}

// InitWallet provisions a wallet for userID. Network errors and timeouts
// surface as ErrUpstreamUnavailable; a non-2xx reply is reported with its
// status so the caller can tell remote validation failures apart in logs.
func (c *HTTPBillingClient) InitWallet(ctx context.Context, userID string) (*WalletInitResult, error) {
	payload, err := json.Marshal(map[string]string{"userId": userID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/wallet/init", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Errorw("wallet init request failed", "user_id", userID, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Errorw("wallet init rejected", "user_id", userID, "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: wallet init returned %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	var out WalletInitResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode wallet init response: %v", ErrUpstreamUnavailable, err)
	}
	return &out, nil
}
