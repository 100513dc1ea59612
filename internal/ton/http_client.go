package ton

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HTTPClient implements Client against a toncenter-style HTTP API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates a TON client for the given API endpoint.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type txResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		Hash          string `json:"hash"`
		Confirmations int    `json:"confirmations"`
		Aborted       bool   `json:"aborted"`
		ExitCode      *int   `json:"exit_code"`
		Amount        string `json:"amount"`
	} `json:"result"`
	Error string `json:"error"`
}

// GetTransactionState implements Client.
func (c *HTTPClient) GetTransactionState(ctx context.Context, txRef string, minConfirmations int) (*TxState, error) {
	state, err := c.GetTransaction(ctx, txRef)
	if err != nil {
		return nil, err
	}
	if state.Status == TxStatusConfirmed && state.Confirmations < minConfirmations {
		state.Status = TxStatusPending
	}
	return state, nil
}

// GetTransaction implements Client.
func (c *HTTPClient) GetTransaction(ctx context.Context, txRef string) (*TxState, error) {
	var out txResponse
	if err := c.get(ctx, "/getTransaction", map[string]string{"hash": txRef}, &out); err != nil {
		return nil, err
	}
	if !out.OK {
		return nil, fmt.Errorf("ton: getTransaction failed: %s", out.Error)
	}

	state := &TxState{
		Hash:          out.Result.Hash,
		Confirmations: out.Result.Confirmations,
	}
	if out.Result.Amount != "" {
		amount, err := decimal.NewFromString(out.Result.Amount)
		if err != nil {
			return nil, fmt.Errorf("ton: invalid amount %q: %w", out.Result.Amount, err)
		}
		state.Amount = amount
	}
	switch {
	case out.Result.Aborted:
		state.Status = TxStatusFailed
		state.ExitCode = out.Result.ExitCode
	case out.Result.Confirmations > 0:
		state.Status = TxStatusConfirmed
	default:
		state.Status = TxStatusPending
	}
	return state, nil
}

// SendTransfer implements Client.
func (c *HTTPClient) SendTransfer(ctx context.Context, toAddress string, amount decimal.Decimal, memo string) (string, error) {
	if !ValidateAddress(toAddress) {
		return "", fmt.Errorf("ton: invalid destination address %q", toAddress)
	}

	payload := map[string]interface{}{
		"destination": toAddress,
		"amount":      amount.String(),
		"comment":     memo,
	}
	var out struct {
		OK     bool `json:"ok"`
		Result struct {
			Hash string `json:"hash"`
		} `json:"result"`
		Error string `json:"error"`
	}
	if err := c.post(ctx, "/sendTransfer", payload, &out); err != nil {
		return "", err
	}
	if !out.OK || out.Result.Hash == "" {
		return "", fmt.Errorf("ton: sendTransfer failed: %s", out.Error)
	}

	c.logger.Info("ton transfer broadcast",
		zap.String("to", toAddress),
		zap.String("amount", amount.String()),
		zap.String("tx", out.Result.Hash))
	return out.Result.Hash, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	return c.do(req, out)
}

func (c *HTTPClient) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out interface{}) error {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ton: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ton: status %d from %s", resp.StatusCode, req.URL.Path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
