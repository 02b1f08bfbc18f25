package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client submits decoded slip codes to the verification gateway.
type Client struct {
	baseURL    string
	token      string
	scannerID  string
	httpClient *http.Client
}

var _ Submitter = (*Client)(nil)

// ClientOption configures the gateway client.
type ClientOption func(*Client)

// WithGatewayHTTPClient overrides the HTTP client used for submissions.
func WithGatewayHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient builds a gateway client presenting the given bearer token and
// scanner identifier on every submission.
func NewClient(baseURL, token, scannerID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		scannerID:  scannerID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type submitRequest struct {
	ScannerID string `json:"scannerId"`
}

type submitResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Slip    *struct {
		Code   string     `json:"code"`
		UsedAt *time.Time `json:"usedAt"`
	} `json:"slip"`
	UsedAt *time.Time `json:"usedAt"`
}

// Submit posts one decoded payload. Transport faults come back as errors;
// everything the gateway decided — success or structured rejection — is a
// Receipt.
func (c *Client) Submit(ctx context.Context, slipCode string) (Receipt, error) {
	body, err := json.Marshal(submitRequest{ScannerID: c.scannerID})
	if err != nil {
		return Receipt{}, err
	}

	endpoint := c.baseURL + "/queue/verify/" + url.PathEscape(slipCode)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()

	var payload submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Receipt{}, fmt.Errorf("decode gateway response: %w", err)
	}

	receipt := Receipt{
		HTTPStatus: resp.StatusCode,
		Code:       payload.Code,
		Message:    payload.Message,
		UsedAt:     payload.UsedAt,
	}
	if payload.Slip != nil {
		receipt.SlipCode = payload.Slip.Code
		receipt.UsedAt = payload.Slip.UsedAt
	}
	return receipt, nil
}
