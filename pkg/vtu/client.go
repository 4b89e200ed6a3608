package vtu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kobopay/kobopay-backend/pkg/config"
	"github.com/kobopay/kobopay-backend/pkg/enums"
	pkgerrors "github.com/kobopay/kobopay-backend/pkg/errors"
	"github.com/kobopay/kobopay-backend/pkg/logger"
	"github.com/kobopay/kobopay-backend/pkg/paystack"
)

var errBaseURLRequired = errors.New("vtu base url is required")

// OrderParams describe one fulfilment order.
type OrderParams struct {
	RequestID  string
	ServiceID  string
	Recipient  string
	AmountKobo int64
}

// OrderResult is the normalized provider answer. The provider's raw response
// shapes never leave this package.
type OrderResult struct {
	Status   enums.ProviderStatus
	OrderRef string
}

// Client is the HTTP adapter for the VTU fulfilment API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logg       *logger.Logger
}

// NewClient initializes the VTU adapter.
func NewClient(cfg config.VTUConfig, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errors.New("vtu logger is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errBaseURLRequired
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		logg:       logg,
	}, nil
}

type orderResponse struct {
	Status     string          `json:"status"`
	OrderRef   string          `json:"order_ref"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
	Message    string          `json:"message"`
}

// SubmitOrder submits one order. The provider quotes amounts in naira; they
// are checked against the requested kobo before the result is accepted.
func (c *Client) SubmitOrder(ctx context.Context, params OrderParams) (*OrderResult, error) {
	body := map[string]any{
		"request_id": params.RequestID,
		"service_id": params.ServiceID,
		"recipient":  params.Recipient,
		"amount":     paystack.NairaFromKobo(params.AmountKobo),
	}
	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/orders", body, &resp); err != nil {
		return nil, err
	}
	if !resp.AmountPaid.IsZero() {
		paid, err := paystack.KoboFromNaira(resp.AmountPaid)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "provider quoted bad amount")
		}
		if paid != params.AmountKobo {
			return nil, pkgerrors.New(pkgerrors.CodeDependency, "provider amount mismatch").
				WithDetails(map[string]any{"requested_kobo": params.AmountKobo, "paid_kobo": paid})
		}
	}
	return &OrderResult{
		Status:   normalizeStatus(resp.Status),
		OrderRef: resp.OrderRef,
	}, nil
}

// QueryOrder reports the current status of a previously submitted order.
func (c *Client) QueryOrder(ctx context.Context, requestID string) (*OrderResult, error) {
	var resp orderResponse
	if err := c.do(ctx, http.MethodGet, "/orders/"+requestID, nil, &resp); err != nil {
		return nil, err
	}
	return &OrderResult{
		Status:   normalizeStatus(resp.Status),
		OrderRef: resp.OrderRef,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "vtu request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read vtu response")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		c.logg.Warn(c.logg.WithField(ctx, "http_status", resp.StatusCode), "vtu call rejected")
		return pkgerrors.New(pkgerrors.CodeDependency, "vtu provider rejected the request")
	}
	if dest != nil {
		if err := json.Unmarshal(raw, dest); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode vtu response")
		}
	}
	return nil
}

func normalizeStatus(raw string) enums.ProviderStatus {
	switch strings.ToLower(raw) {
	case "success", "delivered", "completed":
		return enums.ProviderStatusSuccess
	case "failed", "refunded", "cancelled":
		return enums.ProviderStatusFailed
	default:
		return enums.ProviderStatusProcessing
	}
}
