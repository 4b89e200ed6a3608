package paystack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kobopay/kobopay-backend/pkg/config"
	"github.com/kobopay/kobopay-backend/pkg/enums"
	pkgerrors "github.com/kobopay/kobopay-backend/pkg/errors"
	"github.com/kobopay/kobopay-backend/pkg/logger"
)

var (
	errSecretKeyRequired = errors.New("paystack secret key is required")
	errLoggerRequired    = errors.New("paystack logger is required")
)

// Client exposes the Paystack primitives the wallet consumes, with
// centralized auth, logging and error mapping. Provider response shapes stay
// inside this package; callers only ever see the closed status variant.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	secretKey     string
	webhookSecret string
	logg          *logger.Logger
}

// NewClient initializes the Paystack wrapper and validates the credentials.
func NewClient(cfg config.PaystackConfig, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	secret := strings.TrimSpace(cfg.SecretKey)
	if secret == "" {
		return nil, errSecretKeyRequired
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.paystack.co"
	}
	return &Client{
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		baseURL:       baseURL,
		secretKey:     secret,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		logg:          logg,
	}, nil
}

// VerifiedTransaction is the normalized verification result.
type VerifiedTransaction struct {
	Reference  string
	Status     enums.ProviderStatus
	AmountKobo int64
	FeesKobo   int64
	PaidBy     string
	Channel    string
}

// TransferParams describe an outbound bank transfer.
type TransferParams struct {
	RecipientCode string
	AmountKobo    int64
	Reason        string
	Reference     string
}

// TransferResult is the normalized transfer response.
type TransferResult struct {
	Reference string
	Status    enums.ProviderStatus
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type transactionData struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Fees      int64  `json:"fees"`
	Channel   string `json:"channel"`
	Customer  struct {
		Email string `json:"email"`
	} `json:"customer"`
}

type transferData struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
}

// VerifyTransaction confirms a payment reference against Paystack. Both the
// webhook path and the reconciliation poller call this before any credit.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*VerifiedTransaction, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, fmt.Errorf("reference is required")
	}
	var data transactionData
	if err := c.do(ctx, http.MethodGet, "/transaction/verify/"+reference, nil, &data); err != nil {
		return nil, err
	}
	return &VerifiedTransaction{
		Reference:  data.Reference,
		Status:     normalizeStatus(data.Status),
		AmountKobo: data.Amount,
		FeesKobo:   data.Fees,
		PaidBy:     data.Customer.Email,
		Channel:    data.Channel,
	}, nil
}

// InitiateTransfer starts an outbound payout to a prepared recipient.
func (c *Client) InitiateTransfer(ctx context.Context, params TransferParams) (*TransferResult, error) {
	if params.RecipientCode == "" {
		return nil, fmt.Errorf("recipient code is required")
	}
	if params.AmountKobo <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	body := map[string]any{
		"source":    "balance",
		"recipient": params.RecipientCode,
		"amount":    params.AmountKobo,
		"reason":    params.Reason,
		"reference": params.Reference,
	}
	var data transferData
	if err := c.do(ctx, http.MethodPost, "/transfer", body, &data); err != nil {
		return nil, err
	}
	return &TransferResult{
		Reference: data.Reference,
		Status:    normalizeStatus(data.Status),
	}, nil
}

// ValidateWebhookSignature checks the x-paystack-signature HMAC over the raw
// request body.
func (c *Client) ValidateWebhookSignature(payload []byte, signature string) bool {
	secret := c.webhookSecret
	if secret == "" {
		secret = c.secretKey
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
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
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "paystack request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read paystack response")
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode paystack response")
	}
	if resp.StatusCode >= http.StatusBadRequest || !env.Status {
		c.logg.Warn(c.logg.WithFields(ctx, map[string]any{
			"http_status": resp.StatusCode,
			"message":     env.Message,
		}), "paystack call rejected")
		return pkgerrors.New(pkgerrors.CodeDependency, "paystack rejected the request").
			WithDetails(map[string]any{"message": env.Message})
	}
	if dest != nil {
		if err := json.Unmarshal(env.Data, dest); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode paystack payload")
		}
	}
	return nil
}

// normalizeStatus folds Paystack's raw status strings into the closed variant
// the ledger layer accepts.
func normalizeStatus(raw string) enums.ProviderStatus {
	switch strings.ToLower(raw) {
	case "success":
		return enums.ProviderStatusSuccess
	case "failed", "reversed", "abandoned":
		return enums.ProviderStatusFailed
	default:
		return enums.ProviderStatusProcessing
	}
}
