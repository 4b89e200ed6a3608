package paystack

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kobopay/kobopay-backend/pkg/config"
	"github.com/kobopay/kobopay-backend/pkg/enums"
	"github.com/kobopay/kobopay-backend/pkg/logger"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(config.PaystackConfig{
		BaseURL:       baseURL,
		SecretKey:     "sk_test_secret",
		WebhookSecret: "whsec_test",
		Timeout:       5 * time.Second,
	}, logger.New(logger.Options{ServiceName: "test"}))
	require.NoError(t, err)
	return client
}

func TestNewClientRequiresSecret(t *testing.T) {
	t.Parallel()

	_, err := NewClient(config.PaystackConfig{}, logger.New(logger.Options{ServiceName: "test"}))
	assert.Error(t, err)
}

func TestVerifyTransaction(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/verify/ps_ref_1", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status": true,
			"message": "Verification successful",
			"data": {
				"status": "success",
				"reference": "ps_ref_1",
				"amount": 100000,
				"fees": 1500,
				"channel": "card",
				"customer": {"email": "ada@example.com"}
			}
		}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	verified, err := client.VerifyTransaction(context.Background(), "ps_ref_1")
	require.NoError(t, err)
	assert.Equal(t, "ps_ref_1", verified.Reference)
	assert.Equal(t, enums.ProviderStatusSuccess, verified.Status)
	assert.Equal(t, int64(100000), verified.AmountKobo)
	assert.Equal(t, int64(1500), verified.FeesKobo)
	assert.Equal(t, "ada@example.com", verified.PaidBy)
	assert.Equal(t, "card", verified.Channel)
}

func TestVerifyTransactionStatusFolding(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want enums.ProviderStatus
	}{
		{"success", enums.ProviderStatusSuccess},
		{"failed", enums.ProviderStatusFailed},
		{"reversed", enums.ProviderStatusFailed},
		{"abandoned", enums.ProviderStatusFailed},
		{"ongoing", enums.ProviderStatusProcessing},
		{"queued", enums.ProviderStatusProcessing},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, normalizeStatus(tc.raw), "raw status %q", tc.raw)
	}
}

func TestVerifyTransactionRejected(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status": false, "message": "Invalid reference"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.VerifyTransaction(context.Background(), "bogus")
	assert.Error(t, err)
}

func TestValidateWebhookSignature(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, "http://unused")
	payload := []byte(`{"event":"charge.success"}`)

	mac := hmac.New(sha512.New, []byte("whsec_test"))
	mac.Write(payload)
	signature := hex.EncodeToString(mac.Sum(nil))

	assert.True(t, client.ValidateWebhookSignature(payload, signature))
	assert.False(t, client.ValidateWebhookSignature(payload, "deadbeef"))
	assert.False(t, client.ValidateWebhookSignature([]byte("tampered"), signature))
}
