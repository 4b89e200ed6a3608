package controllers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/kobopay/kobopay-backend/api/responses"
	paystackwebhook "github.com/kobopay/kobopay-backend/internal/webhooks/paystack"
	pkgerrors "github.com/kobopay/kobopay-backend/pkg/errors"
	"github.com/kobopay/kobopay-backend/pkg/logger"
)

const maxWebhookBody = 1 << 20

// SignatureValidator checks the gateway's HMAC over the raw body.
type SignatureValidator interface {
	ValidateWebhookSignature(payload []byte, signature string) bool
}

type paystackEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Metadata  struct {
			UserID string `json:"user_id"`
		} `json:"metadata"`
	} `json:"data"`
}

// PaystackWebhook receives gateway deliveries. Replays must answer 2xx, or
// the gateway keeps retrying an event we already applied.
func PaystackWebhook(svc *paystackwebhook.Service, gateway SignatureValidator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			responses.WriteError(r.Context(), logg, w,
				pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read webhook body"))
			return
		}

		if !gateway.ValidateWebhookSignature(body, r.Header.Get("x-paystack-signature")) {
			responses.WriteError(r.Context(), logg, w,
				pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid webhook signature"))
			return
		}

		var event paystackEvent
		if err := json.Unmarshal(body, &event); err != nil {
			responses.WriteError(r.Context(), logg, w,
				pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode webhook payload"))
			return
		}

		if event.Event != "charge.success" {
			// Not a crediting event; acknowledge and move on.
			responses.WriteSuccess(w, map[string]string{"status": "ignored"})
			return
		}

		userID, err := uuid.Parse(event.Data.Metadata.UserID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w,
				pkgerrors.Wrap(pkgerrors.CodeValidation, err, "webhook missing user id"))
			return
		}

		result, err := svc.HandlePaymentEvent(r.Context(), event.Data.Reference, userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]any{
			"status":  result.Status,
			"applied": result.Applied,
		})
	}
}
