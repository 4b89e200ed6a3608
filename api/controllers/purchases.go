package controllers

import (
	"net/http"
	"strings"

	"github.com/kobopay/kobopay-backend/api/responses"
	"github.com/kobopay/kobopay-backend/api/validators"
	purchasesvc "github.com/kobopay/kobopay-backend/internal/purchases"
	pkgerrors "github.com/kobopay/kobopay-backend/pkg/errors"
	"github.com/kobopay/kobopay-backend/pkg/logger"
)

// PurchaseCreate submits a VTU order funded by the caller's wallet. The
// Idempotency-Key header pins retried submissions to the same debit hold.
func PurchaseCreate(svc purchasesvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := authedUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		requestID := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if requestID == "" {
			responses.WriteError(r.Context(), logg, w,
				pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header is required"))
			return
		}

		var payload purchaseRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		outcome, err := svc.Purchase(r.Context(), purchasesvc.PurchaseInput{
			UserID:     userID,
			RequestID:  requestID,
			ServiceID:  payload.ServiceID,
			Recipient:  payload.Recipient,
			AmountKobo: payload.AmountKobo,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := map[string]any{
			"status":       outcome.Status,
			"provider_ref": outcome.ProviderRef,
		}
		if outcome.Entry != nil {
			resp["entry"] = newLedgerEntryResponse(*outcome.Entry)
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, resp)
	}
}

type purchaseRequest struct {
	ServiceID  string `json:"service_id" validate:"required"`
	Recipient  string `json:"recipient" validate:"required"`
	AmountKobo int64  `json:"amount_kobo" validate:"required,min=1"`
}
