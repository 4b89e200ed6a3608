package controllers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kobopay/kobopay-backend/api/middleware"
	"github.com/kobopay/kobopay-backend/api/responses"
	"github.com/kobopay/kobopay-backend/api/validators"
	ledgersvc "github.com/kobopay/kobopay-backend/internal/ledger"
	paystackwebhook "github.com/kobopay/kobopay-backend/internal/webhooks/paystack"
	"github.com/kobopay/kobopay-backend/pkg/db/models"
	"github.com/kobopay/kobopay-backend/pkg/enums"
	pkgerrors "github.com/kobopay/kobopay-backend/pkg/errors"
	"github.com/kobopay/kobopay-backend/pkg/logger"
	"github.com/kobopay/kobopay-backend/pkg/pagination"
	"github.com/kobopay/kobopay-backend/pkg/paystack"
)

// WalletBalance returns the caller's current balance.
func WalletBalance(svc ledgersvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := authedUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		account, err := svc.GetAccount(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]any{
			"user_id":       account.UserID,
			"balance_kobo":  account.BalanceKobo,
			"balance_naira": paystack.NairaFromKobo(account.BalanceKobo),
		})
	}
}

// WalletEntries returns the caller's ledger history, newest first.
func WalletEntries(svc ledgersvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := authedUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, _ = strconv.Atoi(raw)
		}
		params := pagination.Params{
			Limit:  limit,
			Cursor: r.URL.Query().Get("cursor"),
		}

		entries, next, err := svc.ListEntries(r.Context(), userID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]ledgerEntryResponse, len(entries))
		for i, entry := range entries {
			items[i] = newLedgerEntryResponse(entry)
		}
		responses.WriteSuccess(w, map[string]any{
			"entries":     items,
			"next_cursor": next,
		})
	}
}

// DepositVerify lets a client push a gateway reference for verification, the
// poller-side twin of the webhook. Both paths share the idempotency gate, so
// racing them is safe.
func DepositVerify(svc *paystackwebhook.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := authedUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload depositVerifyRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.HandlePaymentEvent(r.Context(), payload.Reference, userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := map[string]any{"status": result.Status}
		if result.Entry != nil {
			resp["entry"] = newLedgerEntryResponse(*result.Entry)
		}
		responses.WriteSuccess(w, resp)
	}
}

type depositVerifyRequest struct {
	Reference string `json:"reference" validate:"required"`
}

type ledgerEntryResponse struct {
	ID                uuid.UUID               `json:"id"`
	Kind              enums.LedgerEntryKind   `json:"kind"`
	AmountKobo        int64                   `json:"amount_kobo"`
	Status            enums.LedgerEntryStatus `json:"status"`
	ExternalReference *string                 `json:"external_reference,omitempty"`
	InternalReference string                  `json:"internal_reference"`
	CreatedAt         time.Time               `json:"created_at"`
}

func newLedgerEntryResponse(entry models.LedgerEntry) ledgerEntryResponse {
	return ledgerEntryResponse{
		ID:                entry.ID,
		Kind:              entry.Kind,
		AmountKobo:        entry.AmountKobo,
		Status:            entry.Status,
		ExternalReference: entry.ExternalReference,
		InternalReference: entry.InternalReference,
		CreatedAt:         entry.CreatedAt,
	}
}

func authedUserID(r *http.Request) (uuid.UUID, error) {
	raw := middleware.UserIDFromContext(r.Context())
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required")
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid user id")
	}
	return userID, nil
}
