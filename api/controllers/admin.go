package controllers

import (
	"net/http"

	"github.com/kobopay/kobopay-backend/api/responses"
	giftroomsvc "github.com/kobopay/kobopay-backend/internal/giftrooms"
	"github.com/kobopay/kobopay-backend/pkg/logger"
)

// AdminRunSweep triggers the expiration sweep on demand. Safe to race with
// the scheduled sweep: every mutation the pass performs is gated by a
// conditional state transition.
func AdminRunSweep(sweeper giftroomsvc.Sweeper, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := sweeper.RunExpirationSweep(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
