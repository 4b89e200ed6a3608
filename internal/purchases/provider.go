package purchases

import (
	"context"

	"github.com/kobopay/kobopay-backend/pkg/enums"
)

// PurchaseRequest describes one VTU order (airtime, data, cable, electricity).
type PurchaseRequest struct {
	RequestID string
	ServiceID string
	Recipient string
	AmountKobo int64
}

// PurchaseResult is the provider's normalized answer. Raw provider shapes
// never leave the adapter that implements this interface.
type PurchaseResult struct {
	Status      enums.ProviderStatus
	ProviderRef string
}

// PurchaseProvider is the black-box VTU fulfilment API.
type PurchaseProvider interface {
	Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error)
	// Requery reports the current status of a previously submitted request.
	Requery(ctx context.Context, requestID string) (*PurchaseResult, error)
}
