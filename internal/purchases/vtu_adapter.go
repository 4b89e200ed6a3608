package purchases

import (
	"context"
	"fmt"

	"github.com/kobopay/kobopay-backend/pkg/vtu"
)

// NewVTUProvider adapts the VTU HTTP client to the PurchaseProvider port.
func NewVTUProvider(client *vtu.Client) (PurchaseProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("vtu client required")
	}
	return &vtuProvider{client: client}, nil
}

type vtuProvider struct {
	client *vtu.Client
}

func (p *vtuProvider) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	result, err := p.client.SubmitOrder(ctx, vtu.OrderParams{
		RequestID:  req.RequestID,
		ServiceID:  req.ServiceID,
		Recipient:  req.Recipient,
		AmountKobo: req.AmountKobo,
	})
	if err != nil {
		return nil, err
	}
	return &PurchaseResult{Status: result.Status, ProviderRef: result.OrderRef}, nil
}

func (p *vtuProvider) Requery(ctx context.Context, requestID string) (*PurchaseResult, error) {
	result, err := p.client.QueryOrder(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &PurchaseResult{Status: result.Status, ProviderRef: result.OrderRef}, nil
}
