package payment

import (
	"context"
	"fmt"

	"github.com/plutov/paypal/v4"
)

// PayPalGateway creates and captures PayPal checkout orders.
type PayPalGateway struct {
	client    *paypal.Client
	recipient string
}

// NewPayPalGateway authenticates against apiBase (paypal.APIBaseSandBox or
// paypal.APIBaseLive). Orders are paid to recipient when it is set.
func NewPayPalGateway(ctx context.Context, clientID, secret, apiBase, recipient string) (*PayPalGateway, error) {
	c, err := paypal.NewClient(clientID, secret, apiBase)
	if err != nil {
		return nil, fmt.Errorf("paypal client: %w", err)
	}
	if _, err := c.GetAccessToken(ctx); err != nil {
		return nil, fmt.Errorf("paypal token: %w", err)
	}
	return &PayPalGateway{client: c, recipient: recipient}, nil
}

// APIBase maps a mode name to the PayPal endpoint.
func APIBase(mode string) string {
	if mode == "live" {
		return paypal.APIBaseLive
	}
	return paypal.APIBaseSandBox
}

func (g *PayPalGateway) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	unit := paypal.PurchaseUnitRequest{
		ReferenceID: req.Reference,
		Description: req.Description,
		Amount: &paypal.PurchaseUnitAmount{
			Currency: req.Currency,
			Value:    req.Amount.StringFixed(2),
		},
	}
	if g.recipient != "" {
		unit.Payee = &paypal.PayeeForOrders{EmailAddress: g.recipient}
	}

	order, err := g.client.CreateOrder(ctx, paypal.OrderIntentCapture,
		[]paypal.PurchaseUnitRequest{unit},
		nil,
		&paypal.ApplicationContext{ReturnURL: req.ReturnURL, CancelURL: req.CancelURL},
	)
	if err != nil {
		return nil, err
	}

	out := &Order{ID: order.ID, Status: order.Status}
	for _, link := range order.Links {
		if link.Rel == "approve" {
			out.ApproveURL = link.Href
		}
	}
	return out, nil
}

func (g *PayPalGateway) CaptureOrder(ctx context.Context, orderID string) (*Capture, error) {
	resp, err := g.client.CaptureOrder(ctx, orderID, paypal.CaptureOrderRequest{})
	if err != nil {
		return nil, err
	}
	return &Capture{OrderID: resp.ID, Status: resp.Status}, nil
}
