// Package payments talks to the online payment gateway and reconciles its
// notifications with local Payment rows.
package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Gateway statuses the reconciler understands. Anything else is acknowledged
// without touching local state.
const (
	StatusApproved   = "approved"
	StatusAuthorized = "authorized"
	StatusPending    = "pending"
	StatusInProcess  = "in_process"
)

// ErrUnknownPayment is returned when the gateway has no payment with the id.
var ErrUnknownPayment = errors.New("payments: gateway payment not found")

// Gateway is the outbound side of the payment provider.
type Gateway interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	GetPayment(ctx context.Context, id string) (*GatewayPayment, error)
}

// CheckoutRequest describes one hosted checkout. Reference is echoed back by
// the gateway as external_reference and is always the appointment id.
type CheckoutRequest struct {
	Reference       uuid.UUID
	Title           string
	AmountCents     int64
	Currency        string
	PayerEmail      string
	NotificationURL string
	SuccessURL      string
	FailureURL      string
	PendingURL      string
}

type Checkout struct {
	ID  string
	URL string
}

// GatewayPayment is the gateway's authoritative view of a payment.
type GatewayPayment struct {
	ID                string
	Status            string
	ExternalReference string
	AmountCents       int64
}

// Settled reports whether the gateway considers the money captured.
func (p *GatewayPayment) Settled() bool {
	s := strings.ToLower(p.Status)
	return s == StatusApproved || s == StatusAuthorized
}

// InFlight reports whether the gateway may still settle the payment.
func (p *GatewayPayment) InFlight() bool {
	s := strings.ToLower(p.Status)
	return s == StatusPending || s == StatusInProcess
}
