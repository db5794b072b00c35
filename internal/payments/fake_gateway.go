package payments

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/hackgods/clinic-booking/internal/logging"
)

// FakeGateway is a dev/demo gateway that approves every checkout it creates.
// The checkout URL points straight at the return endpoint.
//
// This MUST be gated by configuration (ALLOW_FAKE_PAYMENTS) and never enabled
// in production.
type FakeGateway struct {
	publicBaseURL string
	logger        *logging.Logger

	mu       sync.Mutex
	seq      int
	payments map[string]GatewayPayment
}

func NewFakeGateway(publicBaseURL string, logger *logging.Logger) *FakeGateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &FakeGateway{
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
		logger:        logger,
		payments:      make(map[string]GatewayPayment),
	}
}

func (g *FakeGateway) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	_ = ctx
	if g.publicBaseURL == "" {
		return nil, fmt.Errorf("payments: fake gateway requires PUBLIC_BASE_URL")
	}
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("payments: checkout amount must be positive")
	}

	g.mu.Lock()
	g.seq++
	id := fmt.Sprintf("fake-%d", g.seq)
	g.payments[id] = GatewayPayment{
		ID:                id,
		Status:            StatusApproved,
		ExternalReference: req.Reference.String(),
		AmountCents:       req.AmountCents,
	}
	g.mu.Unlock()

	g.logger.Warn("fake checkout created", "reference", req.Reference, "gateway_payment_id", id)
	return &Checkout{
		ID:  id,
		URL: g.publicBaseURL + "/payments/return?payment_id=" + url.QueryEscape(id),
	}, nil
}

func (g *FakeGateway) GetPayment(ctx context.Context, id string) (*GatewayPayment, error) {
	_ = ctx
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.payments[id]
	if !ok {
		return nil, ErrUnknownPayment
	}
	return &p, nil
}

// SetStatus lets demos and tests move a fake payment between states.
func (g *FakeGateway) SetStatus(id, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.payments[id]; ok {
		p.Status = status
		g.payments[id] = p
	}
}
