package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hackgods/clinic-booking/internal/apperr"
	"github.com/hackgods/clinic-booking/internal/logging"
)

var gatewayTracer = otel.Tracer("clinic.internal.payments.mercadopago")

const defaultMercadoPagoURL = "https://api.mercadopago.com"

// MercadoPagoClient creates checkout preferences and looks up payments.
// Calls are bounded by the client timeout and never retried here.
type MercadoPagoClient struct {
	accessToken string
	baseURL     string
	currency    string
	client      *http.Client
	logger      *logging.Logger
}

func NewMercadoPagoClient(accessToken string, timeout time.Duration, logger *logging.Logger) *MercadoPagoClient {
	if logger == nil {
		logger = logging.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MercadoPagoClient{
		accessToken: accessToken,
		baseURL:     defaultMercadoPagoURL,
		currency:    "MXN",
		client:      &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

// WithBaseURL overrides the API host, e.g. for tests.
func (c *MercadoPagoClient) WithBaseURL(base string) *MercadoPagoClient {
	if base != "" {
		c.baseURL = strings.TrimRight(base, "/")
	}
	return c
}

func (c *MercadoPagoClient) WithCurrency(currency string) *MercadoPagoClient {
	if currency != "" {
		c.currency = currency
	}
	return c
}

type preferenceItem struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	CurrencyID string  `json:"currency_id"`
	UnitPrice  float64 `json:"unit_price"`
}

type preferencePayload struct {
	Items             []preferenceItem  `json:"items"`
	Payer             map[string]string `json:"payer,omitempty"`
	ExternalReference string            `json:"external_reference"`
	NotificationURL   string            `json:"notification_url,omitempty"`
	BackURLs          map[string]string `json:"back_urls,omitempty"`
	AutoReturn        string            `json:"auto_return,omitempty"`
	BinaryMode        bool              `json:"binary_mode"`
}

func (c *MercadoPagoClient) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	ctx, span := gatewayTracer.Start(ctx, "mercadopago.create_preference")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.reference", req.Reference.String()),
		attribute.Int64("clinic.amount_cents", req.AmountCents),
	)

	if c.accessToken == "" {
		return nil, fmt.Errorf("payments: mercadopago access token not configured")
	}
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("payments: checkout amount must be positive")
	}

	currency := req.Currency
	if currency == "" {
		currency = c.currency
	}
	payload := preferencePayload{
		Items: []preferenceItem{{
			ID:         req.Reference.String(),
			Title:      req.Title,
			Quantity:   1,
			CurrencyID: currency,
			UnitPrice:  float64(req.AmountCents) / 100,
		}},
		ExternalReference: req.Reference.String(),
		BinaryMode:        true,
	}
	if req.PayerEmail != "" {
		payload.Payer = map[string]string{"email": req.PayerEmail}
	}
	// the gateway rejects callbacks to loopback hosts
	if req.NotificationURL != "" && !isLocalURL(req.NotificationURL) {
		payload.NotificationURL = req.NotificationURL
	}
	if req.SuccessURL != "" {
		payload.BackURLs = map[string]string{
			"success": req.SuccessURL,
			"failure": req.FailureURL,
			"pending": req.PendingURL,
		}
		if !isLocalURL(req.SuccessURL) {
			payload.AutoReturn = "approved"
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payments: encode preference: %w", err)
	}

	var parsed struct {
		ID               string `json:"id"`
		InitPoint        string `json:"init_point"`
		SandboxInitPoint string `json:"sandbox_init_point"`
	}
	if err := c.do(ctx, http.MethodPost, "/checkout/preferences", bytes.NewReader(body), &parsed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create preference failed")
		return nil, &apperr.UpstreamUnavailable{Op: "create_checkout", Err: err}
	}

	link := parsed.InitPoint
	if strings.HasPrefix(c.accessToken, "TEST-") && parsed.SandboxInitPoint != "" {
		link = parsed.SandboxInitPoint
	}
	if link == "" {
		return nil, &apperr.UpstreamUnavailable{Op: "create_checkout", Err: fmt.Errorf("payments: mercadopago response missing init_point")}
	}

	c.logger.Info("checkout preference created", "reference", req.Reference, "preference_id", parsed.ID)
	return &Checkout{ID: parsed.ID, URL: link}, nil
}

func (c *MercadoPagoClient) GetPayment(ctx context.Context, id string) (*GatewayPayment, error) {
	ctx, span := gatewayTracer.Start(ctx, "mercadopago.get_payment")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.gateway_payment_id", id))

	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("payments: empty gateway payment id")
	}

	var parsed struct {
		ID                json.Number `json:"id"`
		Status            string      `json:"status"`
		ExternalReference string      `json:"external_reference"`
		TransactionAmount float64     `json:"transaction_amount"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(id), nil, &parsed)
	if errors.Is(err, ErrUnknownPayment) {
		return nil, err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get payment failed")
		return nil, &apperr.UpstreamUnavailable{Op: "get_payment", Err: err}
	}

	span.SetAttributes(attribute.String("clinic.gateway_status", parsed.Status))
	return &GatewayPayment{
		ID:                parsed.ID.String(),
		Status:            parsed.Status,
		ExternalReference: parsed.ExternalReference,
		AmountCents:       int64(math.Round(parsed.TransactionAmount * 100)),
	}, nil
}

func (c *MercadoPagoClient) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("payments: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("payments: mercadopago http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && method == http.MethodGet {
		return ErrUnknownPayment
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("payments: mercadopago api status %d: %s", resp.StatusCode, string(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("payments: mercadopago decode: %w", err)
	}
	return nil
}

func isLocalURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return true
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
