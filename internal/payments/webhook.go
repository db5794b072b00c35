package payments

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/clinic-booking/internal/apperr"
	"github.com/hackgods/clinic-booking/internal/logging"
	"github.com/hackgods/clinic-booking/internal/metrics"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
)

// SecretHeader carries the shared webhook secret when the gateway supports
// custom headers. Otherwise the secret is the last path segment.
const SecretHeader = "X-WEBHOOK-SECRET"

type reconciler interface {
	Reconcile(ctx context.Context, gatewayPaymentID string) (*Result, error)
}

// WebhookHandler ingests gateway payment notifications.
type WebhookHandler struct {
	secret     string
	maxBytes   int64
	reconciler reconciler
	dedupe     redisclient.Deduper
	metrics    *metrics.BookingMetrics
	logger     *logging.Logger
	now        func() time.Time
}

type WebhookOptions struct {
	Secret   string
	MaxBytes int64
	Dedupe   redisclient.Deduper
	Metrics  *metrics.BookingMetrics
	Logger   *logging.Logger
}

func NewWebhookHandler(r reconciler, opts WebhookOptions) *WebhookHandler {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 64 * 1024
	}
	return &WebhookHandler{
		secret:     opts.Secret,
		maxBytes:   opts.MaxBytes,
		reconciler: r,
		dedupe:     opts.Dedupe,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		now:        time.Now,
	}
}

// gatewayID accepts both numeric and string ids.
type gatewayID string

func (g *gatewayID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*g = gatewayID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*g = gatewayID(n.String())
	return nil
}

type notification struct {
	ID    gatewayID `json:"id"`
	Type  string    `json:"type"`
	Topic string    `json:"topic"`
	Data  struct {
		ID gatewayID `json:"id"`
	} `json:"data"`
}

// paymentID prefers data.id; the top-level id is the payment only in the
// legacy shape.
func (n *notification) paymentID() string {
	if n.Data.ID != "" {
		return string(n.Data.ID)
	}
	return string(n.ID)
}

func (n *notification) kind() string {
	if n.Type != "" {
		return strings.ToLower(n.Type)
	}
	return strings.ToLower(n.Topic)
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	status, body := h.handle(w, r)
	h.metrics.ObserveWebhook(webhookLabel(status), h.now().Sub(start))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": body})
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request) (int, string) {
	if r.Method != http.MethodPost {
		return http.StatusMethodNotAllowed, "method not allowed"
	}

	if !h.authentic(r) {
		h.logger.Warn("webhook rejected: bad secret", "remote", r.RemoteAddr)
		return http.StatusForbidden, "forbidden"
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("webhook rejected: payload too large", "limit", h.maxBytes)
			return http.StatusRequestEntityTooLarge, "payload too large"
		}
		return http.StatusBadRequest, "invalid body"
	}

	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		h.logger.Warn("webhook rejected: malformed json", "error", err)
		return http.StatusBadRequest, "malformed payload"
	}
	if k := n.kind(); k != "" && k != "payment" {
		return http.StatusOK, "ignored"
	}
	id := n.paymentID()
	if id == "" {
		return http.StatusBadRequest, "missing payment id"
	}

	ctx := r.Context()
	if h.dedupe != nil {
		seen, err := h.dedupe.Seen(ctx, id)
		if err != nil {
			h.logger.Warn("webhook dedupe lookup failed", "gateway_payment_id", id, "error", err)
		} else if seen {
			return http.StatusOK, "duplicate"
		}
	}

	res, err := h.reconciler.Reconcile(ctx, id)
	if err != nil {
		return h.failure(id, err)
	}

	switch res.Outcome {
	case OutcomeCompleted:
		if h.dedupe != nil {
			if err := h.dedupe.Mark(ctx, id); err != nil {
				h.logger.Warn("webhook dedupe mark failed", "gateway_payment_id", id, "error", err)
			}
		}
		return http.StatusOK, "confirmed"
	case OutcomePending:
		return http.StatusAccepted, "pending"
	default:
		h.logger.Info("webhook acknowledged without change", "gateway_payment_id", id, "gateway_status", res.GatewayStatus)
		return http.StatusOK, "acknowledged"
	}
}

func (h *WebhookHandler) failure(id string, err error) (int, string) {
	var (
		up  *apperr.UpstreamUnavailable
		rec *apperr.ReconciliationError
	)
	switch {
	case errors.As(err, &up):
		h.logger.Warn("webhook deferred: gateway unavailable", "gateway_payment_id", id, "error", err)
		return http.StatusServiceUnavailable, "gateway unavailable"
	case errors.As(err, &rec) && rec.NotFound:
		return http.StatusNotFound, "unknown reference"
	case errors.As(err, &rec):
		return http.StatusBadRequest, "amount mismatch"
	default:
		h.logger.Error("webhook reconciliation failed", "gateway_payment_id", id, "error", err)
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *WebhookHandler) authentic(r *http.Request) bool {
	if h.secret == "" {
		return false
	}
	got := r.Header.Get(SecretHeader)
	if got == "" {
		got = chi.URLParam(r, "secret")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}

func webhookLabel(status int) string {
	switch status {
	case http.StatusOK:
		return "ok"
	case http.StatusAccepted:
		return "pending"
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "unknown_reference"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	case http.StatusServiceUnavailable:
		return "upstream_unavailable"
	default:
		return "error"
	}
}
