package payments

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-booking/internal/apperr"
	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/auth"
	"github.com/hackgods/clinic-booking/internal/penalty"
	"github.com/hackgods/clinic-booking/internal/schedule"
)

// stubGateway serves GetPayment from a map and records checkouts.
type stubGateway struct {
	mu        sync.Mutex
	payments  map[string]*GatewayPayment
	err       error
	checkouts []CheckoutRequest
}

func newStubGateway() *stubGateway {
	return &stubGateway{payments: make(map[string]*GatewayPayment)}
}

func (g *stubGateway) CreateCheckout(_ context.Context, req CheckoutRequest) (*Checkout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.checkouts = append(g.checkouts, req)
	return &Checkout{ID: "pref-1", URL: "https://pay.example/" + req.Reference.String()}, nil
}

func (g *stubGateway) GetPayment(_ context.Context, id string) (*GatewayPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	p, ok := g.payments[id]
	if !ok {
		return nil, ErrUnknownPayment
	}
	cp := *p
	return &cp, nil
}

// memStore is an in-memory Store plus both settlers.
type memStore struct {
	mu           sync.Mutex
	appointments map[uuid.UUID]*appointment.Appointment
	services     map[uuid.UUID]*schedule.Service
	payments     map[uuid.UUID]*appointment.Payment
	serviceCalls int
	penaltyCalls int
	reactivated  bool
}

func newMemStore() *memStore {
	return &memStore{
		appointments: make(map[uuid.UUID]*appointment.Appointment),
		services:     make(map[uuid.UUID]*schedule.Service),
		payments:     make(map[uuid.UUID]*appointment.Payment),
	}
}

func (m *memStore) GetAppointment(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) GetService(_ context.Context, id uuid.UUID) (*schedule.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[id]
	if !ok {
		return nil, schedule.ErrServiceNotFound
	}
	return s, nil
}

func (m *memStore) GetPayment(_ context.Context, id uuid.UUID) (*appointment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, appointment.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) PaymentForReference(_ context.Context, appointmentID uuid.UUID) (*appointment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *appointment.Payment
	for _, p := range m.payments {
		if p.AppointmentID != appointmentID {
			continue
		}
		if found == nil || p.Status == appointment.PaymentPending {
			found = p
		}
	}
	if found == nil {
		return nil, appointment.ErrPaymentNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *memStore) complete(id uuid.UUID, gw string) *appointment.Payment {
	p := m.payments[id]
	if p.Status == appointment.PaymentPending {
		now := time.Now()
		p.Status = appointment.PaymentCompleted
		p.CompletedAt = &now
		if gw != "" {
			p.GatewayPaymentID = &gw
		}
	}
	cp := *p
	return &cp
}

func (m *memStore) MarkPaid(_ context.Context, id uuid.UUID, gw string) (*appointment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serviceCalls++
	return m.complete(id, gw), nil
}

func (m *memStore) ConfirmPenaltyPayment(_ context.Context, id uuid.UUID, gw string) (*penalty.Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.penaltyCalls++
	p := m.payments[id]
	conf := &penalty.Confirmation{PaymentID: id, PatientID: p.PatientID, AlreadyCompleted: p.Status == appointment.PaymentCompleted}
	m.complete(id, gw)
	if !m.reactivated {
		m.reactivated = true
		conf.Reactivated = true
	}
	return conf, nil
}

type fixture struct {
	store   *memStore
	gateway *stubGateway
	rec     *Reconciler
	patient uuid.UUID
	appt    *appointment.Appointment
	payment *appointment.Payment
}

func newFixture(t *testing.T, kind appointment.PaymentKind, amount int64) *fixture {
	t.Helper()
	store := newMemStore()
	gw := newStubGateway()

	svc := &schedule.Service{ID: uuid.New(), Name: "Cleaning", DurationMinutes: 30, PriceCents: 80000, Active: true}
	store.services[svc.ID] = svc
	appt := &appointment.Appointment{
		ID:        uuid.New(),
		PatientID: uuid.New(),
		ServiceID: svc.ID,
		Status:    appointment.StatusPending,
	}
	store.appointments[appt.ID] = appt
	p := &appointment.Payment{
		ID:            uuid.New(),
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		Kind:          kind,
		AmountCents:   amount,
		Method:        appointment.MethodOnline,
		Status:        appointment.PaymentPending,
	}
	store.payments[p.ID] = p

	return &fixture{
		store:   store,
		gateway: gw,
		rec:     NewReconciler(gw, store, store, store, 5, nil),
		patient: appt.PatientID,
		appt:    appt,
		payment: p,
	}
}

func (f *fixture) gatewayPayment(id, status string, amount int64) {
	f.gateway.payments[id] = &GatewayPayment{ID: id, Status: status, ExternalReference: f.appt.ID.String(), AmountCents: amount}
}

func TestReconcileSettlesServicePayment(t *testing.T) {
	f := newFixture(t, appointment.KindService, 80000)
	f.gatewayPayment("111", StatusApproved, 80000)

	res, err := f.rec.Reconcile(context.Background(), "111")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, appointment.PaymentCompleted, res.Payment.Status)
	require.NotNil(t, res.Payment.GatewayPaymentID)
	assert.Equal(t, "111", *res.Payment.GatewayPaymentID)
	assert.Equal(t, 1, f.store.serviceCalls)
	assert.Zero(t, f.store.penaltyCalls)
}

func TestReconcilePenaltyReactivates(t *testing.T) {
	f := newFixture(t, appointment.KindPenalty, 30000)
	f.gatewayPayment("222", StatusAuthorized, 30000)

	res, err := f.rec.Reconcile(context.Background(), "222")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.True(t, res.Reactivated)
	assert.Equal(t, appointment.PaymentCompleted, res.Payment.Status)
	assert.Equal(t, 1, f.store.penaltyCalls)
	assert.Zero(t, f.store.serviceCalls)
}

func TestReconcileAmountTolerance(t *testing.T) {
	f := newFixture(t, appointment.KindService, 80000)

	f.gatewayPayment("within", StatusApproved, 80005)
	res, err := f.rec.Reconcile(context.Background(), "within")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	g := newFixture(t, appointment.KindService, 80000)
	g.gatewayPayment("over", StatusApproved, 80006)
	_, err = g.rec.Reconcile(context.Background(), "over")
	var rec *apperr.ReconciliationError
	require.ErrorAs(t, err, &rec)
	assert.False(t, rec.NotFound)
	assert.Zero(t, g.store.serviceCalls)
	assert.Equal(t, appointment.PaymentPending, g.store.payments[g.payment.ID].Status)

	g.gatewayPayment("under", StatusApproved, 79990)
	_, err = g.rec.Reconcile(context.Background(), "under")
	require.ErrorAs(t, err, &rec)
	assert.Zero(t, g.store.serviceCalls)
}

func TestReconcileAmountCheckedOnlyForLiveStatuses(t *testing.T) {
	tests := []struct {
		status  string
		want    Outcome
		wantErr bool
	}{
		{"rejected", OutcomeIgnored, false},
		{"cancelled", OutcomeIgnored, false},
		{"refunded", OutcomeIgnored, false},
		{StatusPending, "", true},
		{StatusInProcess, "", true},
		{StatusApproved, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			f := newFixture(t, appointment.KindService, 80000)
			f.gatewayPayment("444", tt.status, 1000)

			res, err := f.rec.Reconcile(context.Background(), "444")
			if tt.wantErr {
				var rec *apperr.ReconciliationError
				require.ErrorAs(t, err, &rec)
				assert.False(t, rec.NotFound)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, res.Outcome)
				assert.Equal(t, tt.status, res.GatewayStatus)
			}
			assert.Zero(t, f.store.serviceCalls)
			assert.Equal(t, appointment.PaymentPending, f.store.payments[f.payment.ID].Status)
		})
	}
}

func TestReconcileStatusMapping(t *testing.T) {
	tests := []struct {
		status string
		want   Outcome
	}{
		{StatusPending, OutcomePending},
		{StatusInProcess, OutcomePending},
		{"rejected", OutcomeIgnored},
		{"cancelled", OutcomeIgnored},
		{"refunded", OutcomeIgnored},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			f := newFixture(t, appointment.KindService, 80000)
			f.gatewayPayment("333", tt.status, 80000)

			res, err := f.rec.Reconcile(context.Background(), "333")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
			assert.Zero(t, f.store.serviceCalls)
			assert.Equal(t, appointment.PaymentPending, f.store.payments[f.payment.ID].Status)
		})
	}
}

func TestReconcileUnknownReference(t *testing.T) {
	f := newFixture(t, appointment.KindService, 80000)
	var rec *apperr.ReconciliationError

	_, err := f.rec.Reconcile(context.Background(), "missing")
	require.ErrorAs(t, err, &rec)
	assert.True(t, rec.NotFound)

	f.gateway.payments["junk"] = &GatewayPayment{ID: "junk", Status: StatusApproved, ExternalReference: "not-a-uuid", AmountCents: 80000}
	_, err = f.rec.Reconcile(context.Background(), "junk")
	require.ErrorAs(t, err, &rec)
	assert.True(t, rec.NotFound)

	f.gateway.payments["other"] = &GatewayPayment{ID: "other", Status: StatusApproved, ExternalReference: uuid.NewString(), AmountCents: 80000}
	_, err = f.rec.Reconcile(context.Background(), "other")
	require.ErrorAs(t, err, &rec)
	assert.True(t, rec.NotFound)
	assert.Zero(t, f.store.serviceCalls)
}

func TestReconcileGatewayDown(t *testing.T) {
	f := newFixture(t, appointment.KindService, 80000)
	f.gateway.err = errors.New("connection refused")

	_, err := f.rec.Reconcile(context.Background(), "111")
	var up *apperr.UpstreamUnavailable
	require.ErrorAs(t, err, &up)
	assert.Zero(t, f.store.serviceCalls)
}

func TestConfirmReturnGatewayDownIsPending(t *testing.T) {
	f := newFixture(t, appointment.KindService, 80000)
	f.gateway.err = &apperr.UpstreamUnavailable{Op: "get_payment", Err: errors.New("timeout")}

	res, err := f.rec.ConfirmReturn(context.Background(), "111")
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, res.Outcome)
	assert.Equal(t, "payment pending - verify later", res.Message)
}

func TestConfirmReturnSettles(t *testing.T) {
	f := newFixture(t, appointment.KindService, 80000)
	f.gatewayPayment("111", StatusApproved, 80000)

	res, err := f.rec.ConfirmReturn(context.Background(), "111")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, "payment received", res.Message)
}

func TestConfirmManually(t *testing.T) {
	f := newFixture(t, appointment.KindPenalty, 30000)
	ctx := context.Background()

	_, err := f.rec.ConfirmManually(ctx, auth.Actor{AccountID: f.patient, Role: auth.RolePatient}, f.payment.ID)
	var forbidden *apperr.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Zero(t, f.store.penaltyCalls)

	staff := auth.Actor{AccountID: uuid.New(), Role: auth.RoleProvider}
	res, err := f.rec.ConfirmManually(ctx, staff, f.payment.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.True(t, res.Reactivated)
	assert.Nil(t, res.Payment.GatewayPaymentID)

	_, err = f.rec.ConfirmManually(ctx, staff, uuid.New())
	var nf *apperr.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestCheckoutStart(t *testing.T) {
	f := newFixture(t, appointment.KindService, 80000)
	svc := NewCheckoutService(f.gateway, f.store, "https://clinic.example/", "s3cret", nil)
	owner := auth.Actor{AccountID: f.patient, Role: auth.RolePatient}

	co, err := svc.Start(context.Background(), owner, f.appt.ID)
	require.NoError(t, err)
	assert.Contains(t, co.URL, f.appt.ID.String())

	require.Len(t, f.gateway.checkouts, 1)
	req := f.gateway.checkouts[0]
	assert.Equal(t, f.appt.ID, req.Reference)
	assert.Equal(t, int64(80000), req.AmountCents)
	assert.Equal(t, "Treatment: Cleaning", req.Title)
	assert.Equal(t, "https://clinic.example/webhooks/payments/s3cret", req.NotificationURL)
	assert.False(t, strings.Contains(req.NotificationURL, "?"))
	assert.Equal(t, "https://clinic.example/payments/return", req.SuccessURL)
}

func TestCheckoutStartRejections(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, appointment.KindService, 80000)
	svc := NewCheckoutService(f.gateway, f.store, "https://clinic.example", "s3cret", nil)

	stranger := auth.Actor{AccountID: uuid.New(), Role: auth.RolePatient}
	_, err := svc.Start(ctx, stranger, f.appt.ID)
	var nf *apperr.NotFoundError
	require.ErrorAs(t, err, &nf)

	owner := auth.Actor{AccountID: f.patient, Role: auth.RolePatient}
	f.store.payments[f.payment.ID].Status = appointment.PaymentCompleted
	_, err = svc.Start(ctx, owner, f.appt.ID)
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "already_paid", ve.Code)

	f.store.payments[f.payment.ID].Status = appointment.PaymentPending
	f.store.appointments[f.appt.ID].Status = appointment.StatusCancelled
	_, err = svc.Start(ctx, owner, f.appt.ID)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "appointment_closed", ve.Code)

	f.store.appointments[f.appt.ID].Status = appointment.StatusPending
	f.gateway.err = errors.New("dial tcp: timeout")
	_, err = svc.Start(ctx, owner, f.appt.ID)
	var up *apperr.UpstreamUnavailable
	require.ErrorAs(t, err, &up)
}

func TestCheckoutPenaltyTitle(t *testing.T) {
	f := newFixture(t, appointment.KindPenalty, 30000)
	f.store.appointments[f.appt.ID].Status = appointment.StatusNoShow
	svc := NewCheckoutService(f.gateway, f.store, "https://clinic.example", "", nil)

	_, err := svc.Start(context.Background(), auth.Actor{AccountID: f.patient, Role: auth.RolePatient}, f.appt.ID)
	require.NoError(t, err)
	require.Len(t, f.gateway.checkouts, 1)
	assert.Equal(t, "No-show fee", f.gateway.checkouts[0].Title)
	assert.Equal(t, int64(30000), f.gateway.checkouts[0].AmountCents)
	assert.Equal(t, "https://clinic.example/webhooks/payments", svc.NotificationURL())
}
