// Package notify carries booking milestones to whatever delivers messages
// to people. The core only raises events; formatting and delivery live in
// a Sink.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking/internal/logging"
	"github.com/hackgods/clinic-booking/internal/metrics"
)

type Kind string

const (
	KindCreated         Kind = "created"
	KindConfirmed       Kind = "confirmed"
	KindCancelled       Kind = "cancelled"
	KindRescheduled     Kind = "rescheduled"
	KindCompleted       Kind = "completed"
	KindNoShow          Kind = "no_show"
	KindReminder        Kind = "reminder"
	KindPaymentReceived Kind = "payment_received"
)

type Event struct {
	Kind          Kind
	AppointmentID uuid.UUID
	PatientID     uuid.UUID
	ProviderID    uuid.UUID
	StartsAt      time.Time
	OccurredAt    time.Time
}

// Sink delivers one event. Implementations may be slow or fail; the
// dispatcher only logs the failure.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// LogSink writes events to the structured log. It is the default when no
// email/SMS integration is configured.
type LogSink struct {
	Logger *logging.Logger
}

func (s LogSink) Send(_ context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger.Info("notification",
		"kind", string(ev.Kind),
		"appointment_id", ev.AppointmentID,
		"patient_id", ev.PatientID,
		"starts_at", ev.StartsAt,
	)
	return nil
}

// Dispatcher is a fire-and-forget queue in front of a Sink. Notify never
// blocks; when the queue is full the event is dropped and counted.
type Dispatcher struct {
	sink    Sink
	queue   chan Event
	workers int
	timeout time.Duration
	logger  *logging.Logger
	metrics *metrics.BookingMetrics

	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

type Options struct {
	QueueSize   int
	Workers     int
	SendTimeout time.Duration
	Logger      *logging.Logger
	Metrics     *metrics.BookingMetrics
}

func NewDispatcher(sink Sink, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Dispatcher{
		sink:    sink,
		queue:   make(chan Event, opts.QueueSize),
		workers: opts.Workers,
		timeout: opts.SendTimeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Start launches the workers. They exit once Stop drains the queue.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for ev := range d.queue {
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.sink.Send(ctx, ev); err != nil {
		d.logger.Warn("notification delivery failed",
			"kind", string(ev.Kind),
			"appointment_id", ev.AppointmentID,
			"error", err,
		)
		d.metrics.ObserveNotification(string(ev.Kind), "failed")
		return
	}
	d.metrics.ObserveNotification(string(ev.Kind), "sent")
}

// Notify enqueues ev and reports whether it was accepted.
func (d *Dispatcher) Notify(ev Event) bool {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.metrics.ObserveNotification(string(ev.Kind), "dropped")
		return false
	}

	select {
	case d.queue <- ev:
		d.metrics.ObserveNotification(string(ev.Kind), "queued")
		return true
	default:
		d.logger.Warn("notification queue full, dropping event",
			"kind", string(ev.Kind),
			"appointment_id", ev.AppointmentID,
		)
		d.metrics.ObserveNotification(string(ev.Kind), "dropped")
		return false
	}
}

// Stop refuses new events, waits for queued ones to be delivered, and
// returns early if ctx expires first.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
