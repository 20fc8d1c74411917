package lending

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"campuslib/internal/clock"
)

// service implements the Service interface.
type service struct {
	repo      Repository
	clock     clock.Clock
	policy    Policy
	directory BorrowerDirectory
	notifier  Notifier
	logger    *slog.Logger
	tracer    trace.Tracer
	counters  counters
}

type counters struct {
	borrows             metric.Int64Counter
	returns             metric.Int64Counter
	renewals            metric.Int64Counter
	finesAssessed       metric.Int64Counter
	reservationsExpired metric.Int64Counter
}

// Option configures the lending service.
type Option func(*service)

// WithClock overrides the system clock.
func WithClock(c clock.Clock) Option {
	return func(s *service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithPolicy overrides the default lending policy.
func WithPolicy(p Policy) Option {
	return func(s *service) {
		s.policy = p
	}
}

// WithDirectory enables borrower account checks before every borrow.
func WithDirectory(d BorrowerDirectory) Option {
	return func(s *service) {
		s.directory = d
	}
}

// WithNotifier sets the best-effort notification sink.
func WithNotifier(n Notifier) Option {
	return func(s *service) {
		s.notifier = n
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates a new lending service instance.
func NewService(repo Repository, opts ...Option) Service {
	s := &service{
		repo:   repo,
		clock:  clock.NewSystem(),
		policy: DefaultPolicy(),
		logger: slog.Default(),
		tracer: otel.Tracer("campuslib/lending"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.counters = newCounters(otel.Meter("campuslib/lending"))
	return s
}

func newCounters(meter metric.Meter) counters {
	mk := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			return noop.Int64Counter{}
		}
		return c
	}
	return counters{
		borrows:             mk("lending.borrows", "Copies lent out"),
		returns:             mk("lending.returns", "Copies returned"),
		renewals:            mk("lending.renewals", "Loans renewed"),
		finesAssessed:       mk("lending.fines.assessed", "Fine assessments written"),
		reservationsExpired: mk("lending.reservations.expired", "Reservations expired by sweeps"),
	}
}

func (s *service) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "lending."+op, trace.WithAttributes(attrs...))
}

// endSpan records err on the span and returns it unchanged.
func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("lending.error_kind", KindOf(err).String()))
	}
	span.End()
	return err
}

// record appends a journal entry inside the caller's transaction.
func (s *service) record(ctx context.Context, aggregateType string, aggregateID uuid.UUID, eventType string, data map[string]any) error {
	err := s.repo.AppendEvent(ctx, Event{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          data,
		OccurredAt:    s.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("record %s: %w", eventType, err)
	}
	return nil
}

// notify is fire-and-forget; it must only be called after the transaction has committed.
func (s *service) notify(ctx context.Context, borrowerID uuid.UUID, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, borrowerID, title, message); err != nil {
		s.logger.WarnContext(ctx, "notification failed",
			slog.String("borrower_id", borrowerID.String()),
			slog.String("title", title),
			slog.Any("error", err),
		)
	}
}
