// Package audit checks that the stored lending state still satisfies its steady-state invariants.
package audit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Threshold bounds the value a check may report.
type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Check is one measurable property of the lending state.
type Check struct {
	Name        string
	Description string
	Query       func(context.Context) (float64, error)
	Threshold   Threshold
}

type Violation struct {
	Check     string    `json:"check"`
	Expected  string    `json:"expected"`
	Actual    float64   `json:"actual"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is the outcome of one audit run.
type Report struct {
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Checks     int         `json:"checks"`
	Violations []Violation `json:"violations"`
}

func (r Report) Healthy() bool {
	return len(r.Violations) == 0
}

// Auditor runs registered checks. It is safe for concurrent use.
type Auditor struct {
	tracer trace.Tracer
	now    func() time.Time

	mu     sync.Mutex
	checks []Check
}

func NewAuditor(checks ...Check) *Auditor {
	return &Auditor{
		tracer: otel.Tracer("campuslib/audit"),
		now:    time.Now,
		checks: checks,
	}
}

func (a *Auditor) Register(c Check) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checks = append(a.checks, c)
}

// Run evaluates every check once. A failing query counts as a violation.
func (a *Auditor) Run(ctx context.Context) Report {
	ctx, span := a.tracer.Start(ctx, "audit.run")
	defer span.End()

	a.mu.Lock()
	checks := append([]Check(nil), a.checks...)
	a.mu.Unlock()

	report := Report{StartedAt: a.now(), Checks: len(checks), Violations: []Violation{}}
	for _, c := range checks {
		value, err := c.Query(ctx)
		switch {
		case err != nil:
			span.RecordError(err)
			report.Violations = append(report.Violations, Violation{
				Check:     c.Name,
				Expected:  c.Threshold.String(),
				Actual:    -1,
				Error:     err.Error(),
				Timestamp: a.now(),
			})
		case !c.Threshold.Holds(value):
			report.Violations = append(report.Violations, Violation{
				Check:     c.Name,
				Expected:  c.Threshold.String(),
				Actual:    value,
				Timestamp: a.now(),
			})
		}
	}
	report.FinishedAt = a.now()

	span.SetAttributes(
		attribute.Int("audit.checks", report.Checks),
		attribute.Int("audit.violations", len(report.Violations)),
	)
	if !report.Healthy() {
		span.SetStatus(codes.Error, "invariant violated")
	}
	return report
}

// Holds reports whether value satisfies the threshold. Unknown operators never hold.
func (t Threshold) Holds(value float64) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

func (t Threshold) String() string {
	return t.Operator + " " + strconv.FormatFloat(t.Value, 'f', -1, 64)
}
