package lending

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"campuslib/internal/clock"
)

const defaultPaymentMethod = "cash"

func (s *service) overdueAmount(days int) decimal.Decimal {
	if days <= 0 {
		return decimal.Zero
	}
	return s.policy.FinePerDay.Mul(decimal.NewFromInt(int64(days))).Round(2)
}

// assessOverdue sets the overdue fine of b from scratch. The caller persists b.
func (s *service) assessOverdue(ctx context.Context, b *Borrowing, days int) (*Fine, error) {
	reason := fmt.Sprintf("%d day(s) overdue", days)
	return s.upsertFine(ctx, b, FineOverdue, s.overdueAmount(days), reason)
}

// upsertFine creates the fine of a borrowing or overwrites its amount. Paid and waived fines are
// returned untouched.
func (s *service) upsertFine(ctx context.Context, b *Borrowing, fineType FineType, amount decimal.Decimal, reason string) (*Fine, error) {
	fine, err := s.repo.GetFineByBorrowingForUpdate(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if fine != nil && fine.Frozen() {
		return fine, nil
	}

	now := s.clock.Now()
	if fine == nil {
		fine = &Fine{
			ID:          uuid.New(),
			BorrowingID: b.ID,
			BorrowerID:  b.BorrowerID,
			FineType:    fineType,
			Amount:      amount,
			Reason:      reason,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err = s.repo.CreateFine(ctx, *fine)
	} else {
		fine.FineType = fineType
		fine.Amount = amount
		fine.Reason = reason
		fine.UpdatedAt = now
		err = s.repo.UpdateFine(ctx, *fine)
	}
	if err != nil {
		return nil, err
	}

	b.FineAmount = amount
	err = s.record(ctx, aggregateBorrowing, b.ID, EventFineAssessed, map[string]any{
		"fine_id":   fine.ID,
		"fine_type": fineType,
		"amount":    amount,
	})
	return fine, err
}

// AssessOverdue recomputes the overdue fine of one active loan. It returns nil when the loan is not
// overdue. Running it again on the same day leaves the amount unchanged.
func (s *service) AssessOverdue(ctx context.Context, borrowingID uuid.UUID) (_ *Fine, err error) {
	ctx, span := s.startSpan(ctx, "assess_overdue", attribute.String("borrowing.id", borrowingID.String()))
	defer func() { err = endSpan(span, err) }()

	var fine *Fine
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		b, err := s.repo.GetBorrowingForUpdate(txCtx, borrowingID)
		if err != nil {
			return err
		}
		days := b.DaysOverdue(s.clock.Now())
		if days == 0 {
			return nil
		}
		if fine, err = s.assessOverdue(txCtx, &b, days); err != nil {
			return err
		}
		return s.repo.UpdateBorrowing(txCtx, b)
	})
	if err != nil {
		return nil, err
	}
	if fine != nil {
		s.counters.finesAssessed.Add(ctx, 1)
	}
	return fine, nil
}

// SweepOverdue assesses every overdue loan in its own transaction. A failing record is logged and
// counted; the sweep carries on with the rest.
func (s *service) SweepOverdue(ctx context.Context) (_ SweepReport, err error) {
	ctx, span := s.startSpan(ctx, "sweep_overdue")
	defer func() { err = endSpan(span, err) }()

	loans, err := s.GetOverdueLoans(ctx)
	if err != nil {
		return SweepReport{}, err
	}

	var report SweepReport
	for _, loan := range loans {
		fine, err := s.AssessOverdue(ctx, loan.ID)
		if err != nil {
			report.Failed++
			s.logger.ErrorContext(ctx, "overdue assessment failed",
				slog.String("borrowing_id", loan.ID.String()),
				slog.Any("error", err),
			)
			continue
		}
		report.Processed++
		if fine != nil && !fine.Frozen() {
			s.notify(ctx, loan.BorrowerID, "Overdue Book",
				fmt.Sprintf("Copy %s is %d day(s) overdue. Current fine: %s", loan.CopyID, loan.DaysOverdue, fine.Amount.StringFixed(2)))
		}
	}
	s.logger.InfoContext(ctx, "overdue sweep finished",
		slog.Int("processed", report.Processed),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

// PayFine settles an unpaid fine. An empty method records a cash payment.
func (s *service) PayFine(ctx context.Context, fineID uuid.UUID, method string) (_ *Fine, err error) {
	ctx, span := s.startSpan(ctx, "pay_fine", attribute.String("fine.id", fineID.String()))
	defer func() { err = endSpan(span, err) }()

	method = strings.TrimSpace(method)
	if method == "" {
		method = defaultPaymentMethod
	}

	var fine Fine
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		fine, err = s.repo.GetFineForUpdate(txCtx, fineID)
		if err != nil {
			return err
		}
		if fine.IsPaid {
			return ErrFineAlreadyPaid
		}
		if fine.Waived {
			return ErrFineWaived
		}
		now := s.clock.Now()
		paid := clock.Day(now)
		fine.IsPaid = true
		fine.PaidDate = &paid
		fine.PaymentMethod = method
		fine.UpdatedAt = now
		if err := s.repo.UpdateFine(txCtx, fine); err != nil {
			return err
		}
		return s.record(txCtx, aggregateBorrowing, fine.BorrowingID, EventFinePaid, map[string]any{
			"fine_id": fine.ID,
			"amount":  fine.Amount,
			"method":  method,
		})
	})
	if err != nil {
		return nil, err
	}
	return &fine, nil
}

// WaiveFine freezes an unpaid fine so no later assessment changes it. Waiving twice is a no-op.
func (s *service) WaiveFine(ctx context.Context, fineID uuid.UUID, reason string) (_ *Fine, err error) {
	ctx, span := s.startSpan(ctx, "waive_fine", attribute.String("fine.id", fineID.String()))
	defer func() { err = endSpan(span, err) }()

	var fine Fine
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		fine, err = s.repo.GetFineForUpdate(txCtx, fineID)
		if err != nil {
			return err
		}
		if fine.IsPaid {
			return ErrFineAlreadyPaid
		}
		if fine.Waived {
			return nil
		}
		fine.Waived = true
		if reason = strings.TrimSpace(reason); reason != "" {
			fine.Reason = reason
		}
		fine.UpdatedAt = s.clock.Now()
		if err := s.repo.UpdateFine(txCtx, fine); err != nil {
			return err
		}
		return s.record(txCtx, aggregateBorrowing, fine.BorrowingID, EventFineWaived, map[string]any{
			"fine_id": fine.ID,
			"reason":  fine.Reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return &fine, nil
}

func (s *service) ListFines(ctx context.Context, borrowerID uuid.UUID, unpaidOnly bool) ([]Fine, error) {
	return s.repo.ListFines(ctx, FineFilter{BorrowerID: &borrowerID, UnpaidOnly: unpaidOnly})
}
