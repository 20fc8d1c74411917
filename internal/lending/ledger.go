package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"campuslib/internal/clock"
)

// Borrow lends a copy to a borrower. Eligibility, the copy status flip, the availability
// decrement and the new borrowing commit together or not at all.
func (s *service) Borrow(ctx context.Context, borrowerID uuid.UUID, copyID string) (_ *Borrowing, err error) {
	ctx, span := s.startSpan(ctx, "borrow",
		attribute.String("borrower.id", borrowerID.String()),
		attribute.String("copy.id", copyID),
	)
	defer func() { err = endSpan(span, err) }()

	if err := s.checkDirectory(ctx, borrowerID); err != nil {
		return nil, err
	}

	var b Borrowing
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		b, err = s.lend(txCtx, borrowerID, copyID, s.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}

	s.counters.borrows.Add(ctx, 1)
	s.notify(ctx, borrowerID, "Book Issued",
		fmt.Sprintf("Copy %s has been issued to you. Due date: %s", b.CopyID, b.DueDate.Format(time.DateOnly)))
	return &b, nil
}

// lend runs inside a transaction. Lock order is card, copy, book.
func (s *service) lend(ctx context.Context, borrowerID uuid.UUID, copyID string, now time.Time) (Borrowing, error) {
	card, err := s.repo.GetCardForUpdate(ctx, borrowerID)
	if err != nil {
		return Borrowing{}, err
	}
	if err := s.eligible(ctx, card, now); err != nil {
		return Borrowing{}, err
	}
	bookCopy, err := s.repo.GetCopyForUpdate(ctx, copyID)
	if err != nil {
		return Borrowing{}, err
	}
	if err := s.acquire(ctx, bookCopy); err != nil {
		return Borrowing{}, err
	}

	today := clock.Day(now)
	b := Borrowing{
		ID:           uuid.New(),
		BorrowerID:   borrowerID,
		CopyID:       bookCopy.ID,
		BookID:       bookCopy.BookID,
		BorrowedDate: today,
		DueDate:      today.AddDate(0, 0, s.loanDays(card)),
		Status:       BorrowingActive,
		MaxRenewals:  s.policy.MaxRenewals,
		FineAmount:   decimal.Zero,
	}
	if err := s.repo.CreateBorrowing(ctx, b); err != nil {
		return Borrowing{}, err
	}
	err = s.record(ctx, aggregateBorrowing, b.ID, EventCopyLent, map[string]any{
		"borrower_id": borrowerID,
		"copy_id":     b.CopyID,
		"book_id":     b.BookID,
		"due_date":    b.DueDate,
	})
	return b, err
}

// Return closes an active loan, puts the copy back and assesses the overdue fine if the loan is late.
func (s *service) Return(ctx context.Context, borrowingID uuid.UUID, returnedBy string) (_ *Borrowing, err error) {
	ctx, span := s.startSpan(ctx, "return", attribute.String("borrowing.id", borrowingID.String()))
	defer func() { err = endSpan(span, err) }()

	var (
		b    Borrowing
		fine *Fine
	)
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		b, err = s.repo.GetBorrowingForUpdate(txCtx, borrowingID)
		if err != nil {
			return err
		}
		if b.Status != BorrowingActive {
			return ErrAlreadyReturned
		}
		bookCopy, err := s.repo.GetCopyForUpdate(txCtx, b.CopyID)
		if err != nil {
			return err
		}
		if err := s.release(txCtx, bookCopy); err != nil {
			return err
		}

		now := s.clock.Now()
		if days := b.DaysOverdue(now); days > 0 {
			if fine, err = s.assessOverdue(txCtx, &b, days); err != nil {
				return err
			}
		}

		today := clock.Day(now)
		b.Status = BorrowingReturned
		b.ReturnedDate = &today
		b.ReturnedTo = returnedBy
		if err := s.repo.UpdateBorrowing(txCtx, b); err != nil {
			return err
		}
		return s.record(txCtx, aggregateBorrowing, b.ID, EventCopyReturned, map[string]any{
			"copy_id":     b.CopyID,
			"returned_to": returnedBy,
			"fine_amount": b.FineAmount,
		})
	})
	if err != nil {
		return nil, err
	}

	s.counters.returns.Add(ctx, 1)
	if fine != nil && fine.Amount.IsPositive() && !fine.Frozen() {
		s.notify(ctx, b.BorrowerID, "Library Fine Due",
			fmt.Sprintf("A fine of %s is due for returned copy %s.", fine.Amount.StringFixed(2), b.CopyID))
	}
	if s.policy.AutoFulfilReservations {
		if _, err := s.Fulfil(ctx, b.BookID); err != nil {
			s.logger.WarnContext(ctx, "reservation promotion failed",
				slog.String("book_id", b.BookID.String()),
				slog.Any("error", err),
			)
		}
	}
	return &b, nil
}

// Renew pushes the due date out by one loan period, up to MaxRenewals times.
func (s *service) Renew(ctx context.Context, borrowingID uuid.UUID) (_ *Borrowing, err error) {
	ctx, span := s.startSpan(ctx, "renew", attribute.String("borrowing.id", borrowingID.String()))
	defer func() { err = endSpan(span, err) }()

	var b Borrowing
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		b, err = s.repo.GetBorrowingForUpdate(txCtx, borrowingID)
		if err != nil {
			return err
		}
		if b.Status != BorrowingActive {
			return ErrAlreadyReturned
		}
		if b.RenewedCount >= b.MaxRenewals {
			return ErrRenewalLimitExceeded
		}
		if s.policy.BlockOverdueRenewal && b.IsOverdue(s.clock.Now()) {
			return ErrRenewOverdue
		}

		days := s.policy.RenewalDays
		card, err := s.repo.GetCard(txCtx, b.BorrowerID)
		switch {
		case err == nil:
			days = s.renewalDays(card)
		case !errors.Is(err, ErrCardNotFound):
			return err
		}

		b.DueDate = clock.Day(b.DueDate).AddDate(0, 0, days)
		b.RenewedCount++
		if err := s.repo.UpdateBorrowing(txCtx, b); err != nil {
			return err
		}
		return s.record(txCtx, aggregateBorrowing, b.ID, EventLoanRenewed, map[string]any{
			"due_date":      b.DueDate,
			"renewed_count": b.RenewedCount,
		})
	})
	if err != nil {
		return nil, err
	}
	s.counters.renewals.Add(ctx, 1)
	return &b, nil
}

// MarkLost writes off a loaned copy as lost and charges the replacement fee.
func (s *service) MarkLost(ctx context.Context, borrowingID uuid.UUID) (*Borrowing, error) {
	return s.writeOffLoan(ctx, borrowingID, BorrowingLost, CopyLost, FineLost, s.policy.LostItemFee)
}

// MarkDamaged writes off a loaned copy as damaged and charges the damage fee.
func (s *service) MarkDamaged(ctx context.Context, borrowingID uuid.UUID) (*Borrowing, error) {
	return s.writeOffLoan(ctx, borrowingID, BorrowingDamaged, CopyDamaged, FineDamaged, s.policy.DamagedItemFee)
}

func (s *service) writeOffLoan(ctx context.Context, borrowingID uuid.UUID, status BorrowingStatus, copyStatus CopyStatus, fineType FineType, fee decimal.Decimal) (_ *Borrowing, err error) {
	ctx, span := s.startSpan(ctx, "write_off",
		attribute.String("borrowing.id", borrowingID.String()),
		attribute.String("borrowing.status", string(status)),
	)
	defer func() { err = endSpan(span, err) }()

	var b Borrowing
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		b, err = s.repo.GetBorrowingForUpdate(txCtx, borrowingID)
		if err != nil {
			return err
		}
		if b.Status != BorrowingActive {
			return ErrAlreadyReturned
		}
		bookCopy, err := s.repo.GetCopyForUpdate(txCtx, b.CopyID)
		if err != nil {
			return err
		}
		if err := s.writeOff(txCtx, bookCopy, copyStatus); err != nil {
			return err
		}

		amount := fee.Add(s.overdueAmount(b.DaysOverdue(s.clock.Now())))
		reason := fmt.Sprintf("copy %s reported %s", b.CopyID, status)
		if _, err := s.upsertFine(txCtx, &b, fineType, amount, reason); err != nil {
			return err
		}
		b.Status = status
		if err := s.repo.UpdateBorrowing(txCtx, b); err != nil {
			return err
		}
		return s.record(txCtx, aggregateBorrowing, b.ID, EventLoanWrittenOff, map[string]any{
			"copy_id": b.CopyID,
			"status":  status,
		})
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, b.BorrowerID, "Library Fine Due",
		fmt.Sprintf("Copy %s was recorded as %s. Amount due: %s", b.CopyID, status, b.FineAmount.StringFixed(2)))
	return &b, nil
}

func (s *service) GetLoan(ctx context.Context, borrowingID uuid.UUID) (*Loan, error) {
	b, err := s.repo.GetBorrowing(ctx, borrowingID)
	if err != nil {
		return nil, err
	}
	loan := newLoan(b, s.clock.Now())
	return &loan, nil
}

// GetBorrowerLoans lists a borrower's loans, newest first.
func (s *service) GetBorrowerLoans(ctx context.Context, borrowerID uuid.UUID, activeOnly bool) ([]Loan, error) {
	filter := BorrowingFilter{BorrowerID: &borrowerID}
	if activeOnly {
		filter.Status = BorrowingActive
	}
	return s.listLoans(ctx, filter)
}

// GetOverdueLoans lists every active loan whose due date has passed.
func (s *service) GetOverdueLoans(ctx context.Context) ([]Loan, error) {
	today := clock.Day(s.clock.Now())
	return s.listLoans(ctx, BorrowingFilter{Status: BorrowingActive, DueBefore: &today})
}

func (s *service) listLoans(ctx context.Context, filter BorrowingFilter) ([]Loan, error) {
	borrowings, err := s.repo.ListBorrowings(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	loans := make([]Loan, 0, len(borrowings))
	for _, b := range borrowings {
		loans = append(loans, newLoan(b, now))
	}
	return loans, nil
}

func (s *service) GetBorrowerSummary(ctx context.Context, borrowerID uuid.UUID) (*BorrowerSummary, error) {
	borrowings, err := s.repo.ListBorrowings(ctx, BorrowingFilter{BorrowerID: &borrowerID})
	if err != nil {
		return nil, err
	}
	fines, err := s.repo.ListFines(ctx, FineFilter{BorrowerID: &borrowerID, UnpaidOnly: true})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	summary := &BorrowerSummary{BorrowerID: borrowerID, TotalBorrowed: len(borrowings), UnpaidFines: decimal.Zero}
	for _, b := range borrowings {
		if b.Status == BorrowingActive {
			summary.CurrentlyOnLoan++
		}
		if b.IsOverdue(now) {
			summary.Overdue++
		}
	}
	for _, f := range fines {
		summary.UnpaidFines = summary.UnpaidFines.Add(f.Amount)
	}
	return summary, nil
}

// GetLoanHistory replays the journal entries recorded for one borrowing.
func (s *service) GetLoanHistory(ctx context.Context, borrowingID uuid.UUID) ([]Event, error) {
	if _, err := s.repo.GetBorrowing(ctx, borrowingID); err != nil {
		return nil, err
	}
	return s.repo.LoadEvents(ctx, borrowingID)
}

// SendDueReminders notifies holders of active loans falling due within the window.
// Each loan is handled on its own; delivery failures are counted, not returned.
func (s *service) SendDueReminders(ctx context.Context, within time.Duration) (_ SweepReport, err error) {
	ctx, span := s.startSpan(ctx, "send_due_reminders")
	defer func() { err = endSpan(span, err) }()

	now := s.clock.Now()
	from := clock.Day(now)
	until := clock.Day(now.Add(within)).AddDate(0, 0, 1)
	borrowings, err := s.repo.ListBorrowings(ctx, BorrowingFilter{Status: BorrowingActive, DueFrom: &from, DueBefore: &until})
	if err != nil {
		return SweepReport{}, err
	}

	var report SweepReport
	for _, b := range borrowings {
		if s.notifier == nil {
			break
		}
		msg := fmt.Sprintf("Copy %s is due on %s.", b.CopyID, b.DueDate.Format(time.DateOnly))
		if err := s.notifier.Notify(ctx, b.BorrowerID, "Library Due Date Reminder", msg); err != nil {
			report.Failed++
			s.logger.WarnContext(ctx, "due reminder failed",
				slog.String("borrowing_id", b.ID.String()),
				slog.Any("error", err),
			)
			continue
		}
		report.Processed++
	}
	return report, nil
}
