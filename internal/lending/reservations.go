package lending

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Reserve queues a borrower for a book. Reserving a book that still has copies on the shelf is
// allowed and only logged. A lapsed hold of the same borrower not yet swept is expired first.
func (s *service) Reserve(ctx context.Context, borrowerID, bookID uuid.UUID) (_ *Reservation, err error) {
	ctx, span := s.startSpan(ctx, "reserve",
		attribute.String("borrower.id", borrowerID.String()),
		attribute.String("book.id", bookID.String()),
	)
	defer func() { err = endSpan(span, err) }()

	if err := s.checkDirectory(ctx, borrowerID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	r := Reservation{
		ID:              uuid.New(),
		BorrowerID:      borrowerID,
		BookID:          bookID,
		ReservationDate: now,
		ExpiryDate:      now.Add(s.policy.ReservationTTL),
		Status:          ReservationPending,
	}
	var lapsed bool
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		book, err := s.repo.GetBook(txCtx, bookID)
		if err != nil {
			return err
		}
		if lapsed, err = s.repo.ExpireLapsedReservation(txCtx, borrowerID, bookID, now); err != nil {
			return err
		}
		pending, err := s.repo.HasPendingReservation(txCtx, borrowerID, bookID)
		if err != nil {
			return err
		}
		if pending {
			return ErrDuplicateReservation
		}
		if book.AvailableCopies > 0 {
			s.logger.WarnContext(txCtx, "reservation placed for a book with copies available",
				slog.String("book_id", bookID.String()),
				slog.Int("available_copies", book.AvailableCopies),
			)
		}
		if err := s.repo.CreateReservation(txCtx, r); err != nil {
			return err
		}
		return s.record(txCtx, aggregateReservation, r.ID, EventReservationPlaced, map[string]any{
			"borrower_id": borrowerID,
			"book_id":     bookID,
			"expiry_date": r.ExpiryDate,
		})
	})
	if err != nil {
		return nil, err
	}
	if lapsed {
		s.counters.reservationsExpired.Add(ctx, 1)
	}
	return &r, nil
}

// CancelReservation withdraws a pending reservation. A zero borrowerID skips the holder check.
func (s *service) CancelReservation(ctx context.Context, reservationID, borrowerID uuid.UUID) (_ *Reservation, err error) {
	ctx, span := s.startSpan(ctx, "cancel_reservation", attribute.String("reservation.id", reservationID.String()))
	defer func() { err = endSpan(span, err) }()

	var r Reservation
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		r, err = s.repo.GetReservationForUpdate(txCtx, reservationID)
		if err != nil {
			return err
		}
		if borrowerID != uuid.Nil && r.BorrowerID != borrowerID {
			return ErrReservationNotFound
		}
		switch r.Status {
		case ReservationCancelled:
			return nil
		case ReservationPending:
		default:
			return fmt.Errorf("reservation is %s: %w", r.Status, ErrReservationClosed)
		}
		r.Status = ReservationCancelled
		if err := s.repo.UpdateReservation(txCtx, r); err != nil {
			return err
		}
		return s.record(txCtx, aggregateReservation, r.ID, EventReservationCancelled, nil)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ExpireStale moves pending reservations past their expiry to EXPIRED. Terminal reservations are
// never touched, so repeated runs are no-ops.
func (s *service) ExpireStale(ctx context.Context) (_ int, err error) {
	ctx, span := s.startSpan(ctx, "expire_stale")
	defer func() { err = endSpan(span, err) }()

	n, err := s.repo.ExpireReservations(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	s.counters.reservationsExpired.Add(ctx, int64(n))
	s.logger.InfoContext(ctx, "stale reservations expired", slog.Int("count", n))
	return n, nil
}

// Fulfil lends a free copy of the book to the oldest pending reservation whose holder is still
// eligible. Holders that are not are skipped and keep their place. It returns nil when nothing
// was promoted.
func (s *service) Fulfil(ctx context.Context, bookID uuid.UUID) (_ *Reservation, err error) {
	ctx, span := s.startSpan(ctx, "fulfil", attribute.String("book.id", bookID.String()))
	defer func() { err = endSpan(span, err) }()

	var (
		promoted *Reservation
		lent     Borrowing
	)
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		now := s.clock.Now()
		queue, err := s.repo.ListPendingReservationsForUpdate(txCtx, bookID, now)
		if err != nil {
			return err
		}
		for _, r := range queue {
			// Holder's card before any copy, the order Borrow locks in.
			card, err := s.repo.GetCardForUpdate(txCtx, r.BorrowerID)
			if err == nil {
				err = s.eligible(txCtx, card, now)
			}
			if err == nil {
				var bookCopy *BookCopy
				if bookCopy, err = s.repo.FindAvailableCopyForUpdate(txCtx, bookID); err != nil {
					return err
				}
				if bookCopy == nil {
					return nil
				}
				lent, err = s.lend(txCtx, r.BorrowerID, bookCopy.ID, now)
			}
			switch KindOf(err) {
			case KindPolicyViolation, KindNotFound:
				s.logger.InfoContext(txCtx, "reservation holder skipped",
					slog.String("reservation_id", r.ID.String()),
					slog.String("reason", CodeOf(err)),
				)
				continue
			}
			if err != nil {
				return err
			}

			r.Status = ReservationFulfilled
			r.BorrowingID = &lent.ID
			if err := s.repo.UpdateReservation(txCtx, r); err != nil {
				return err
			}
			promoted = &r
			return s.record(txCtx, aggregateReservation, r.ID, EventReservationFulfilled, map[string]any{
				"borrowing_id": lent.ID,
				"copy_id":      lent.CopyID,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if promoted == nil {
		return nil, nil
	}

	s.counters.borrows.Add(ctx, 1)
	s.notify(ctx, promoted.BorrowerID, "Reservation Ready",
		fmt.Sprintf("Copy %s has been issued to you from your reservation. Due date: %s", lent.CopyID, lent.DueDate.Format(time.DateOnly)))
	return promoted, nil
}

func (s *service) ListReservations(ctx context.Context, bookID uuid.UUID, status ReservationStatus) ([]Reservation, error) {
	if _, err := s.repo.GetBook(ctx, bookID); err != nil {
		return nil, err
	}
	return s.repo.ListReservations(ctx, bookID, status)
}
