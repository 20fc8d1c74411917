package lending

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// RegisterBook creates a catalog record with TotalCopies units available.
func (s *service) RegisterBook(ctx context.Context, in RegisterBookInput) (_ *Book, err error) {
	ctx, span := s.startSpan(ctx, "register_book", attribute.String("book.isbn", in.ISBN))
	defer func() { err = endSpan(span, err) }()

	in.Title = strings.TrimSpace(in.Title)
	in.ISBN = strings.TrimSpace(in.ISBN)
	if in.Title == "" {
		return nil, invalid("title is required")
	}
	if in.TotalCopies < 0 {
		return nil, invalid("total_copies must not be negative")
	}

	now := s.clock.Now()
	book := Book{
		ID:              uuid.New(),
		Title:           in.Title,
		ISBN:            in.ISBN,
		TotalCopies:     in.TotalCopies,
		AvailableCopies: in.TotalCopies,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.CreateBook(txCtx, book); err != nil {
			return err
		}
		return s.record(txCtx, aggregateBook, book.ID, EventBookRegistered, map[string]any{
			"title":        book.Title,
			"isbn":         book.ISBN,
			"total_copies": book.TotalCopies,
		})
	})
	if err != nil {
		return nil, err
	}
	return &book, nil
}

// RegisterCopy adds one lending unit to a book and grows both capacity counters by one.
func (s *service) RegisterCopy(ctx context.Context, bookID uuid.UUID, copyID string) (_ *BookCopy, err error) {
	ctx, span := s.startSpan(ctx, "register_copy",
		attribute.String("book.id", bookID.String()),
		attribute.String("copy.id", copyID),
	)
	defer func() { err = endSpan(span, err) }()

	copyID = strings.TrimSpace(copyID)
	if copyID == "" {
		return nil, invalid("copy id is required")
	}

	bookCopy := BookCopy{ID: copyID, BookID: bookID, Status: CopyAvailable, CreatedAt: s.clock.Now()}
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		book, err := s.repo.GetBookForUpdate(txCtx, bookID)
		if err != nil {
			return err
		}
		if err := s.repo.CreateCopy(txCtx, bookCopy); err != nil {
			return err
		}
		if err := s.repo.UpdateBookCounts(txCtx, bookID, book.TotalCopies+1, book.AvailableCopies+1); err != nil {
			return err
		}
		return s.record(txCtx, aggregateBook, bookID, EventCopyRegistered, map[string]any{"copy_id": copyID})
	})
	if err != nil {
		return nil, err
	}
	return &bookCopy, nil
}

// AdjustTotalCopies applies the change in total to the available counter as a delta.
// Copies already on loan are never recounted.
func (s *service) AdjustTotalCopies(ctx context.Context, bookID uuid.UUID, newTotal int) (_ *Book, err error) {
	ctx, span := s.startSpan(ctx, "adjust_total_copies",
		attribute.String("book.id", bookID.String()),
		attribute.Int("book.new_total", newTotal),
	)
	defer func() { err = endSpan(span, err) }()

	if newTotal < 0 {
		return nil, invalid("total_copies must not be negative")
	}

	var result Book
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		book, err := s.repo.GetBookForUpdate(txCtx, bookID)
		if err != nil {
			return err
		}
		delta := newTotal - book.TotalCopies
		available := book.AvailableCopies + delta
		if available < 0 {
			return ErrNegativeCapacity
		}
		if err := s.repo.UpdateBookCounts(txCtx, bookID, newTotal, available); err != nil {
			return err
		}
		book.TotalCopies, book.AvailableCopies = newTotal, available
		result = book
		return s.record(txCtx, aggregateBook, bookID, EventTotalCopiesAdjusted, map[string]any{
			"delta":     delta,
			"total":     newTotal,
			"available": available,
		})
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// SetCopyStatus moves a copy that is not on loan between shelf states.
func (s *service) SetCopyStatus(ctx context.Context, copyID string, status CopyStatus) (_ *BookCopy, err error) {
	ctx, span := s.startSpan(ctx, "set_copy_status",
		attribute.String("copy.id", copyID),
		attribute.String("copy.status", string(status)),
	)
	defer func() { err = endSpan(span, err) }()

	switch status {
	case CopyAvailable, CopyReserved, CopyMaintenance:
	default:
		return nil, ErrInvalidStatus
	}

	var result BookCopy
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		bookCopy, err := s.repo.GetCopyForUpdate(txCtx, copyID)
		if err != nil {
			return err
		}
		switch bookCopy.Status {
		case CopyBorrowed:
			return ErrCopyOnLoan
		case CopyLost, CopyDamaged:
			return ErrInvalidStatus
		}
		if err := s.repo.UpdateCopyStatus(txCtx, copyID, status); err != nil {
			return err
		}
		result = bookCopy
		result.Status = status
		return s.record(txCtx, aggregateBook, bookCopy.BookID, EventCopyStatusChanged, map[string]any{
			"copy_id": copyID,
			"from":    bookCopy.Status,
			"to":      status,
		})
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetAvailability reports the capacity counters of a book together with a per-status copy breakdown.
func (s *service) GetAvailability(ctx context.Context, bookID uuid.UUID) (_ *Availability, err error) {
	ctx, span := s.startSpan(ctx, "get_availability", attribute.String("book.id", bookID.String()))
	defer func() { err = endSpan(span, err) }()

	book, err := s.repo.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	byStatus, err := s.repo.CountCopiesByStatus(ctx, bookID)
	if err != nil {
		return nil, err
	}
	pending, err := s.repo.ListReservations(ctx, bookID, ReservationPending)
	if err != nil {
		return nil, err
	}
	return &Availability{
		BookID:          book.ID,
		TotalCopies:     book.TotalCopies,
		AvailableCopies: book.AvailableCopies,
		CopiesByStatus:  byStatus,
		PendingHolds:    len(pending),
	}, nil
}

// acquire takes a copy off the shelf. It must run inside the transaction that creates the borrowing.
func (s *service) acquire(ctx context.Context, bookCopy BookCopy) error {
	if bookCopy.Status != CopyAvailable {
		return ErrCopyUnavailable
	}
	book, err := s.repo.GetBookForUpdate(ctx, bookCopy.BookID)
	if err != nil {
		return err
	}
	if book.AvailableCopies <= 0 {
		return ErrCopyUnavailable
	}
	if err := s.repo.UpdateCopyStatus(ctx, bookCopy.ID, CopyBorrowed); err != nil {
		return err
	}
	return s.repo.UpdateBookCounts(ctx, book.ID, book.TotalCopies, book.AvailableCopies-1)
}

// release puts a borrowed copy back on the shelf inside the returning transaction.
func (s *service) release(ctx context.Context, bookCopy BookCopy) error {
	if bookCopy.Status != CopyBorrowed {
		return ErrInvalidStatus
	}
	book, err := s.repo.GetBookForUpdate(ctx, bookCopy.BookID)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateCopyStatus(ctx, bookCopy.ID, CopyAvailable); err != nil {
		return err
	}
	return s.repo.UpdateBookCounts(ctx, book.ID, book.TotalCopies, book.AvailableCopies+1)
}

// writeOff removes a borrowed copy from the collection. Total shrinks with the borrowed count,
// so the available counter stays as it is.
func (s *service) writeOff(ctx context.Context, bookCopy BookCopy, status CopyStatus) error {
	if bookCopy.Status != CopyBorrowed {
		return ErrInvalidStatus
	}
	book, err := s.repo.GetBookForUpdate(ctx, bookCopy.BookID)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateCopyStatus(ctx, bookCopy.ID, status); err != nil {
		return err
	}
	total := max(book.TotalCopies-1, 0)
	return s.repo.UpdateBookCounts(ctx, book.ID, total, min(book.AvailableCopies, total))
}
