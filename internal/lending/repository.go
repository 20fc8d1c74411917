package lending

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Every ...ForUpdate method locks the row it reads until the surrounding WithTx returns.

type CatalogStore interface {
	CreateBook(ctx context.Context, book Book) error
	GetBook(ctx context.Context, id uuid.UUID) (Book, error)
	GetBookForUpdate(ctx context.Context, id uuid.UUID) (Book, error)
	UpdateBookCounts(ctx context.Context, id uuid.UUID, total, available int) error
	CreateCopy(ctx context.Context, copy BookCopy) error
	GetCopyForUpdate(ctx context.Context, copyID string) (BookCopy, error)
	UpdateCopyStatus(ctx context.Context, copyID string, status CopyStatus) error
	// FindAvailableCopyForUpdate returns nil when no copy of the book is AVAILABLE.
	FindAvailableCopyForUpdate(ctx context.Context, bookID uuid.UUID) (*BookCopy, error)
	CountCopiesByStatus(ctx context.Context, bookID uuid.UUID) (map[CopyStatus]int, error)
}

type CardStore interface {
	CreateCard(ctx context.Context, card LibraryCard) error
	GetCard(ctx context.Context, borrowerID uuid.UUID) (LibraryCard, error)
	GetCardForUpdate(ctx context.Context, borrowerID uuid.UUID) (LibraryCard, error)
	UpdateCardStatus(ctx context.Context, borrowerID uuid.UUID, status CardStatus) error
}

// BorrowingFilter narrows borrowing listings. Zero values mean "any".
type BorrowingFilter struct {
	BorrowerID *uuid.UUID
	Status     BorrowingStatus
	DueBefore  *time.Time
	DueFrom    *time.Time
}

type LoanStore interface {
	CreateBorrowing(ctx context.Context, b Borrowing) error
	GetBorrowing(ctx context.Context, id uuid.UUID) (Borrowing, error)
	GetBorrowingForUpdate(ctx context.Context, id uuid.UUID) (Borrowing, error)
	UpdateBorrowing(ctx context.Context, b Borrowing) error
	CountActiveBorrowings(ctx context.Context, borrowerID uuid.UUID) (int, error)
	ListBorrowings(ctx context.Context, filter BorrowingFilter) ([]Borrowing, error)
}

// FineFilter narrows fine listings.
type FineFilter struct {
	BorrowerID *uuid.UUID
	UnpaidOnly bool
}

type FineStore interface {
	CreateFine(ctx context.Context, fine Fine) error
	UpdateFine(ctx context.Context, fine Fine) error
	GetFineForUpdate(ctx context.Context, id uuid.UUID) (Fine, error)
	// GetFineByBorrowingForUpdate returns nil when the borrowing has no fine yet.
	GetFineByBorrowingForUpdate(ctx context.Context, borrowingID uuid.UUID) (*Fine, error)
	ListFines(ctx context.Context, filter FineFilter) ([]Fine, error)
}

type ReservationStore interface {
	CreateReservation(ctx context.Context, r Reservation) error
	GetReservationForUpdate(ctx context.Context, id uuid.UUID) (Reservation, error)
	UpdateReservation(ctx context.Context, r Reservation) error
	HasPendingReservation(ctx context.Context, borrowerID, bookID uuid.UUID) (bool, error)
	// ListPendingReservationsForUpdate returns unexpired PENDING reservations, oldest first.
	ListPendingReservationsForUpdate(ctx context.Context, bookID uuid.UUID, now time.Time) ([]Reservation, error)
	ListReservations(ctx context.Context, bookID uuid.UUID, status ReservationStatus) ([]Reservation, error)
	// ExpireReservations moves every PENDING reservation with expiry_date < now to EXPIRED.
	ExpireReservations(ctx context.Context, now time.Time) (int, error)
	// ExpireLapsedReservation does the same for one borrower and book and reports whether a row moved.
	ExpireLapsedReservation(ctx context.Context, borrowerID, bookID uuid.UUID, now time.Time) (bool, error)
}

type EventJournal interface {
	AppendEvent(ctx context.Context, event Event) error
	LoadEvents(ctx context.Context, aggregateID uuid.UUID) ([]Event, error)
}

// Repository is the storage port of the lending core.
type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CatalogStore
	CardStore
	LoanStore
	FineStore
	ReservationStore
	EventJournal
}

// BorrowerDirectory resolves borrower ids against the campus account system.
type BorrowerDirectory interface {
	// IsActive returns ErrBorrowerNotFound for unknown ids.
	IsActive(ctx context.Context, borrowerID uuid.UUID) (bool, error)
}

// Notifier delivers advisory messages to borrowers. Failures never affect lending state.
type Notifier interface {
	Notify(ctx context.Context, borrowerID uuid.UUID, title, message string) error
}
