package lending

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"campuslib/internal/clock"
)

// Book is a bibliographic record with aggregate capacity counters.
// AvailableCopies always equals TotalCopies minus the copies currently on loan.
type Book struct {
	ID              uuid.UUID `json:"id" db:"id"`
	Title           string    `json:"title" db:"title"`
	ISBN            string    `json:"isbn,omitempty" db:"isbn"`
	TotalCopies     int       `json:"total_copies" db:"total_copies"`
	AvailableCopies int       `json:"available_copies" db:"available_copies"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

type CopyStatus string

const (
	CopyAvailable   CopyStatus = "AVAILABLE"
	CopyBorrowed    CopyStatus = "BORROWED"
	CopyReserved    CopyStatus = "RESERVED"
	CopyMaintenance CopyStatus = "MAINTENANCE"
	CopyLost        CopyStatus = "LOST"
	CopyDamaged     CopyStatus = "DAMAGED"
)

// BookCopy is one physical lending unit. ID is the copy number printed on the item.
type BookCopy struct {
	ID        string     `json:"id" db:"id"`
	BookID    uuid.UUID  `json:"book_id" db:"book_id"`
	Status    CopyStatus `json:"status" db:"status"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

type CardStatus string

const (
	CardActive    CardStatus = "ACTIVE"
	CardSuspended CardStatus = "SUSPENDED"
	CardExpired   CardStatus = "EXPIRED"
	CardCancelled CardStatus = "CANCELLED"
)

const (
	defaultCardValidityDays = 365
	defaultCardMaxBooks     = 5
	defaultCardMaxDays      = 14
)

// LibraryCard is the per-borrower entitlement record.
type LibraryCard struct {
	BorrowerID uuid.UUID  `json:"borrower_id" db:"borrower_id"`
	CardNumber string     `json:"card_number" db:"card_number"`
	IssueDate  time.Time  `json:"issue_date" db:"issue_date"`
	ExpiryDate time.Time  `json:"expiry_date" db:"expiry_date"`
	Status     CardStatus `json:"status" db:"status"`
	MaxBooks   int        `json:"max_books" db:"max_books"`
	MaxDays    int        `json:"max_days" db:"max_days"`
	IssuedBy   string     `json:"issued_by,omitempty" db:"issued_by"`
}

// EffectiveStatus reports EXPIRED for an ACTIVE card past its expiry date. Expiry is never stored.
func (c LibraryCard) EffectiveStatus(now time.Time) CardStatus {
	if c.Status == CardActive && clock.Day(now).After(clock.Day(c.ExpiryDate)) {
		return CardExpired
	}
	return c.Status
}

type BorrowingStatus string

const (
	BorrowingActive   BorrowingStatus = "ACTIVE"
	BorrowingReturned BorrowingStatus = "RETURNED"
	BorrowingOverdue  BorrowingStatus = "OVERDUE"
	BorrowingLost     BorrowingStatus = "LOST"
	BorrowingDamaged  BorrowingStatus = "DAMAGED"
)

// Borrowing is a loan of one copy to one borrower.
type Borrowing struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	BorrowerID   uuid.UUID       `json:"borrower_id" db:"borrower_id"`
	CopyID       string          `json:"copy_id" db:"copy_id"`
	BookID       uuid.UUID       `json:"book_id" db:"book_id"`
	BorrowedDate time.Time       `json:"borrowed_date" db:"borrowed_date"`
	DueDate      time.Time       `json:"due_date" db:"due_date"`
	ReturnedDate *time.Time      `json:"returned_date,omitempty" db:"returned_date"`
	Status       BorrowingStatus `json:"status" db:"status"`
	RenewedCount int             `json:"renewed_count" db:"renewed_count"`
	MaxRenewals  int             `json:"max_renewals" db:"max_renewals"`
	FineAmount   decimal.Decimal `json:"fine_amount" db:"fine_amount"`
	ReturnedTo   string          `json:"returned_to,omitempty" db:"returned_to"`
}

// IsOverdue reports whether an active loan is past its due date on the given day.
func (b Borrowing) IsOverdue(now time.Time) bool {
	return b.Status == BorrowingActive && clock.Day(b.DueDate).Before(clock.Day(now))
}

// DaysOverdue is zero unless the loan is overdue.
func (b Borrowing) DaysOverdue(now time.Time) int {
	if !b.IsOverdue(now) {
		return 0
	}
	return clock.DaysBetween(b.DueDate, now)
}

// EffectiveStatus derives OVERDUE from ACTIVE; OVERDUE is never stored.
func (b Borrowing) EffectiveStatus(now time.Time) BorrowingStatus {
	if b.IsOverdue(now) {
		return BorrowingOverdue
	}
	return b.Status
}

// Loan is a Borrowing as presented to callers, with its derived status.
type Loan struct {
	Borrowing
	Status      BorrowingStatus `json:"status"`
	DaysOverdue int             `json:"days_overdue"`
}

func newLoan(b Borrowing, now time.Time) Loan {
	return Loan{Borrowing: b, Status: b.EffectiveStatus(now), DaysOverdue: b.DaysOverdue(now)}
}

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationFulfilled ReservationStatus = "FULFILLED"
	ReservationCancelled ReservationStatus = "CANCELLED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// Reservation is a queued request for a book, not a specific copy.
type Reservation struct {
	ID              uuid.UUID         `json:"id" db:"id"`
	BorrowerID      uuid.UUID         `json:"borrower_id" db:"borrower_id"`
	BookID          uuid.UUID         `json:"book_id" db:"book_id"`
	ReservationDate time.Time         `json:"reservation_date" db:"reservation_date"`
	ExpiryDate      time.Time         `json:"expiry_date" db:"expiry_date"`
	Status          ReservationStatus `json:"status" db:"status"`
	BorrowingID     *uuid.UUID        `json:"borrowing_id,omitempty" db:"borrowing_id"`
}

type FineType string

const (
	FineOverdue FineType = "OVERDUE"
	FineLost    FineType = "LOST"
	FineDamaged FineType = "DAMAGED"
	FineOther   FineType = "OTHER"
)

// Fine is the monetary penalty attached 1:1 to a Borrowing.
type Fine struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	BorrowingID   uuid.UUID       `json:"borrowing_id" db:"borrowing_id"`
	BorrowerID    uuid.UUID       `json:"borrower_id" db:"borrower_id"`
	FineType      FineType        `json:"fine_type" db:"fine_type"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	IsPaid        bool            `json:"is_paid" db:"is_paid"`
	PaidDate      *time.Time      `json:"paid_date,omitempty" db:"paid_date"`
	PaymentMethod string          `json:"payment_method,omitempty" db:"payment_method"`
	Waived        bool            `json:"waived" db:"waived"`
	Reason        string          `json:"reason,omitempty" db:"reason"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Frozen fines keep their amount regardless of later assessments.
func (f Fine) Frozen() bool {
	return f.IsPaid || f.Waived
}

// Availability is the capacity view of a book.
type Availability struct {
	BookID          uuid.UUID          `json:"book_id"`
	TotalCopies     int                `json:"total_copies"`
	AvailableCopies int                `json:"available_copies"`
	CopiesByStatus  map[CopyStatus]int `json:"copies_by_status"`
	PendingHolds    int                `json:"pending_reservations"`
}

// BorrowerSummary aggregates one borrower's loans and fines.
type BorrowerSummary struct {
	BorrowerID      uuid.UUID       `json:"borrower_id"`
	TotalBorrowed   int             `json:"total_borrowed"`
	CurrentlyOnLoan int             `json:"currently_on_loan"`
	Overdue         int             `json:"overdue"`
	UnpaidFines     decimal.Decimal `json:"unpaid_fines"`
}

// Event is a journal entry describing a committed lending change.
type Event struct {
	AggregateID   uuid.UUID      `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	EventType     string         `json:"event_type"`
	Data          map[string]any `json:"data"`
	Version       int            `json:"version"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

const (
	aggregateBook        = "book"
	aggregateBorrowing   = "borrowing"
	aggregateReservation = "reservation"
	aggregateCard        = "card"
)

const (
	EventBookRegistered       = "BookRegistered"
	EventCopyRegistered       = "CopyRegistered"
	EventTotalCopiesAdjusted  = "TotalCopiesAdjusted"
	EventCopyStatusChanged    = "CopyStatusChanged"
	EventCardIssued           = "CardIssued"
	EventCardStatusChanged    = "CardStatusChanged"
	EventCopyLent             = "CopyLent"
	EventCopyReturned         = "CopyReturned"
	EventLoanRenewed          = "LoanRenewed"
	EventLoanWrittenOff       = "LoanWrittenOff"
	EventFineAssessed         = "FineAssessed"
	EventFinePaid             = "FinePaid"
	EventFineWaived           = "FineWaived"
	EventReservationPlaced    = "ReservationPlaced"
	EventReservationCancelled = "ReservationCancelled"
	EventReservationFulfilled = "ReservationFulfilled"
)
