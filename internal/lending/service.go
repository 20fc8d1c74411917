package lending

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RegisterBookInput describes a new catalog record.
type RegisterBookInput struct {
	Title       string
	ISBN        string
	TotalCopies int
}

// IssueCardInput describes a new library card. Zero limits take the card defaults.
type IssueCardInput struct {
	BorrowerID uuid.UUID
	CardNumber string
	MaxBooks   int
	MaxDays    int
	ExpiryDate time.Time
	IssuedBy   string
}

// SweepReport summarises a scheduler-driven sweep.
type SweepReport struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Service defines the lending operations exposed to the API layer and the scheduler.
type Service interface {
	// InventoryCatalog
	RegisterBook(ctx context.Context, in RegisterBookInput) (*Book, error)
	RegisterCopy(ctx context.Context, bookID uuid.UUID, copyID string) (*BookCopy, error)
	AdjustTotalCopies(ctx context.Context, bookID uuid.UUID, newTotal int) (*Book, error)
	SetCopyStatus(ctx context.Context, copyID string, status CopyStatus) (*BookCopy, error)
	GetAvailability(ctx context.Context, bookID uuid.UUID) (*Availability, error)

	// BorrowerPolicy
	IssueCard(ctx context.Context, in IssueCardInput) (*LibraryCard, error)
	GetCard(ctx context.Context, borrowerID uuid.UUID) (*LibraryCard, error)
	SuspendCard(ctx context.Context, borrowerID uuid.UUID) (*LibraryCard, error)
	ReinstateCard(ctx context.Context, borrowerID uuid.UUID) (*LibraryCard, error)
	CancelCard(ctx context.Context, borrowerID uuid.UUID) (*LibraryCard, error)
	CheckEligibility(ctx context.Context, borrowerID uuid.UUID) error

	// LendingLedger
	Borrow(ctx context.Context, borrowerID uuid.UUID, copyID string) (*Borrowing, error)
	Return(ctx context.Context, borrowingID uuid.UUID, returnedBy string) (*Borrowing, error)
	Renew(ctx context.Context, borrowingID uuid.UUID) (*Borrowing, error)
	MarkLost(ctx context.Context, borrowingID uuid.UUID) (*Borrowing, error)
	MarkDamaged(ctx context.Context, borrowingID uuid.UUID) (*Borrowing, error)
	GetLoan(ctx context.Context, borrowingID uuid.UUID) (*Loan, error)
	GetBorrowerLoans(ctx context.Context, borrowerID uuid.UUID, activeOnly bool) ([]Loan, error)
	GetOverdueLoans(ctx context.Context) ([]Loan, error)
	GetBorrowerSummary(ctx context.Context, borrowerID uuid.UUID) (*BorrowerSummary, error)
	GetLoanHistory(ctx context.Context, borrowingID uuid.UUID) ([]Event, error)
	SendDueReminders(ctx context.Context, within time.Duration) (SweepReport, error)

	// FineEngine
	AssessOverdue(ctx context.Context, borrowingID uuid.UUID) (*Fine, error)
	SweepOverdue(ctx context.Context) (SweepReport, error)
	PayFine(ctx context.Context, fineID uuid.UUID, method string) (*Fine, error)
	WaiveFine(ctx context.Context, fineID uuid.UUID, reason string) (*Fine, error)
	ListFines(ctx context.Context, borrowerID uuid.UUID, unpaidOnly bool) ([]Fine, error)

	// ReservationQueue
	Reserve(ctx context.Context, borrowerID, bookID uuid.UUID) (*Reservation, error)
	CancelReservation(ctx context.Context, reservationID, borrowerID uuid.UUID) (*Reservation, error)
	ExpireStale(ctx context.Context) (int, error)
	Fulfil(ctx context.Context, bookID uuid.UUID) (*Reservation, error)
	ListReservations(ctx context.Context, bookID uuid.UUID, status ReservationStatus) ([]Reservation, error)
}

// Policy carries the configured lending constants.
type Policy struct {
	FinePerDay             decimal.Decimal
	LostItemFee            decimal.Decimal
	DamagedItemFee         decimal.Decimal
	DefaultLoanDays        int
	RenewalDays            int
	MaxRenewals            int
	ReservationTTL         time.Duration
	BlockOverdueRenewal    bool
	AutoFulfilReservations bool
}

// DefaultPolicy mirrors the library's historical defaults.
func DefaultPolicy() Policy {
	return Policy{
		FinePerDay:             decimal.RequireFromString("1.00"),
		LostItemFee:            decimal.RequireFromString("50.00"),
		DamagedItemFee:         decimal.RequireFromString("20.00"),
		DefaultLoanDays:        14,
		RenewalDays:            14,
		MaxRenewals:            2,
		ReservationTTL:         24 * time.Hour,
		AutoFulfilReservations: true,
	}
}
