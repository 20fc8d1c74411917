package lending

import "errors"

// Kind classifies lending failures for callers.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindPolicyViolation
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPolicyViolation:
		return "policy_violation"
	case KindValidation:
		return "validation"
	default:
		return "internal"
	}
}

// Error is a classified lending failure with a stable machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrBookNotFound        = newError(KindNotFound, "book_not_found", "book not found")
	ErrCopyNotFound        = newError(KindNotFound, "copy_not_found", "book copy not found")
	ErrCardNotFound        = newError(KindNotFound, "card_not_found", "library card not found")
	ErrBorrowingNotFound   = newError(KindNotFound, "borrowing_not_found", "borrowing not found")
	ErrFineNotFound        = newError(KindNotFound, "fine_not_found", "fine not found")
	ErrReservationNotFound = newError(KindNotFound, "reservation_not_found", "reservation not found")
	ErrBorrowerNotFound    = newError(KindNotFound, "borrower_not_found", "borrower not found")

	ErrDuplicateISBN        = newError(KindConflict, "duplicate_isbn", "a book with this ISBN already exists")
	ErrDuplicateCopy        = newError(KindConflict, "duplicate_copy", "copy identifier already exists")
	ErrDuplicateCard        = newError(KindConflict, "duplicate_card", "borrower already holds a library card")
	ErrAlreadyReturned      = newError(KindConflict, "already_returned", "borrowing is not active")
	ErrDuplicateReservation = newError(KindConflict, "duplicate_reservation", "a pending reservation already exists for this book")
	ErrReservationClosed    = newError(KindConflict, "reservation_closed", "reservation is no longer pending")
	ErrFineAlreadyPaid      = newError(KindConflict, "fine_already_paid", "fine is already paid")
	ErrFineWaived           = newError(KindConflict, "fine_waived", "fine has been waived")
	ErrCopyOnLoan           = newError(KindConflict, "copy_on_loan", "copy is on loan")
	ErrCardClosed           = newError(KindConflict, "card_closed", "library card is cancelled")

	ErrCardExpired          = newError(KindPolicyViolation, "card_expired", "library card is expired or not active")
	ErrLoanLimitExceeded    = newError(KindPolicyViolation, "loan_limit_exceeded", "borrower has reached the loan limit")
	ErrRenewalLimitExceeded = newError(KindPolicyViolation, "renewal_limit_exceeded", "maximum renewals reached")
	ErrRenewOverdue         = newError(KindPolicyViolation, "renewal_overdue", "overdue loans cannot be renewed")
	ErrCopyUnavailable      = newError(KindPolicyViolation, "unavailable", "copy is not available")
	ErrBorrowerInactive     = newError(KindPolicyViolation, "borrower_inactive", "borrower account is not active")

	ErrNegativeCapacity = newError(KindValidation, "negative_capacity", "resulting available copies would be negative")
	ErrInvalidInput     = newError(KindValidation, "invalid_input", "invalid input")
	ErrInvalidStatus    = newError(KindValidation, "invalid_status", "status transition not allowed")
)

// KindOf returns the kind of a lending error, or KindInternal for anything else.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindInternal
}

// CodeOf returns the machine-readable code of a lending error.
func CodeOf(err error) string {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return "internal_error"
}

// invalid builds a validation error with a specific message that still matches ErrInvalidInput.
func invalid(msg string) error {
	return &validationError{msg: msg}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func (e *validationError) Unwrap() error { return ErrInvalidInput }
