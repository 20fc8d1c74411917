package lending

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"campuslib/internal/clock"
)

// IssueCard creates the borrower's single library card.
func (s *service) IssueCard(ctx context.Context, in IssueCardInput) (_ *LibraryCard, err error) {
	ctx, span := s.startSpan(ctx, "issue_card", attribute.String("borrower.id", in.BorrowerID.String()))
	defer func() { err = endSpan(span, err) }()

	if in.BorrowerID == uuid.Nil {
		return nil, invalid("borrower_id is required")
	}
	if in.MaxBooks < 0 || in.MaxDays < 0 {
		return nil, invalid("card limits must not be negative")
	}
	if err := s.checkDirectory(ctx, in.BorrowerID); err != nil {
		return nil, err
	}

	issued := clock.Day(s.clock.Now())
	card := LibraryCard{
		BorrowerID: in.BorrowerID,
		CardNumber: strings.TrimSpace(in.CardNumber),
		IssueDate:  issued,
		ExpiryDate: issued.AddDate(0, 0, defaultCardValidityDays),
		Status:     CardActive,
		MaxBooks:   in.MaxBooks,
		MaxDays:    in.MaxDays,
		IssuedBy:   in.IssuedBy,
	}
	if card.CardNumber == "" {
		card.CardNumber = "LC-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
	}
	if card.MaxBooks == 0 {
		card.MaxBooks = defaultCardMaxBooks
	}
	if card.MaxDays == 0 {
		card.MaxDays = defaultCardMaxDays
	}
	if !in.ExpiryDate.IsZero() {
		card.ExpiryDate = clock.Day(in.ExpiryDate)
		if !card.ExpiryDate.After(issued) {
			return nil, invalid("expiry_date must be after the issue date")
		}
	}

	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.CreateCard(txCtx, card); err != nil {
			return err
		}
		return s.record(txCtx, aggregateCard, card.BorrowerID, EventCardIssued, map[string]any{
			"card_number": card.CardNumber,
			"max_books":   card.MaxBooks,
			"max_days":    card.MaxDays,
			"expiry_date": card.ExpiryDate,
		})
	})
	if err != nil {
		return nil, err
	}
	return &card, nil
}

// GetCard returns the card with EXPIRED derived from its expiry date.
func (s *service) GetCard(ctx context.Context, borrowerID uuid.UUID) (*LibraryCard, error) {
	card, err := s.repo.GetCard(ctx, borrowerID)
	if err != nil {
		return nil, err
	}
	card.Status = card.EffectiveStatus(s.clock.Now())
	return &card, nil
}

func (s *service) SuspendCard(ctx context.Context, borrowerID uuid.UUID) (*LibraryCard, error) {
	return s.transitionCard(ctx, borrowerID, CardSuspended, CardActive)
}

func (s *service) ReinstateCard(ctx context.Context, borrowerID uuid.UUID) (*LibraryCard, error) {
	return s.transitionCard(ctx, borrowerID, CardActive, CardSuspended)
}

func (s *service) CancelCard(ctx context.Context, borrowerID uuid.UUID) (*LibraryCard, error) {
	return s.transitionCard(ctx, borrowerID, CardCancelled, CardActive, CardSuspended)
}

// transitionCard moves a stored card status. Repeating the current transition is a no-op.
func (s *service) transitionCard(ctx context.Context, borrowerID uuid.UUID, to CardStatus, from ...CardStatus) (_ *LibraryCard, err error) {
	ctx, span := s.startSpan(ctx, "transition_card",
		attribute.String("borrower.id", borrowerID.String()),
		attribute.String("card.status", string(to)),
	)
	defer func() { err = endSpan(span, err) }()

	var result LibraryCard
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		card, err := s.repo.GetCardForUpdate(txCtx, borrowerID)
		if err != nil {
			return err
		}
		result = card
		if card.Status == to {
			return nil
		}
		if card.Status == CardCancelled {
			return ErrCardClosed
		}
		allowed := false
		for _, st := range from {
			allowed = allowed || card.Status == st
		}
		if !allowed {
			return fmt.Errorf("card is %s: %w", card.Status, ErrInvalidStatus)
		}
		if err := s.repo.UpdateCardStatus(txCtx, borrowerID, to); err != nil {
			return err
		}
		result.Status = to
		return s.record(txCtx, aggregateCard, borrowerID, EventCardStatusChanged, map[string]any{
			"from": card.Status,
			"to":   to,
		})
	})
	if err != nil {
		return nil, err
	}
	result.Status = result.EffectiveStatus(s.clock.Now())
	return &result, nil
}

// CheckEligibility is the read-only borrow gate: a valid active card with room under its loan limit.
func (s *service) CheckEligibility(ctx context.Context, borrowerID uuid.UUID) (err error) {
	ctx, span := s.startSpan(ctx, "check_eligibility", attribute.String("borrower.id", borrowerID.String()))
	defer func() { err = endSpan(span, err) }()

	card, err := s.repo.GetCard(ctx, borrowerID)
	if err != nil {
		return err
	}
	return s.eligible(ctx, card, s.clock.Now())
}

func (s *service) eligible(ctx context.Context, card LibraryCard, now time.Time) error {
	if card.EffectiveStatus(now) != CardActive {
		return ErrCardExpired
	}
	active, err := s.repo.CountActiveBorrowings(ctx, card.BorrowerID)
	if err != nil {
		return err
	}
	if active >= card.MaxBooks {
		return ErrLoanLimitExceeded
	}
	return nil
}

// loanDays is the card's loan length; the configured default only covers cards without one.
func (s *service) loanDays(card LibraryCard) int {
	if card.MaxDays > 0 {
		return card.MaxDays
	}
	return s.policy.DefaultLoanDays
}

func (s *service) renewalDays(card LibraryCard) int {
	if card.MaxDays > 0 {
		return card.MaxDays
	}
	return s.policy.RenewalDays
}

func (s *service) checkDirectory(ctx context.Context, borrowerID uuid.UUID) error {
	if s.directory == nil {
		return nil
	}
	active, err := s.directory.IsActive(ctx, borrowerID)
	if err != nil {
		return err
	}
	if !active {
		return ErrBorrowerInactive
	}
	return nil
}
