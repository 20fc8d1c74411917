package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"campuslib/internal/lending"
)

const cardColumns = `borrower_id, card_number, issue_date, expiry_date, status, max_books, max_days, issued_by`

func (r *Repository) CreateCard(ctx context.Context, card lending.LibraryCard) error {
	_, err := r.q(ctx).ExecContext(ctx, `
		INSERT INTO library_cards (`+cardColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		card.BorrowerID, card.CardNumber, card.IssueDate, card.ExpiryDate, card.Status,
		card.MaxBooks, card.MaxDays, card.IssuedBy,
	)
	if err != nil {
		if uniqueViolation(err) != "" {
			return lending.ErrDuplicateCard
		}
		return fmt.Errorf("create card: %w", err)
	}
	return nil
}

func (r *Repository) GetCard(ctx context.Context, borrowerID uuid.UUID) (lending.LibraryCard, error) {
	var card lending.LibraryCard
	err := r.get(ctx, lending.ErrCardNotFound, &card,
		`SELECT `+cardColumns+` FROM library_cards WHERE borrower_id = $1`, borrowerID)
	return card, err
}

func (r *Repository) GetCardForUpdate(ctx context.Context, borrowerID uuid.UUID) (lending.LibraryCard, error) {
	var card lending.LibraryCard
	err := r.get(ctx, lending.ErrCardNotFound, &card,
		`SELECT `+cardColumns+` FROM library_cards WHERE borrower_id = $1 FOR UPDATE`, borrowerID)
	return card, err
}

func (r *Repository) UpdateCardStatus(ctx context.Context, borrowerID uuid.UUID, status lending.CardStatus) error {
	return r.exec(ctx, lending.ErrCardNotFound,
		`UPDATE library_cards SET status = $2 WHERE borrower_id = $1`, borrowerID, status)
}
