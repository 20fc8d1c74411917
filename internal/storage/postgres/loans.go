package postgres

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"campuslib/internal/lending"
)

const borrowingColumns = `id, borrower_id, copy_id, book_id, borrowed_date, due_date, returned_date, status,
	renewed_count, max_renewals, fine_amount, returned_to`

func (r *Repository) CreateBorrowing(ctx context.Context, b lending.Borrowing) error {
	_, err := r.q(ctx).ExecContext(ctx, `
		INSERT INTO borrowings (`+borrowingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID, b.BorrowerID, b.CopyID, b.BookID, b.BorrowedDate, b.DueDate, b.ReturnedDate, b.Status,
		b.RenewedCount, b.MaxRenewals, b.FineAmount, b.ReturnedTo,
	)
	if err != nil {
		if uniqueViolation(err) == "borrowings_active_copy_key" {
			return lending.ErrCopyUnavailable
		}
		return fmt.Errorf("create borrowing: %w", err)
	}
	return nil
}

func (r *Repository) GetBorrowing(ctx context.Context, id uuid.UUID) (lending.Borrowing, error) {
	var b lending.Borrowing
	err := r.get(ctx, lending.ErrBorrowingNotFound, &b, `SELECT `+borrowingColumns+` FROM borrowings WHERE id = $1`, id)
	return b, err
}

func (r *Repository) GetBorrowingForUpdate(ctx context.Context, id uuid.UUID) (lending.Borrowing, error) {
	var b lending.Borrowing
	err := r.get(ctx, lending.ErrBorrowingNotFound, &b,
		`SELECT `+borrowingColumns+` FROM borrowings WHERE id = $1 FOR UPDATE`, id)
	return b, err
}

func (r *Repository) UpdateBorrowing(ctx context.Context, b lending.Borrowing) error {
	return r.exec(ctx, lending.ErrBorrowingNotFound, `
		UPDATE borrowings
		SET due_date = $2, returned_date = $3, status = $4, renewed_count = $5, fine_amount = $6, returned_to = $7
		WHERE id = $1`,
		b.ID, b.DueDate, b.ReturnedDate, b.Status, b.RenewedCount, b.FineAmount, b.ReturnedTo,
	)
}

func (r *Repository) CountActiveBorrowings(ctx context.Context, borrowerID uuid.UUID) (int, error) {
	var n int
	err := r.get(ctx, nil, &n,
		`SELECT COUNT(*) FROM borrowings WHERE borrower_id = $1 AND status = $2`, borrowerID, lending.BorrowingActive)
	if err != nil {
		return 0, fmt.Errorf("count active borrowings: %w", err)
	}
	return n, nil
}

// ListBorrowings returns matching borrowings, newest first.
func (r *Repository) ListBorrowings(ctx context.Context, filter lending.BorrowingFilter) ([]lending.Borrowing, error) {
	ds := dialect.From("borrowings").
		Select(goqu.L(borrowingColumns)).
		Order(goqu.I("borrowed_date").Desc(), goqu.I("created_at").Desc())
	if filter.BorrowerID != nil {
		ds = ds.Where(goqu.Ex{"borrower_id": *filter.BorrowerID})
	}
	if filter.Status != "" {
		ds = ds.Where(goqu.Ex{"status": filter.Status})
	}
	if filter.DueBefore != nil {
		ds = ds.Where(goqu.C("due_date").Lt(*filter.DueBefore))
	}
	if filter.DueFrom != nil {
		ds = ds.Where(goqu.C("due_date").Gte(*filter.DueFrom))
	}

	var out []lending.Borrowing
	if err := r.selectDataset(ctx, &out, ds); err != nil {
		return nil, fmt.Errorf("list borrowings: %w", err)
	}
	return out, nil
}
