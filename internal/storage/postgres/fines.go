package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"campuslib/internal/lending"
)

const fineColumns = `id, borrowing_id, borrower_id, fine_type, amount, is_paid, paid_date, payment_method, waived,
	reason, created_at, updated_at`

var errDuplicateFine = &lending.Error{Kind: lending.KindConflict, Code: "duplicate_fine", Message: "borrowing already has a fine"}

func (r *Repository) CreateFine(ctx context.Context, f lending.Fine) error {
	_, err := r.q(ctx).ExecContext(ctx, `
		INSERT INTO fines (`+fineColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		f.ID, f.BorrowingID, f.BorrowerID, f.FineType, f.Amount, f.IsPaid, f.PaidDate, f.PaymentMethod, f.Waived,
		f.Reason, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		if uniqueViolation(err) != "" {
			return errDuplicateFine
		}
		return fmt.Errorf("create fine: %w", err)
	}
	return nil
}

func (r *Repository) UpdateFine(ctx context.Context, f lending.Fine) error {
	return r.exec(ctx, lending.ErrFineNotFound, `
		UPDATE fines
		SET fine_type = $2, amount = $3, is_paid = $4, paid_date = $5, payment_method = $6, waived = $7,
			reason = $8, updated_at = $9
		WHERE id = $1`,
		f.ID, f.FineType, f.Amount, f.IsPaid, f.PaidDate, f.PaymentMethod, f.Waived, f.Reason, f.UpdatedAt,
	)
}

func (r *Repository) GetFineForUpdate(ctx context.Context, id uuid.UUID) (lending.Fine, error) {
	var f lending.Fine
	err := r.get(ctx, lending.ErrFineNotFound, &f, `SELECT `+fineColumns+` FROM fines WHERE id = $1 FOR UPDATE`, id)
	return f, err
}

func (r *Repository) GetFineByBorrowingForUpdate(ctx context.Context, borrowingID uuid.UUID) (*lending.Fine, error) {
	var f lending.Fine
	err := sqlx.GetContext(ctx, r.q(ctx), &f,
		`SELECT `+fineColumns+` FROM fines WHERE borrowing_id = $1 FOR UPDATE`, borrowingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fine by borrowing: %w", err)
	}
	return &f, nil
}

func (r *Repository) ListFines(ctx context.Context, filter lending.FineFilter) ([]lending.Fine, error) {
	ds := dialect.From("fines").
		Select(goqu.L(fineColumns)).
		Order(goqu.I("created_at").Asc())
	if filter.BorrowerID != nil {
		ds = ds.Where(goqu.Ex{"borrower_id": *filter.BorrowerID})
	}
	if filter.UnpaidOnly {
		ds = ds.Where(goqu.Ex{"is_paid": false, "waived": false})
	}

	var out []lending.Fine
	if err := r.selectDataset(ctx, &out, ds); err != nil {
		return nil, fmt.Errorf("list fines: %w", err)
	}
	return out, nil
}
