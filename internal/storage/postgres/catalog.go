package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"campuslib/internal/lending"
)

const bookColumns = `id, title, isbn, total_copies, available_copies, created_at, updated_at`

func (r *Repository) CreateBook(ctx context.Context, book lending.Book) error {
	_, err := r.q(ctx).ExecContext(ctx, `
		INSERT INTO books (id, title, isbn, total_copies, available_copies, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		book.ID, book.Title, book.ISBN, book.TotalCopies, book.AvailableCopies, book.CreatedAt, book.UpdatedAt,
	)
	if err != nil {
		if uniqueViolation(err) != "" {
			return lending.ErrDuplicateISBN
		}
		return fmt.Errorf("create book: %w", err)
	}
	return nil
}

func (r *Repository) GetBook(ctx context.Context, id uuid.UUID) (lending.Book, error) {
	var book lending.Book
	err := r.get(ctx, lending.ErrBookNotFound, &book, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id)
	return book, err
}

func (r *Repository) GetBookForUpdate(ctx context.Context, id uuid.UUID) (lending.Book, error) {
	var book lending.Book
	err := r.get(ctx, lending.ErrBookNotFound, &book, `SELECT `+bookColumns+` FROM books WHERE id = $1 FOR UPDATE`, id)
	return book, err
}

func (r *Repository) UpdateBookCounts(ctx context.Context, id uuid.UUID, total, available int) error {
	return r.exec(ctx, lending.ErrBookNotFound, `
		UPDATE books SET total_copies = $2, available_copies = $3, updated_at = NOW()
		WHERE id = $1`, id, total, available)
}

func (r *Repository) CreateCopy(ctx context.Context, c lending.BookCopy) error {
	_, err := r.q(ctx).ExecContext(ctx, `
		INSERT INTO book_copies (id, book_id, status, created_at) VALUES ($1, $2, $3, $4)`,
		c.ID, c.BookID, c.Status, c.CreatedAt,
	)
	if err != nil {
		if uniqueViolation(err) != "" {
			return lending.ErrDuplicateCopy
		}
		return fmt.Errorf("create copy: %w", err)
	}
	return nil
}

func (r *Repository) GetCopyForUpdate(ctx context.Context, copyID string) (lending.BookCopy, error) {
	var c lending.BookCopy
	err := r.get(ctx, lending.ErrCopyNotFound, &c,
		`SELECT id, book_id, status, created_at FROM book_copies WHERE id = $1 FOR UPDATE`, copyID)
	return c, err
}

func (r *Repository) UpdateCopyStatus(ctx context.Context, copyID string, status lending.CopyStatus) error {
	return r.exec(ctx, lending.ErrCopyNotFound, `UPDATE book_copies SET status = $2 WHERE id = $1`, copyID, status)
}

// FindAvailableCopyForUpdate skips copies another transaction is already lending.
func (r *Repository) FindAvailableCopyForUpdate(ctx context.Context, bookID uuid.UUID) (*lending.BookCopy, error) {
	ds := dialect.From("book_copies").
		Select("id", "book_id", "status", "created_at").
		Where(goqu.Ex{"book_id": bookID, "status": lending.CopyAvailable}).
		Order(goqu.I("id").Asc()).
		Limit(1).
		ForUpdate(exp.SkipLocked)
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var c lending.BookCopy
	if err := sqlx.GetContext(ctx, r.q(ctx), &c, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find available copy: %w", err)
	}
	return &c, nil
}

func (r *Repository) CountCopiesByStatus(ctx context.Context, bookID uuid.UUID) (map[lending.CopyStatus]int, error) {
	var rows []struct {
		Status lending.CopyStatus `db:"status"`
		N      int                `db:"n"`
	}
	ds := dialect.From("book_copies").
		Select(goqu.C("status"), goqu.COUNT("*").As("n")).
		Where(goqu.Ex{"book_id": bookID}).
		GroupBy("status")
	if err := r.selectDataset(ctx, &rows, ds); err != nil {
		return nil, fmt.Errorf("count copies: %w", err)
	}

	counts := make(map[lending.CopyStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.N
	}
	return counts, nil
}
