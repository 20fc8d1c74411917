package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"

	"campuslib/internal/lending"
)

const reservationColumns = `id, borrower_id, book_id, reservation_date, expiry_date, status, borrowing_id`

func (r *Repository) CreateReservation(ctx context.Context, res lending.Reservation) error {
	_, err := r.q(ctx).ExecContext(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		res.ID, res.BorrowerID, res.BookID, res.ReservationDate, res.ExpiryDate, res.Status, res.BorrowingID,
	)
	if err != nil {
		if uniqueViolation(err) == "reservations_pending_key" {
			return lending.ErrDuplicateReservation
		}
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

func (r *Repository) GetReservationForUpdate(ctx context.Context, id uuid.UUID) (lending.Reservation, error) {
	var res lending.Reservation
	err := r.get(ctx, lending.ErrReservationNotFound, &res,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, id)
	return res, err
}

func (r *Repository) UpdateReservation(ctx context.Context, res lending.Reservation) error {
	return r.exec(ctx, lending.ErrReservationNotFound,
		`UPDATE reservations SET status = $2, borrowing_id = $3 WHERE id = $1`, res.ID, res.Status, res.BorrowingID)
}

func (r *Repository) HasPendingReservation(ctx context.Context, borrowerID, bookID uuid.UUID) (bool, error) {
	var exists bool
	err := r.get(ctx, nil, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM reservations WHERE borrower_id = $1 AND book_id = $2 AND status = $3
		)`, borrowerID, bookID, lending.ReservationPending)
	if err != nil {
		return false, fmt.Errorf("check pending reservation: %w", err)
	}
	return exists, nil
}

// ListPendingReservationsForUpdate locks the unexpired queue of a book, oldest first.
func (r *Repository) ListPendingReservationsForUpdate(ctx context.Context, bookID uuid.UUID, now time.Time) ([]lending.Reservation, error) {
	ds := dialect.From("reservations").
		Select(goqu.L(reservationColumns)).
		Where(
			goqu.Ex{"book_id": bookID, "status": lending.ReservationPending},
			goqu.C("expiry_date").Gte(now),
		).
		Order(goqu.I("reservation_date").Asc()).
		ForUpdate(exp.Wait)

	var out []lending.Reservation
	if err := r.selectDataset(ctx, &out, ds); err != nil {
		return nil, fmt.Errorf("list reservation queue: %w", err)
	}
	return out, nil
}

// ListReservations lists reservations of a book, oldest first. An empty status matches all.
func (r *Repository) ListReservations(ctx context.Context, bookID uuid.UUID, status lending.ReservationStatus) ([]lending.Reservation, error) {
	ds := dialect.From("reservations").
		Select(goqu.L(reservationColumns)).
		Where(goqu.Ex{"book_id": bookID}).
		Order(goqu.I("reservation_date").Asc())
	if status != "" {
		ds = ds.Where(goqu.Ex{"status": status})
	}

	var out []lending.Reservation
	if err := r.selectDataset(ctx, &out, ds); err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return out, nil
}

func (r *Repository) ExpireLapsedReservation(ctx context.Context, borrowerID, bookID uuid.UUID, now time.Time) (bool, error) {
	res, err := r.q(ctx).ExecContext(ctx, `
		UPDATE reservations SET status = $1
		WHERE borrower_id = $2 AND book_id = $3 AND status = $4 AND expiry_date < $5`,
		lending.ReservationExpired, borrowerID, bookID, lending.ReservationPending, now,
	)
	if err != nil {
		return false, fmt.Errorf("expire lapsed reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire lapsed reservation: %w", err)
	}
	return n > 0, nil
}

// ExpireReservations is a single statement; rows already terminal are never matched again.
func (r *Repository) ExpireReservations(ctx context.Context, now time.Time) (int, error) {
	res, err := r.q(ctx).ExecContext(ctx, `
		UPDATE reservations SET status = $1
		WHERE status = $2 AND expiry_date < $3`,
		lending.ReservationExpired, lending.ReservationPending, now,
	)
	if err != nil {
		return 0, fmt.Errorf("expire reservations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire reservations: %w", err)
	}
	return int(n), nil
}
