package audit

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var zero = Threshold{Operator: "==", Value: 0}

// LendingChecks returns the stored-state invariants of the lending tables. Each query counts offending rows.
func LendingChecks(db sqlx.QueryerContext) []Check {
	return []Check{
		countCheck(db, "capacity_drift",
			"available copies equal total copies minus active loans",
			`SELECT COUNT(*) FROM books b
			 WHERE b.available_copies <> b.total_copies - (
				SELECT COUNT(*) FROM borrowings l WHERE l.book_id = b.id AND l.status = 'ACTIVE'
			 )`),
		countCheck(db, "capacity_bounds",
			"available copies stay within [0, total]",
			`SELECT COUNT(*) FROM books WHERE available_copies < 0 OR available_copies > total_copies`),
		countCheck(db, "copy_double_lent",
			"a copy has at most one active loan",
			`SELECT COUNT(*) FROM (
				SELECT copy_id FROM borrowings WHERE status = 'ACTIVE' GROUP BY copy_id HAVING COUNT(*) > 1
			 ) dup`),
		countCheck(db, "copy_status_mismatch",
			"every actively lent copy is marked BORROWED",
			`SELECT COUNT(*) FROM borrowings l JOIN book_copies c ON c.id = l.copy_id
			 WHERE l.status = 'ACTIVE' AND c.status <> 'BORROWED'`),
		countCheck(db, "fine_paid_and_waived",
			"a fine is never both paid and waived",
			`SELECT COUNT(*) FROM fines WHERE is_paid AND waived`),
	}
}

func countCheck(db sqlx.QueryerContext, name, description, query string) Check {
	return Check{
		Name:        name,
		Description: description,
		Threshold:   zero,
		Query: func(ctx context.Context) (float64, error) {
			var n int64
			if err := sqlx.GetContext(ctx, db, &n, query); err != nil {
				return 0, fmt.Errorf("%s: %w", name, err)
			}
			return float64(n), nil
		},
	}
}
