package lending

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssessOverdue_Recomputes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addBook(t, "C-1")
	b := f.borrow(t, f.addBorrower(t, 0), "C-1")

	fine, err := f.svc.AssessOverdue(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, fine, "loan is not overdue yet")

	f.clock.Set(day(2024, 12, 4))
	fine, err = f.svc.AssessOverdue(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "3.00", fine.Amount.StringFixed(2))

	f.clock.Set(day(2024, 12, 6))
	first, err := f.svc.AssessOverdue(ctx, b.ID)
	require.NoError(t, err)
	second, err := f.svc.AssessOverdue(ctx, b.ID)
	require.NoError(t, err)

	assert.Equal(t, fine.ID, second.ID)
	assert.Equal(t, "5.00", first.Amount.StringFixed(2))
	assert.True(t, first.Amount.Equal(second.Amount))
	assert.Len(t, f.repo.fines, 1)

	loan, err := f.svc.GetLoan(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "5.00", loan.FineAmount.StringFixed(2))
}

func TestAssessOverdue_FrozenFines(t *testing.T) {
	ctx := context.Background()

	for name, freeze := range map[string]func(Service, uuid.UUID) error{
		"paid": func(svc Service, id uuid.UUID) error {
			_, err := svc.PayFine(ctx, id, "card")
			return err
		},
		"waived": func(svc Service, id uuid.UUID) error {
			_, err := svc.WaiveFine(ctx, id, "first offence")
			return err
		},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.addBook(t, "C-1")
			b := f.borrow(t, f.addBorrower(t, 0), "C-1")

			f.clock.Set(day(2024, 12, 3))
			fine, err := f.svc.AssessOverdue(ctx, b.ID)
			require.NoError(t, err)
			require.NoError(t, freeze(f.svc, fine.ID))

			f.clock.Set(day(2024, 12, 20))
			again, err := f.svc.AssessOverdue(ctx, b.ID)
			require.NoError(t, err)
			assert.Equal(t, "2.00", again.Amount.StringFixed(2))
		})
	}
}

func TestSweepOverdue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addBook(t, "C-1", "C-2", "C-3")
	late1 := f.borrow(t, f.addBorrower(t, 0), "C-1")
	late2 := f.borrow(t, f.addBorrower(t, 0), "C-2")
	f.clock.Set(day(2024, 11, 30))
	f.borrow(t, f.addBorrower(t, 0), "C-3")

	f.clock.Set(day(2024, 12, 5))
	report, err := f.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Processed: 2}, report)

	report, err = f.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Processed: 2}, report)

	for _, id := range []uuid.UUID{late1.ID, late2.ID} {
		loan, err := f.svc.GetLoan(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "4.00", loan.FineAmount.StringFixed(2))
	}
	assert.Len(t, f.repo.fines, 2)
}

func TestSweepOverdue_CountsFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addBook(t, "C-1")
	f.borrow(t, f.addBorrower(t, 0), "C-1")

	f.clock.Set(day(2024, 12, 5))
	f.repo.failAppend = errors.New("journal unavailable")
	report, err := f.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Failed: 1}, report)
	assert.Empty(t, f.repo.fines)
}

func TestPayFine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addBook(t, "C-1")
	student := f.addBorrower(t, 0)
	b := f.borrow(t, student, "C-1")
	f.clock.Set(day(2024, 12, 3))
	_, err := f.svc.Return(ctx, b.ID, "")
	require.NoError(t, err)

	fines, err := f.svc.ListFines(ctx, student, true)
	require.NoError(t, err)
	require.Len(t, fines, 1)

	paid, err := f.svc.PayFine(ctx, fines[0].ID, "")
	require.NoError(t, err)
	assert.True(t, paid.IsPaid)
	assert.Equal(t, "cash", paid.PaymentMethod)
	require.NotNil(t, paid.PaidDate)
	assert.Equal(t, day(2024, 12, 3), *paid.PaidDate)

	_, err = f.svc.PayFine(ctx, fines[0].ID, "card")
	require.ErrorIs(t, err, ErrFineAlreadyPaid)
	assert.Equal(t, KindConflict, KindOf(err))

	unpaid, err := f.svc.ListFines(ctx, student, true)
	require.NoError(t, err)
	assert.Empty(t, unpaid)

	summary, err := f.svc.GetBorrowerSummary(ctx, student)
	require.NoError(t, err)
	assert.True(t, summary.UnpaidFines.Equal(decimal.Zero))

	_, err = f.svc.PayFine(ctx, uuid.New(), "cash")
	require.ErrorIs(t, err, ErrFineNotFound)
}

func TestWaiveFine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addBook(t, "C-1")
	b := f.borrow(t, f.addBorrower(t, 0), "C-1")
	f.clock.Set(day(2024, 12, 3))
	fine, err := f.svc.AssessOverdue(ctx, b.ID)
	require.NoError(t, err)

	waived, err := f.svc.WaiveFine(ctx, fine.ID, "library closed for holidays")
	require.NoError(t, err)
	assert.True(t, waived.Waived)
	assert.Equal(t, "library closed for holidays", waived.Reason)

	_, err = f.svc.WaiveFine(ctx, fine.ID, "")
	require.NoError(t, err)

	_, err = f.svc.PayFine(ctx, fine.ID, "cash")
	require.ErrorIs(t, err, ErrFineWaived)
}
