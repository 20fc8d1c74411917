package lending

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"campuslib/internal/clock"
)

// 2024-11-17 + 14 days lands on 2024-12-01.
var epoch = time.Date(2024, 11, 17, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc   Service
	repo  *memRepo
	clock *clock.Manual
	notes *recordingNotifier
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		repo:  newMemRepo(),
		clock: clock.NewManual(epoch),
		notes: &recordingNotifier{},
	}
	f.svc = f.over(f.repo, opts...)
	return f
}

// over builds a service on repo that shares the fixture's clock and notifier.
func (f *fixture) over(repo Repository, opts ...Option) Service {
	base := []Option{
		WithClock(f.clock),
		WithNotifier(f.notes),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return NewService(repo, append(base, opts...)...)
}

func (f *fixture) addBook(t *testing.T, copyIDs ...string) Book {
	t.Helper()
	ctx := context.Background()

	book, err := f.svc.RegisterBook(ctx, RegisterBookInput{Title: "Operating Systems: Three Easy Pieces"})
	require.NoError(t, err)
	for _, id := range copyIDs {
		_, err := f.svc.RegisterCopy(ctx, book.ID, id)
		require.NoError(t, err)
	}
	return f.book(t, book.ID)
}

func (f *fixture) book(t *testing.T, id uuid.UUID) Book {
	t.Helper()
	book, err := f.repo.GetBook(context.Background(), id)
	require.NoError(t, err)
	return book
}

func (f *fixture) addBorrower(t *testing.T, maxBooks int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := f.svc.IssueCard(context.Background(), IssueCardInput{BorrowerID: id, MaxBooks: maxBooks})
	require.NoError(t, err)
	return id
}

func (f *fixture) borrow(t *testing.T, borrowerID uuid.UUID, copyID string) *Borrowing {
	t.Helper()
	b, err := f.svc.Borrow(context.Background(), borrowerID, copyID)
	require.NoError(t, err)
	return b
}

// requireCapacity checks available == total - borrowed copies and at most one active loan per copy.
func (f *fixture) requireCapacity(t *testing.T, bookID uuid.UUID) {
	t.Helper()
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()

	book := f.repo.books[bookID]
	borrowed := 0
	for _, c := range f.repo.copies {
		if c.BookID == bookID && c.Status == CopyBorrowed {
			borrowed++
		}
	}
	require.Equal(t, book.TotalCopies-borrowed, book.AvailableCopies, "capacity counter drifted")

	active := make(map[string]int)
	for _, b := range f.repo.borrowings {
		if b.Status == BorrowingActive {
			active[b.CopyID]++
			require.Equal(t, CopyBorrowed, f.repo.copies[b.CopyID].Status)
		}
	}
	for copyID, n := range active {
		require.LessOrEqual(t, n, 1, "copy %s has %d active loans", copyID, n)
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
