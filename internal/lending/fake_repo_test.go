package lending

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memRepo is an in-memory Repository. WithTx holds one global lock and restores a snapshot when fn
// fails, which gives every transaction serializable isolation.
type memRepo struct {
	mu sync.Mutex
	memState

	failAppend error
}

type memState struct {
	books        map[uuid.UUID]Book
	copies       map[string]BookCopy
	cards        map[uuid.UUID]LibraryCard
	borrowings   map[uuid.UUID]Borrowing
	fines        map[uuid.UUID]Fine
	reservations map[uuid.UUID]Reservation
	events       []Event
	order        map[uuid.UUID]int
	seq          int
}

func newMemRepo() *memRepo {
	return &memRepo{memState: memState{
		books:        make(map[uuid.UUID]Book),
		copies:       make(map[string]BookCopy),
		cards:        make(map[uuid.UUID]LibraryCard),
		borrowings:   make(map[uuid.UUID]Borrowing),
		fines:        make(map[uuid.UUID]Fine),
		reservations: make(map[uuid.UUID]Reservation),
		order:        make(map[uuid.UUID]int),
	}}
}

func (s memState) clone() memState {
	c := memState{
		books:        make(map[uuid.UUID]Book, len(s.books)),
		copies:       make(map[string]BookCopy, len(s.copies)),
		cards:        make(map[uuid.UUID]LibraryCard, len(s.cards)),
		borrowings:   make(map[uuid.UUID]Borrowing, len(s.borrowings)),
		fines:        make(map[uuid.UUID]Fine, len(s.fines)),
		reservations: make(map[uuid.UUID]Reservation, len(s.reservations)),
		events:       append([]Event(nil), s.events...),
		order:        make(map[uuid.UUID]int, len(s.order)),
		seq:          s.seq,
	}
	for k, v := range s.books {
		c.books[k] = v
	}
	for k, v := range s.copies {
		c.copies[k] = v
	}
	for k, v := range s.cards {
		c.cards[k] = v
	}
	for k, v := range s.borrowings {
		c.borrowings[k] = v
	}
	for k, v := range s.fines {
		c.fines[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.order {
		c.order[k] = v
	}
	return c
}

type memTxKey struct{}

func (m *memRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.memState.clone()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.memState = snapshot
		return err
	}
	return nil
}

// do runs fn under the repository lock unless the caller already holds it through WithTx.
func (m *memRepo) do(ctx context.Context, fn func() error) error {
	if ctx.Value(memTxKey{}) == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	return fn()
}

func (m *memRepo) touch(id uuid.UUID) {
	m.seq++
	m.order[id] = m.seq
}

// Catalog

func (m *memRepo) CreateBook(ctx context.Context, book Book) error {
	return m.do(ctx, func() error {
		for _, b := range m.books {
			if book.ISBN != "" && b.ISBN == book.ISBN {
				return ErrDuplicateISBN
			}
		}
		m.books[book.ID] = book
		return nil
	})
}

func (m *memRepo) GetBook(ctx context.Context, id uuid.UUID) (book Book, err error) {
	err = m.do(ctx, func() error {
		var ok bool
		if book, ok = m.books[id]; !ok {
			return ErrBookNotFound
		}
		return nil
	})
	return book, err
}

func (m *memRepo) GetBookForUpdate(ctx context.Context, id uuid.UUID) (Book, error) {
	return m.GetBook(ctx, id)
}

func (m *memRepo) UpdateBookCounts(ctx context.Context, id uuid.UUID, total, available int) error {
	return m.do(ctx, func() error {
		book, ok := m.books[id]
		if !ok {
			return ErrBookNotFound
		}
		book.TotalCopies, book.AvailableCopies = total, available
		m.books[id] = book
		return nil
	})
}

func (m *memRepo) CreateCopy(ctx context.Context, bookCopy BookCopy) error {
	return m.do(ctx, func() error {
		if _, ok := m.copies[bookCopy.ID]; ok {
			return ErrDuplicateCopy
		}
		m.copies[bookCopy.ID] = bookCopy
		return nil
	})
}

func (m *memRepo) GetCopyForUpdate(ctx context.Context, copyID string) (bookCopy BookCopy, err error) {
	err = m.do(ctx, func() error {
		var ok bool
		if bookCopy, ok = m.copies[copyID]; !ok {
			return ErrCopyNotFound
		}
		return nil
	})
	return bookCopy, err
}

func (m *memRepo) UpdateCopyStatus(ctx context.Context, copyID string, status CopyStatus) error {
	return m.do(ctx, func() error {
		bookCopy, ok := m.copies[copyID]
		if !ok {
			return ErrCopyNotFound
		}
		bookCopy.Status = status
		m.copies[copyID] = bookCopy
		return nil
	})
}

func (m *memRepo) FindAvailableCopyForUpdate(ctx context.Context, bookID uuid.UUID) (found *BookCopy, err error) {
	err = m.do(ctx, func() error {
		ids := make([]string, 0, len(m.copies))
		for id, c := range m.copies {
			if c.BookID == bookID && c.Status == CopyAvailable {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		sort.Strings(ids)
		c := m.copies[ids[0]]
		found = &c
		return nil
	})
	return found, err
}

func (m *memRepo) CountCopiesByStatus(ctx context.Context, bookID uuid.UUID) (counts map[CopyStatus]int, err error) {
	err = m.do(ctx, func() error {
		counts = make(map[CopyStatus]int)
		for _, c := range m.copies {
			if c.BookID == bookID {
				counts[c.Status]++
			}
		}
		return nil
	})
	return counts, err
}

// Cards

func (m *memRepo) CreateCard(ctx context.Context, card LibraryCard) error {
	return m.do(ctx, func() error {
		for _, c := range m.cards {
			if c.BorrowerID == card.BorrowerID || c.CardNumber == card.CardNumber {
				return ErrDuplicateCard
			}
		}
		m.cards[card.BorrowerID] = card
		return nil
	})
}

func (m *memRepo) GetCard(ctx context.Context, borrowerID uuid.UUID) (card LibraryCard, err error) {
	err = m.do(ctx, func() error {
		var ok bool
		if card, ok = m.cards[borrowerID]; !ok {
			return ErrCardNotFound
		}
		return nil
	})
	return card, err
}

func (m *memRepo) GetCardForUpdate(ctx context.Context, borrowerID uuid.UUID) (LibraryCard, error) {
	return m.GetCard(ctx, borrowerID)
}

func (m *memRepo) UpdateCardStatus(ctx context.Context, borrowerID uuid.UUID, status CardStatus) error {
	return m.do(ctx, func() error {
		card, ok := m.cards[borrowerID]
		if !ok {
			return ErrCardNotFound
		}
		card.Status = status
		m.cards[borrowerID] = card
		return nil
	})
}

// Loans

func (m *memRepo) CreateBorrowing(ctx context.Context, b Borrowing) error {
	return m.do(ctx, func() error {
		for _, other := range m.borrowings {
			if other.CopyID == b.CopyID && other.Status == BorrowingActive {
				return ErrCopyUnavailable
			}
		}
		m.borrowings[b.ID] = b
		m.touch(b.ID)
		return nil
	})
}

func (m *memRepo) GetBorrowing(ctx context.Context, id uuid.UUID) (b Borrowing, err error) {
	err = m.do(ctx, func() error {
		var ok bool
		if b, ok = m.borrowings[id]; !ok {
			return ErrBorrowingNotFound
		}
		return nil
	})
	return b, err
}

func (m *memRepo) GetBorrowingForUpdate(ctx context.Context, id uuid.UUID) (Borrowing, error) {
	return m.GetBorrowing(ctx, id)
}

func (m *memRepo) UpdateBorrowing(ctx context.Context, b Borrowing) error {
	return m.do(ctx, func() error {
		if _, ok := m.borrowings[b.ID]; !ok {
			return ErrBorrowingNotFound
		}
		m.borrowings[b.ID] = b
		return nil
	})
}

func (m *memRepo) CountActiveBorrowings(ctx context.Context, borrowerID uuid.UUID) (n int, err error) {
	err = m.do(ctx, func() error {
		for _, b := range m.borrowings {
			if b.BorrowerID == borrowerID && b.Status == BorrowingActive {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (m *memRepo) ListBorrowings(ctx context.Context, filter BorrowingFilter) (out []Borrowing, err error) {
	err = m.do(ctx, func() error {
		for _, b := range m.borrowings {
			if filter.BorrowerID != nil && b.BorrowerID != *filter.BorrowerID {
				continue
			}
			if filter.Status != "" && b.Status != filter.Status {
				continue
			}
			if filter.DueBefore != nil && !b.DueDate.Before(*filter.DueBefore) {
				continue
			}
			if filter.DueFrom != nil && b.DueDate.Before(*filter.DueFrom) {
				continue
			}
			out = append(out, b)
		}
		sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] > m.order[out[j].ID] })
		return nil
	})
	return out, err
}

// Fines

func (m *memRepo) CreateFine(ctx context.Context, fine Fine) error {
	return m.do(ctx, func() error {
		for _, f := range m.fines {
			if f.BorrowingID == fine.BorrowingID {
				return newError(KindConflict, "duplicate_fine", "borrowing already has a fine")
			}
		}
		m.fines[fine.ID] = fine
		m.touch(fine.ID)
		return nil
	})
}

func (m *memRepo) UpdateFine(ctx context.Context, fine Fine) error {
	return m.do(ctx, func() error {
		if _, ok := m.fines[fine.ID]; !ok {
			return ErrFineNotFound
		}
		m.fines[fine.ID] = fine
		return nil
	})
}

func (m *memRepo) GetFineForUpdate(ctx context.Context, id uuid.UUID) (fine Fine, err error) {
	err = m.do(ctx, func() error {
		var ok bool
		if fine, ok = m.fines[id]; !ok {
			return ErrFineNotFound
		}
		return nil
	})
	return fine, err
}

func (m *memRepo) GetFineByBorrowingForUpdate(ctx context.Context, borrowingID uuid.UUID) (found *Fine, err error) {
	err = m.do(ctx, func() error {
		for _, f := range m.fines {
			if f.BorrowingID == borrowingID {
				found = &f
			}
		}
		return nil
	})
	return found, err
}

func (m *memRepo) ListFines(ctx context.Context, filter FineFilter) (out []Fine, err error) {
	err = m.do(ctx, func() error {
		for _, f := range m.fines {
			if filter.BorrowerID != nil && f.BorrowerID != *filter.BorrowerID {
				continue
			}
			if filter.UnpaidOnly && f.Frozen() {
				continue
			}
			out = append(out, f)
		}
		sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] < m.order[out[j].ID] })
		return nil
	})
	return out, err
}

// Reservations

func (m *memRepo) CreateReservation(ctx context.Context, r Reservation) error {
	return m.do(ctx, func() error {
		for _, other := range m.reservations {
			if other.BorrowerID == r.BorrowerID && other.BookID == r.BookID && other.Status == ReservationPending {
				return ErrDuplicateReservation
			}
		}
		m.reservations[r.ID] = r
		m.touch(r.ID)
		return nil
	})
}

func (m *memRepo) GetReservationForUpdate(ctx context.Context, id uuid.UUID) (r Reservation, err error) {
	err = m.do(ctx, func() error {
		var ok bool
		if r, ok = m.reservations[id]; !ok {
			return ErrReservationNotFound
		}
		return nil
	})
	return r, err
}

func (m *memRepo) UpdateReservation(ctx context.Context, r Reservation) error {
	return m.do(ctx, func() error {
		if _, ok := m.reservations[r.ID]; !ok {
			return ErrReservationNotFound
		}
		m.reservations[r.ID] = r
		return nil
	})
}

func (m *memRepo) HasPendingReservation(ctx context.Context, borrowerID, bookID uuid.UUID) (found bool, err error) {
	err = m.do(ctx, func() error {
		for _, r := range m.reservations {
			if r.BorrowerID == borrowerID && r.BookID == bookID && r.Status == ReservationPending {
				found = true
			}
		}
		return nil
	})
	return found, err
}

func (m *memRepo) ListPendingReservationsForUpdate(ctx context.Context, bookID uuid.UUID, now time.Time) ([]Reservation, error) {
	pending, err := m.ListReservations(ctx, bookID, ReservationPending)
	if err != nil {
		return nil, err
	}
	out := pending[:0]
	for _, r := range pending {
		if !r.ExpiryDate.Before(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRepo) ListReservations(ctx context.Context, bookID uuid.UUID, status ReservationStatus) (out []Reservation, err error) {
	err = m.do(ctx, func() error {
		for _, r := range m.reservations {
			if r.BookID == bookID && (status == "" || r.Status == status) {
				out = append(out, r)
			}
		}
		sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] < m.order[out[j].ID] })
		return nil
	})
	return out, err
}

func (m *memRepo) ExpireReservations(ctx context.Context, now time.Time) (n int, err error) {
	err = m.do(ctx, func() error {
		for id, r := range m.reservations {
			if r.Status == ReservationPending && r.ExpiryDate.Before(now) {
				r.Status = ReservationExpired
				m.reservations[id] = r
				n++
			}
		}
		return nil
	})
	return n, err
}

func (m *memRepo) ExpireLapsedReservation(ctx context.Context, borrowerID, bookID uuid.UUID, now time.Time) (moved bool, err error) {
	err = m.do(ctx, func() error {
		for id, r := range m.reservations {
			if r.BorrowerID == borrowerID && r.BookID == bookID &&
				r.Status == ReservationPending && r.ExpiryDate.Before(now) {
				r.Status = ReservationExpired
				m.reservations[id] = r
				moved = true
			}
		}
		return nil
	})
	return moved, err
}

// Journal

func (m *memRepo) AppendEvent(ctx context.Context, event Event) error {
	return m.do(ctx, func() error {
		if m.failAppend != nil {
			return m.failAppend
		}
		version := 1
		for _, e := range m.events {
			if e.AggregateID == event.AggregateID {
				version++
			}
		}
		event.Version = version
		m.events = append(m.events, event)
		return nil
	})
}

func (m *memRepo) LoadEvents(ctx context.Context, aggregateID uuid.UUID) (out []Event, err error) {
	err = m.do(ctx, func() error {
		for _, e := range m.events {
			if e.AggregateID == aggregateID {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

// Collaborators

type stubDirectory struct {
	inactive map[uuid.UUID]bool
	err      error
}

func (d stubDirectory) IsActive(_ context.Context, borrowerID uuid.UUID) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	return !d.inactive[borrowerID], nil
}

type sentNote struct {
	BorrowerID uuid.UUID
	Title      string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNote
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, borrowerID uuid.UUID, title, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentNote{BorrowerID: borrowerID, Title: title})
	return nil
}

func (n *recordingNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.Title)
	}
	return out
}
