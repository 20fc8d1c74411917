package lending

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	headerRole       = "X-Role"
	headerBorrowerID = "X-Borrower-ID"
)

type role string

const (
	roleAdmin     role = "admin"
	roleLibrarian role = "librarian"
	roleBorrower  role = "borrower"
)

// principal is the caller identity asserted by the gateway in front of the service.
type principal struct {
	role       role
	borrowerID uuid.UUID
}

func (p principal) staff() bool {
	return p.role == roleAdmin || p.role == roleLibrarian
}

type principalKey struct{}

func principalFrom(ctx context.Context) principal {
	p, _ := ctx.Value(principalKey{}).(principal)
	return p
}

var (
	errUnauthenticated = errors.New("missing or invalid caller identity")
	errForbidden       = errors.New("operation not permitted for this caller")
	errRateLimited     = errors.New("too many requests")
)

type Handler struct {
	service  Service
	logger   *slog.Logger
	limiters *borrowerLimiters
}

// NewHandler builds the HTTP adapter. perMinute caps self-service calls of each borrower.
func NewHandler(service Service, logger *slog.Logger, perMinute int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:  service,
		logger:   logger,
		limiters: newBorrowerLimiters(perMinute),
	}
}

// Routes returns the lending router. Every route requires a caller identity.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, h.logRequests)

	r.Group(func(r chi.Router) {
		r.Use(h.identify)

		r.Get("/books/{bookID}/availability", h.getAvailability)
		r.Get("/cards/{borrowerID}", h.getCard)
		r.Post("/borrowings/{borrowingID}/return", h.returnLoan)
		r.Get("/borrowings/{borrowingID}/history", h.getLoanHistory)
		r.Get("/borrowers/{borrowerID}/loans", h.getBorrowerLoans)
		r.Get("/borrowers/{borrowerID}/summary", h.getBorrowerSummary)
		r.Get("/borrowers/{borrowerID}/fines", h.listFines)
		r.Post("/reservations/{reservationID}/cancel", h.cancelReservation)
		r.Post("/fines/{fineID}/pay", h.payFine)

		r.Group(func(r chi.Router) {
			r.Use(h.throttle)
			r.Post("/borrowings", h.borrow)
			r.Post("/borrowings/{borrowingID}/renew", h.renew)
			r.Post("/reservations", h.reserve)
		})

		r.Group(func(r chi.Router) {
			r.Use(staffOnly)
			r.Post("/books", h.registerBook)
			r.Post("/books/{bookID}/copies", h.registerCopy)
			r.Put("/books/{bookID}/total-copies", h.adjustTotalCopies)
			r.Get("/books/{bookID}/reservations", h.listReservations)
			r.Put("/copies/{copyID}/status", h.setCopyStatus)
			r.Post("/cards", h.issueCard)
			r.Post("/cards/{borrowerID}/suspend", h.cardTransition(h.service.SuspendCard))
			r.Post("/cards/{borrowerID}/cancel", h.cardTransition(h.service.CancelCard))
			r.Post("/cards/{borrowerID}/reinstate", h.cardTransition(h.service.ReinstateCard))
			r.Post("/borrowings/{borrowingID}/lost", h.writeOff(h.service.MarkLost))
			r.Post("/borrowings/{borrowingID}/damaged", h.writeOff(h.service.MarkDamaged))
			r.Get("/loans/overdue", h.getOverdueLoans)
			r.Post("/fines/{fineID}/waive", h.waiveFine)
		})
	})
	return r
}

// Catalog

func (h *Handler) registerBook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		ISBN        string `json:"isbn"`
		TotalCopies int    `json:"total_copies"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	book, err := h.service.RegisterBook(r.Context(), RegisterBookInput(req))
	h.respond(w, r, http.StatusCreated, book, err)
}

func (h *Handler) registerCopy(w http.ResponseWriter, r *http.Request) {
	bookID, err := pathUUID(r, "bookID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		CopyID string `json:"copy_id"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	bookCopy, err := h.service.RegisterCopy(r.Context(), bookID, req.CopyID)
	h.respond(w, r, http.StatusCreated, bookCopy, err)
}

func (h *Handler) adjustTotalCopies(w http.ResponseWriter, r *http.Request) {
	bookID, err := pathUUID(r, "bookID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		TotalCopies *int `json:"total_copies"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.TotalCopies == nil {
		h.writeError(w, r, invalid("total_copies is required"))
		return
	}
	book, err := h.service.AdjustTotalCopies(r.Context(), bookID, *req.TotalCopies)
	h.respond(w, r, http.StatusOK, book, err)
}

func (h *Handler) setCopyStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status CopyStatus `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	bookCopy, err := h.service.SetCopyStatus(r.Context(), chi.URLParam(r, "copyID"), req.Status)
	h.respond(w, r, http.StatusOK, bookCopy, err)
}

func (h *Handler) getAvailability(w http.ResponseWriter, r *http.Request) {
	bookID, err := pathUUID(r, "bookID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	availability, err := h.service.GetAvailability(r.Context(), bookID)
	h.respond(w, r, http.StatusOK, availability, err)
}

// Cards

func (h *Handler) issueCard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BorrowerID uuid.UUID `json:"borrower_id"`
		CardNumber string    `json:"card_number"`
		MaxBooks   int       `json:"max_books"`
		MaxDays    int       `json:"max_days"`
		ExpiryDate string    `json:"expiry_date"`
		IssuedBy   string    `json:"issued_by"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	in := IssueCardInput{
		BorrowerID: req.BorrowerID,
		CardNumber: req.CardNumber,
		MaxBooks:   req.MaxBooks,
		MaxDays:    req.MaxDays,
		IssuedBy:   req.IssuedBy,
	}
	if req.ExpiryDate != "" {
		expiry, err := time.Parse(time.DateOnly, req.ExpiryDate)
		if err != nil {
			h.writeError(w, r, invalid("expiry_date must be YYYY-MM-DD"))
			return
		}
		in.ExpiryDate = expiry
	}
	card, err := h.service.IssueCard(r.Context(), in)
	h.respond(w, r, http.StatusCreated, card, err)
}

func (h *Handler) getCard(w http.ResponseWriter, r *http.Request) {
	borrowerID, err := h.ownBorrower(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	card, err := h.service.GetCard(r.Context(), borrowerID)
	h.respond(w, r, http.StatusOK, card, err)
}

func (h *Handler) cardTransition(fn func(context.Context, uuid.UUID) (*LibraryCard, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		borrowerID, err := pathUUID(r, "borrowerID")
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		card, err := fn(r.Context(), borrowerID)
		h.respond(w, r, http.StatusOK, card, err)
	}
}

// Loans

func (h *Handler) borrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BorrowerID uuid.UUID `json:"borrower_id"`
		CopyID     string    `json:"copy_id"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	borrowerID, err := actingFor(r, req.BorrowerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.CopyID == "" {
		h.writeError(w, r, invalid("copy_id is required"))
		return
	}
	b, err := h.service.Borrow(r.Context(), borrowerID, req.CopyID)
	h.respond(w, r, http.StatusCreated, b, err)
}

func (h *Handler) returnLoan(w http.ResponseWriter, r *http.Request) {
	borrowingID, err := h.ownBorrowing(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		ReturnedTo string `json:"returned_to"`
	}
	if err := decodeOptional(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	b, err := h.service.Return(r.Context(), borrowingID, req.ReturnedTo)
	h.respond(w, r, http.StatusOK, b, err)
}

func (h *Handler) renew(w http.ResponseWriter, r *http.Request) {
	borrowingID, err := h.ownBorrowing(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	b, err := h.service.Renew(r.Context(), borrowingID)
	h.respond(w, r, http.StatusOK, b, err)
}

func (h *Handler) writeOff(fn func(context.Context, uuid.UUID) (*Borrowing, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		borrowingID, err := pathUUID(r, "borrowingID")
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		b, err := fn(r.Context(), borrowingID)
		h.respond(w, r, http.StatusOK, b, err)
	}
}

func (h *Handler) getLoanHistory(w http.ResponseWriter, r *http.Request) {
	borrowingID, err := h.ownBorrowing(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	events, err := h.service.GetLoanHistory(r.Context(), borrowingID)
	h.respond(w, r, http.StatusOK, events, err)
}

func (h *Handler) getBorrowerLoans(w http.ResponseWriter, r *http.Request) {
	borrowerID, err := h.ownBorrower(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	activeOnly, err := queryBool(r, "active")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	loans, err := h.service.GetBorrowerLoans(r.Context(), borrowerID, activeOnly)
	h.respond(w, r, http.StatusOK, loans, err)
}

func (h *Handler) getBorrowerSummary(w http.ResponseWriter, r *http.Request) {
	borrowerID, err := h.ownBorrower(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	summary, err := h.service.GetBorrowerSummary(r.Context(), borrowerID)
	h.respond(w, r, http.StatusOK, summary, err)
}

func (h *Handler) getOverdueLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.service.GetOverdueLoans(r.Context())
	h.respond(w, r, http.StatusOK, loans, err)
}

// Fines

func (h *Handler) listFines(w http.ResponseWriter, r *http.Request) {
	borrowerID, err := h.ownBorrower(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	unpaidOnly, err := queryBool(r, "unpaid")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	fines, err := h.service.ListFines(r.Context(), borrowerID, unpaidOnly)
	h.respond(w, r, http.StatusOK, fines, err)
}

func (h *Handler) payFine(w http.ResponseWriter, r *http.Request) {
	fineID, err := pathUUID(r, "fineID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		Method string `json:"method"`
	}
	if err := decodeOptional(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.ownsFine(r, fineID); err != nil {
		h.writeError(w, r, err)
		return
	}
	fine, err := h.service.PayFine(r.Context(), fineID, req.Method)
	h.respond(w, r, http.StatusOK, fine, err)
}

func (h *Handler) waiveFine(w http.ResponseWriter, r *http.Request) {
	fineID, err := pathUUID(r, "fineID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	fine, err := h.service.WaiveFine(r.Context(), fineID, req.Reason)
	h.respond(w, r, http.StatusOK, fine, err)
}

// Reservations

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BorrowerID uuid.UUID `json:"borrower_id"`
		BookID     uuid.UUID `json:"book_id"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	borrowerID, err := actingFor(r, req.BorrowerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	reservation, err := h.service.Reserve(r.Context(), borrowerID, req.BookID)
	h.respond(w, r, http.StatusCreated, reservation, err)
}

func (h *Handler) cancelReservation(w http.ResponseWriter, r *http.Request) {
	reservationID, err := pathUUID(r, "reservationID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	holder := uuid.Nil
	if p := principalFrom(r.Context()); !p.staff() {
		holder = p.borrowerID
	}
	reservation, err := h.service.CancelReservation(r.Context(), reservationID, holder)
	h.respond(w, r, http.StatusOK, reservation, err)
}

func (h *Handler) listReservations(w http.ResponseWriter, r *http.Request) {
	bookID, err := pathUUID(r, "bookID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := ReservationStatus(r.URL.Query().Get("status"))
	reservations, err := h.service.ListReservations(r.Context(), bookID, status)
	h.respond(w, r, http.StatusOK, reservations, err)
}

// Identity and ownership

func (h *Handler) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principal{role: role(r.Header.Get(headerRole))}
		switch p.role {
		case roleAdmin, roleLibrarian:
		case roleBorrower:
			id, err := uuid.Parse(r.Header.Get(headerBorrowerID))
			if err != nil {
				h.writeError(w, r, errUnauthenticated)
				return
			}
			p.borrowerID = id
		default:
			h.writeError(w, r, errUnauthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func staffOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !principalFrom(r.Context()).staff() {
			writeJSON(w, http.StatusForbidden, errorBody(errForbidden.Error(), "forbidden"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// actingFor resolves the borrower a self-service request is made for. Borrowers may omit the id.
func actingFor(r *http.Request, requested uuid.UUID) (uuid.UUID, error) {
	p := principalFrom(r.Context())
	if p.staff() {
		if requested == uuid.Nil {
			return uuid.Nil, invalid("borrower_id is required")
		}
		return requested, nil
	}
	if requested != uuid.Nil && requested != p.borrowerID {
		return uuid.Nil, errForbidden
	}
	return p.borrowerID, nil
}

func (h *Handler) ownBorrower(r *http.Request) (uuid.UUID, error) {
	id, err := pathUUID(r, "borrowerID")
	if err != nil {
		return uuid.Nil, err
	}
	return actingFor(r, id)
}

func (h *Handler) ownBorrowing(r *http.Request) (uuid.UUID, error) {
	id, err := pathUUID(r, "borrowingID")
	if err != nil {
		return uuid.Nil, err
	}
	p := principalFrom(r.Context())
	if p.staff() {
		return id, nil
	}
	loan, err := h.service.GetLoan(r.Context(), id)
	if err != nil {
		return uuid.Nil, err
	}
	if loan.BorrowerID != p.borrowerID {
		return uuid.Nil, ErrBorrowingNotFound
	}
	return id, nil
}

func (h *Handler) ownsFine(r *http.Request, fineID uuid.UUID) error {
	p := principalFrom(r.Context())
	if p.staff() {
		return nil
	}
	fines, err := h.service.ListFines(r.Context(), p.borrowerID, false)
	if err != nil {
		return err
	}
	for _, f := range fines {
		if f.ID == fineID {
			return nil
		}
	}
	return ErrFineNotFound
}

// Rate limiting

type borrowerLimiters struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[uuid.UUID]*rate.Limiter
}

func newBorrowerLimiters(perMinute int) *borrowerLimiters {
	if perMinute <= 0 {
		return nil
	}
	return &borrowerLimiters{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		limiters: make(map[uuid.UUID]*rate.Limiter),
	}
}

func (l *borrowerLimiters) allow(id uuid.UUID) bool {
	l.mu.Lock()
	lim, ok := l.limiters[id]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[id] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// throttle limits self-service calls per borrower. Staff calls are not limited.
func (h *Handler) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r.Context())
		if h.limiters != nil && !p.staff() && !h.limiters.allow(p.borrowerID) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorBody(errRateLimited.Error(), "rate_limited"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Plumbing

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.InfoContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, body any, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, status, body)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, errorBody(err.Error(), "unauthenticated"))
		return
	case errors.Is(err, errForbidden):
		writeJSON(w, http.StatusForbidden, errorBody(err.Error(), "forbidden"))
		return
	}

	status := http.StatusInternalServerError
	switch KindOf(err) {
	case KindNotFound:
		status = http.StatusNotFound
	case KindConflict:
		status = http.StatusConflict
	case KindPolicyViolation:
		status = http.StatusUnprocessableEntity
	case KindValidation:
		status = http.StatusBadRequest
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeJSON(w, status, errorBody("internal error", CodeOf(err)))
		return
	}
	writeJSON(w, status, errorBody(err.Error(), CodeOf(err)))
}

func errorBody(msg, code string) map[string]string {
	return map[string]string{"error": msg, "code": code}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return invalid("malformed request body")
	}
	return nil
}

// decodeOptional is decode for bodies that may be absent, chunked or not.
func decodeOptional(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return invalid("malformed request body")
	}
	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, invalid("invalid " + name)
	}
	return id, nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, invalid(name + " must be a boolean")
	}
	return b, nil
}
