package lending

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiClient struct {
	t      *testing.T
	server *httptest.Server
}

func newAPI(t *testing.T, f *fixture, perMinute int) *apiClient {
	t.Helper()
	h := NewHandler(f.svc, slog.New(slog.NewTextHandler(io.Discard, nil)), perMinute)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return &apiClient{t: t, server: srv}
}

func (c *apiClient) do(method, path, role string, borrower uuid.UUID, body string) (int, map[string]any) {
	c.t.Helper()
	req, err := http.NewRequest(method, c.server.URL+path, strings.NewReader(body))
	require.NoError(c.t, err)
	if role != "" {
		req.Header.Set(headerRole, role)
	}
	if borrower != uuid.Nil {
		req.Header.Set(headerBorrowerID, borrower.String())
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(c.t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestHandler_StaffCatalogFlow(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f, 0)

	status, body := api.do(http.MethodPost, "/books", "librarian", uuid.Nil, `{"title":"The Go Programming Language","isbn":"9780134190440"}`)
	require.Equal(t, http.StatusCreated, status)
	bookID := body["id"].(string)

	status, _ = api.do(http.MethodPost, "/books/"+bookID+"/copies", "admin", uuid.Nil, `{"copy_id":"GO-1"}`)
	require.Equal(t, http.StatusCreated, status)

	status, body = api.do(http.MethodPost, "/books/"+bookID+"/copies", "admin", uuid.Nil, `{"copy_id":"GO-1"}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "duplicate_copy", body["code"])

	status, body = api.do(http.MethodPut, "/books/"+bookID+"/total-copies", "admin", uuid.Nil, `{"total_copies":3}`)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, body["available_copies"])

	status, body = api.do(http.MethodGet, "/books/"+bookID+"/availability", "borrower", uuid.New(), "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, body["total_copies"])

	status, body = api.do(http.MethodPut, "/books/"+uuid.NewString()+"/total-copies", "admin", uuid.Nil, `{"total_copies":3}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "book_not_found", body["code"])

	status, body = api.do(http.MethodPut, "/books/not-a-uuid/total-copies", "admin", uuid.Nil, `{"total_copies":3}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_input", body["code"])
}

func TestHandler_Authorization(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f, 0)
	student := f.addBorrower(t, 0)

	status, body := api.do(http.MethodPost, "/books", "", uuid.Nil, `{"title":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthenticated", body["code"])

	status, _ = api.do(http.MethodPost, "/books", "borrower", student, `{"title":"x"}`)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = api.do(http.MethodGet, "/borrowers/"+uuid.NewString()+"/loans", "borrower", student, "")
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = api.do(http.MethodGet, "/borrowers/"+student.String()+"/loans", "borrower", student, "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = api.do(http.MethodGet, "/cards/"+student.String(), "borrower", uuid.Nil, "")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestHandler_BorrowAndReturn(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f, 0)
	book := f.addBook(t, "C-1")
	student := f.addBorrower(t, 0)
	other := f.addBorrower(t, 0)

	status, body := api.do(http.MethodPost, "/borrowings", "borrower", student, `{"copy_id":"C-1"}`)
	require.Equal(t, http.StatusCreated, status)
	borrowingID := body["id"].(string)
	assert.Equal(t, "2024-12-01T00:00:00Z", body["due_date"])

	status, body = api.do(http.MethodPost, "/borrowings", "borrower", other, `{"copy_id":"C-1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "unavailable", body["code"])

	status, _ = api.do(http.MethodPost, "/borrowings", "borrower", other, `{"borrower_id":"`+student.String()+`","copy_id":"C-1"}`)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = api.do(http.MethodPost, "/borrowings/"+borrowingID+"/return", "borrower", other, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = api.do(http.MethodPost, "/borrowings/"+borrowingID+"/return", "librarian", uuid.Nil, `{"returned_to":"desk-2"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "RETURNED", body["status"])

	status, body = api.do(http.MethodPost, "/borrowings/"+borrowingID+"/return", "librarian", uuid.Nil, "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_returned", body["code"])

	assert.Equal(t, 1, f.book(t, book.ID).AvailableCopies)
}

func TestHandler_SelfServiceRateLimit(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f, 1)
	book := f.addBook(t)
	student := f.addBorrower(t, 0)

	status, _ := api.do(http.MethodPost, "/reservations", "borrower", student, `{"book_id":"`+book.ID.String()+`"}`)
	require.Equal(t, http.StatusCreated, status)

	status, body := api.do(http.MethodPost, "/reservations", "borrower", student, `{"book_id":"`+book.ID.String()+`"}`)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate_limited", body["code"])

	status, body = api.do(http.MethodPost, "/reservations", "librarian", uuid.Nil, `{"borrower_id":"`+student.String()+`","book_id":"`+book.ID.String()+`"}`)
	assert.Equal(t, http.StatusConflict, status, "staff calls are not throttled")
	assert.Equal(t, "duplicate_reservation", body["code"])
}

func TestHandler_Fines(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f, 0)
	f.addBook(t, "C-1")
	student := f.addBorrower(t, 0)
	b := f.borrow(t, student, "C-1")
	f.clock.Set(day(2024, 12, 4))

	status, body := api.do(http.MethodPost, "/borrowings/"+b.ID.String()+"/return", "borrower", student, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "3", body["fine_amount"])

	fines, err := f.svc.ListFines(t.Context(), student, true)
	require.NoError(t, err)
	require.Len(t, fines, 1)
	fineID := fines[0].ID.String()

	status, _ = api.do(http.MethodPost, "/fines/"+fineID+"/pay", "borrower", f.addBorrower(t, 0), "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = api.do(http.MethodPost, "/fines/"+fineID+"/waive", "borrower", student, `{"reason":"please"}`)
	assert.Equal(t, http.StatusForbidden, status)

	status, body = api.do(http.MethodPost, "/fines/"+fineID+"/pay", "borrower", student, `{"method":"card"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["is_paid"])
	assert.Equal(t, "card", body["payment_method"])

	status, body = api.do(http.MethodGet, "/borrowers/"+student.String()+"/summary", "borrower", student, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "0", body["unpaid_fines"])
}

// chunked sends body with no declared length, the way a streaming client would.
func chunked(t *testing.T, h http.Handler, path string, borrower uuid.UUID, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.ContentLength = -1
	req.Header.Set(headerRole, "borrower")
	req.Header.Set(headerBorrowerID, borrower.String())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec.Code, out
}

func TestHandler_OptionalBodyWithoutLength(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc, slog.New(slog.NewTextHandler(io.Discard, nil)), 0).Routes()
	f.addBook(t, "C-1")
	student := f.addBorrower(t, 0)
	b := f.borrow(t, student, "C-1")
	f.clock.Set(day(2024, 12, 4))

	status, body := chunked(t, h, "/borrowings/"+b.ID.String()+"/return", student, "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "RETURNED", body["status"])

	fines, err := f.svc.ListFines(t.Context(), student, true)
	require.NoError(t, err)
	require.Len(t, fines, 1)
	payPath := "/fines/" + fines[0].ID.String() + "/pay"

	status, body = chunked(t, h, payPath, student, `{"method":`)
	assert.Equal(t, http.StatusBadRequest, status, "a truncated body is still rejected")
	assert.Equal(t, "invalid_input", body["code"])

	status, body = chunked(t, h, payPath, student, "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["is_paid"])
}
