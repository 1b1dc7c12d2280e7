package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ayush/bookshelf/internal/auth"
	"github.com/ayush/bookshelf/internal/httpx"
	"github.com/ayush/bookshelf/internal/models"
)

const maxCoverBytes = 5 << 20

var coverTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// searchKeys are the query parameters that switch GET /books from the full
// listing to the paged search.
var searchKeys = []string{"searchTerm", "searchField", "sortOrder", "sortBy", "page", "limit"}

// Handler holds catalog HTTP handlers.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes registers the book routes on r. Callers put them behind
// authentication.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/top-rated", h.TopRated)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/review", h.AddReview)
	r.Put("/{id}/cover", h.PutCover)
	r.Get("/{id}/cover", h.GetCover)
}

// Create stores a new book.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateBookRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.BadRequest(w, err)
		return
	}

	book, err := h.svc.Create(r.Context(), req)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, book)
}

// List returns every book when no search parameter is given, and a paged
// search result otherwise.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	if !hasAny(qs, searchKeys) {
		books, err := h.svc.FindAll(r.Context())
		if err != nil {
			httpx.Error(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, books)
		return
	}

	p, err := searchParams(qs)
	if err != nil {
		httpx.BadRequest(w, err)
		return
	}
	result, err := h.svc.Search(r.Context(), p)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func hasAny(qs url.Values, keys []string) bool {
	for _, k := range keys {
		if qs.Has(k) {
			return true
		}
	}
	return false
}

func searchParams(qs url.Values) (models.SearchParams, error) {
	p := models.DefaultSearchParams()
	p.SearchTerm = qs.Get("searchTerm")
	p.SearchField = qs.Get("searchField")
	if v := qs.Get("sortOrder"); v != "" {
		p.SortOrder = v
	}
	if v := qs.Get("sortBy"); v != "" {
		p.SortBy = v
	}

	page, ok, err := httpx.QueryInt(qs, "page")
	if err != nil {
		return p, err
	}
	if ok {
		p.Page = page
	}
	limit, ok, err := httpx.QueryInt(qs, "limit")
	if err != nil {
		return p, err
	}
	if ok {
		p.Limit = limit
	}
	return p, nil
}

// TopRated returns the highest rated books.
func (h *Handler) TopRated(w http.ResponseWriter, r *http.Request) {
	limit, ok, err := httpx.QueryInt(r.URL.Query(), "limit")
	if err != nil {
		httpx.BadRequest(w, err)
		return
	}
	if ok && (limit < 1 || limit > models.MaxLimit) {
		httpx.BadRequest(w, fmt.Errorf("limit must be between 1 and %d", models.MaxLimit))
		return
	}

	books, err := h.svc.TopRated(r.Context(), limit)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, books)
}

// Get returns a single book.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	book, err := h.svc.FindOne(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, book)
}

// Update applies a partial update.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateBookRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.BadRequest(w, err)
		return
	}

	book, err := h.svc.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, book)
}

// Delete removes a book and answers with the deleted record.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	book, err := h.svc.Remove(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, book)
}

// AddReview records the caller's review of a book.
func (h *Handler) AddReview(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFrom(r.Context())
	if userID == "" {
		httpx.Unauthorized(w, "not authenticated")
		return
	}

	var req models.AddReviewRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.BadRequest(w, err)
		return
	}

	book, err := h.svc.AddReview(r.Context(), chi.URLParam(r, "id"), userID, req)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, book)
}

// PutCover stores the request body as the book's cover image. The content
// type is sniffed from the bytes, not taken from the header.
func (h *Handler) PutCover(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > maxCoverBytes {
		httpx.PayloadTooLarge(w, maxCoverBytes)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxCoverBytes+1))
	if err != nil {
		httpx.BadRequest(w, fmt.Errorf("read cover: %v", err))
		return
	}
	if len(data) > maxCoverBytes {
		httpx.PayloadTooLarge(w, maxCoverBytes)
		return
	}
	if len(data) == 0 {
		httpx.BadRequest(w, errors.New("body must not be empty"))
		return
	}
	contentType := http.DetectContentType(data)
	if !coverTypes[contentType] {
		httpx.BadRequest(w, fmt.Errorf("unsupported cover type %q, want jpeg, png or webp", contentType))
		return
	}

	book, err := h.svc.SetCover(r.Context(), chi.URLParam(r, "id"), bytes.NewReader(data), int64(len(data)), contentType)
	if err != nil {
		h.coverError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, book)
}

// GetCover streams the book's cover image.
func (h *Handler) GetCover(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rc, contentType, size, err := h.svc.Cover(r.Context(), id)
	if err != nil {
		h.coverError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentType)
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	// The status is already sent, so a failed copy can only be logged.
	if _, err := io.Copy(w, rc); err != nil {
		slog.WarnContext(r.Context(), "stream cover", slog.String("book_id", id), slog.String("error", err.Error()))
	}
}

func (h *Handler) coverError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrCoversDisabled) {
		httpx.WriteJSON(w, http.StatusNotImplemented, map[string]string{"error": err.Error()})
		return
	}
	httpx.Error(w, r, err)
}
