// Package catalog implements the book catalog: CRUD, paged search,
// top-rated listing, reviews with a running average, and cover images.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ayush/bookshelf/internal/models"
	"github.com/ayush/bookshelf/internal/validator"
)

// BookStore defines the interface for book persistence. Lookups by id
// return models.ErrNotFound for unknown or malformed ids.
type BookStore interface {
	Insert(ctx context.Context, book *models.Book) error
	FindAll(ctx context.Context) ([]models.Book, error)
	FindByID(ctx context.Context, id string) (*models.Book, error)
	Update(ctx context.Context, id string, patch models.UpdateBookRequest) (*models.Book, error)
	Delete(ctx context.Context, id string) (*models.Book, error)
	// SaveReviews writes book.Reviews and book.Rating if the stored version
	// still equals book.Version, otherwise models.ErrVersionConflict.
	SaveReviews(ctx context.Context, book *models.Book) error
	SetCover(ctx context.Context, id, key string) (*models.Book, error)
	Search(ctx context.Context, p models.SearchParams) ([]models.Book, int64, error)
	TopRated(ctx context.Context, limit int) ([]models.Book, error)
}

// CoverStore defines the interface for cover image storage.
type CoverStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, string, int64, error)
	Remove(ctx context.Context, key string) error
}

// ErrCoversDisabled is returned by cover operations when no CoverStore is
// configured.
var ErrCoversDisabled = errors.New("cover storage is not configured")

// Service holds the catalog operations.
type Service struct {
	books     BookStore
	covers    CoverStore
	retryOpts []RetryOption
	now       func() time.Time

	// reviewLocks serializes AddReview per book within this process. The
	// version check in SaveReviews still guards writers in other processes.
	reviewLocks *keyLocks
}

// Option configures a Service.
type Option func(*Service)

// WithRetryOptions tunes the version-conflict retry in AddReview.
func WithRetryOptions(opts ...RetryOption) Option {
	return func(s *Service) { s.retryOpts = append(s.retryOpts, opts...) }
}

// WithClock overrides time.Now for review timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the stores. covers may be nil.
func NewService(books BookStore, covers CoverStore, opts ...Option) *Service {
	s := &Service{books: books, covers: covers, now: time.Now, reviewLocks: newKeyLocks()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates req and stores a new book with no reviews.
func (s *Service) Create(ctx context.Context, req models.CreateBookRequest) (*models.Book, error) {
	if err := validator.Validate(req); err != nil {
		return nil, err
	}

	book := &models.Book{
		Title:    req.Title,
		Author:   req.Author,
		Category: req.Category,
		Reviews:  []models.Review{},
	}
	if req.PublishedDate != nil {
		t := req.PublishedDate.Time
		book.PublishedDate = &t
	}
	if err := s.books.Insert(ctx, book); err != nil {
		return nil, fmt.Errorf("create book: %w", err)
	}
	return book, nil
}

// FindAll returns every book, unpaginated.
func (s *Service) FindAll(ctx context.Context) ([]models.Book, error) {
	books, err := s.books.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return books, nil
}

func (s *Service) FindOne(ctx context.Context, id string) (*models.Book, error) {
	return s.books.FindByID(ctx, id)
}

// Update merges the non-nil fields of req into the book and returns the
// updated record.
func (s *Service) Update(ctx context.Context, id string, req models.UpdateBookRequest) (*models.Book, error) {
	if err := validator.Validate(req); err != nil {
		return nil, err
	}
	return s.books.Update(ctx, id, req)
}

// Remove deletes the book, its reviews and its cover, and returns the
// deleted record.
func (s *Service) Remove(ctx context.Context, id string) (*models.Book, error) {
	book, err := s.books.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	if book.CoverKey != "" && s.covers != nil {
		if err := s.covers.Remove(ctx, book.CoverKey); err != nil {
			slog.WarnContext(ctx, "remove cover", slog.String("book_id", id), slog.String("error", err.Error()))
		}
	}
	return book, nil
}

// Search returns one page of books matching p.
func (s *Service) Search(ctx context.Context, p models.SearchParams) (models.SearchResult, error) {
	if err := validator.Validate(p); err != nil {
		return models.SearchResult{}, err
	}
	books, total, err := s.books.Search(ctx, p)
	if err != nil {
		return models.SearchResult{}, fmt.Errorf("search books: %w", err)
	}
	return models.NewSearchResult(books, total, p), nil
}

// TopRated returns the highest rated books. limit defaults to 5 and is
// capped at 50.
func (s *Service) TopRated(ctx context.Context, limit int) ([]models.Book, error) {
	switch {
	case limit <= 0:
		limit = models.DefaultTopRated
	case limit > models.MaxLimit:
		limit = models.MaxLimit
	}
	books, err := s.books.TopRated(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("top rated books: %w", err)
	}
	return books, nil
}

// AddReview appends the user's review and recomputes the book's rating.
// A user may review a book once. Reviews of the same book are applied one
// at a time; writers in other processes are detected through the book
// version and the whole sequence is retried.
func (s *Service) AddReview(ctx context.Context, bookID, userID string, req models.AddReviewRequest) (*models.Book, error) {
	if err := validator.Validate(req); err != nil {
		return nil, err
	}

	unlock, err := s.reviewLocks.lock(ctx, bookID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var result *models.Book
	err = RetryWithExponentialBackoff(ctx, func(ctx context.Context) error {
		book, err := s.books.FindByID(ctx, bookID)
		if err != nil {
			return err
		}
		err = book.AddReview(models.Review{
			ID:        primitive.NewObjectID(),
			Rating:    req.Rating,
			Comment:   req.Comment,
			UserID:    userID,
			CreatedAt: s.now().UTC(),
		})
		if err != nil {
			return err
		}
		if err := s.books.SaveReviews(ctx, book); err != nil {
			return err
		}
		result = book
		return nil
	}, s.retryOpts...)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetCover stores the image read from r as the book's cover.
func (s *Service) SetCover(ctx context.Context, id string, r io.Reader, size int64, contentType string) (*models.Book, error) {
	if s.covers == nil {
		return nil, ErrCoversDisabled
	}
	book, err := s.books.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	key := coverKey(book.ID.Hex())
	if err := s.covers.Put(ctx, key, r, size, contentType); err != nil {
		return nil, fmt.Errorf("store cover: %w", err)
	}
	return s.books.SetCover(ctx, id, key)
}

// Cover opens the book's cover image. The caller closes the reader.
func (s *Service) Cover(ctx context.Context, id string) (io.ReadCloser, string, int64, error) {
	if s.covers == nil {
		return nil, "", 0, ErrCoversDisabled
	}
	book, err := s.books.FindByID(ctx, id)
	if err != nil {
		return nil, "", 0, err
	}
	if book.CoverKey == "" {
		return nil, "", 0, fmt.Errorf("%w: book %s has no cover", models.ErrNotFound, id)
	}
	return s.covers.Get(ctx, book.CoverKey)
}

func coverKey(bookID string) string {
	return "books/" + bookID + "/cover"
}
