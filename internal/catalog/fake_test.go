package catalog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing/iotest"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ayush/bookshelf/internal/models"
)

// memBookStore is an in-memory BookStore with the same version
// compare-and-swap behaviour as the Mongo store.
type memBookStore struct {
	mu    sync.Mutex
	books map[primitive.ObjectID]models.Book
	order []primitive.ObjectID

	// beforeSave runs inside SaveReviews before the version check.
	beforeSave func(book *models.Book)
	saves      int
}

func newMemBookStore() *memBookStore {
	return &memBookStore{books: map[primitive.ObjectID]models.Book{}}
}

func cloneBook(b models.Book) *models.Book {
	b.Reviews = append([]models.Review{}, b.Reviews...)
	return &b
}

func (s *memBookStore) lookup(id string) (primitive.ObjectID, models.Book, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return oid, models.Book{}, fmt.Errorf("%w: book %s", models.ErrNotFound, id)
	}
	b, ok := s.books[oid]
	if !ok {
		return oid, models.Book{}, fmt.Errorf("%w: book %s", models.ErrNotFound, id)
	}
	return oid, b, nil
}

func (s *memBookStore) Insert(_ context.Context, book *models.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	book.ID = primitive.NewObjectID()
	book.Rating = models.AverageRating(book.Reviews)
	book.Normalize()
	s.books[book.ID] = *cloneBook(*book)
	s.order = append(s.order, book.ID)
	return nil
}

func (s *memBookStore) FindAll(context.Context) ([]models.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Book{}
	for _, id := range s.order {
		if b, ok := s.books[id]; ok {
			out = append(out, *cloneBook(b))
		}
	}
	return out, nil
}

func (s *memBookStore) FindByID(_ context.Context, id string) (*models.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, b, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return cloneBook(b), nil
}

func (s *memBookStore) Update(_ context.Context, id string, patch models.UpdateBookRequest) (*models.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oid, b, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if patch.Title != nil {
		b.Title = *patch.Title
	}
	if patch.Author != nil {
		b.Author = *patch.Author
	}
	if patch.PublishedDate != nil {
		t := patch.PublishedDate.Time
		b.PublishedDate = &t
	}
	if patch.Category != nil {
		b.Category = *patch.Category
	}
	s.books[oid] = b
	return cloneBook(b), nil
}

func (s *memBookStore) Delete(_ context.Context, id string) (*models.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oid, b, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	delete(s.books, oid)
	return cloneBook(b), nil
}

func (s *memBookStore) SaveReviews(_ context.Context, book *models.Book) error {
	if s.beforeSave != nil {
		s.beforeSave(book)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	stored, ok := s.books[book.ID]
	if !ok {
		return fmt.Errorf("%w: book %s", models.ErrNotFound, book.ID.Hex())
	}
	if stored.Version != book.Version {
		return fmt.Errorf("book %s: %w", book.ID.Hex(), models.ErrVersionConflict)
	}
	stored.Reviews = append([]models.Review{}, book.Reviews...)
	stored.Rating = book.Rating
	stored.Version++
	s.books[book.ID] = stored
	book.Version = stored.Version
	return nil
}

func (s *memBookStore) SetCover(_ context.Context, id, key string) (*models.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oid, b, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	b.CoverKey = key
	s.books[oid] = b
	return cloneBook(b), nil
}

func (s *memBookStore) Search(_ context.Context, p models.SearchParams) ([]models.Book, int64, error) {
	all, _ := s.FindAll(context.Background())
	term := strings.ToLower(strings.TrimSpace(p.SearchTerm))

	var matched []models.Book
	for _, b := range all {
		if term == "" || matches(b, p.SearchField, term) {
			matched = append(matched, b)
		}
	}

	less := func(a, b models.Book) bool {
		if p.SortBy == models.SortByRating {
			return a.Rating < b.Rating
		}
		return dateOf(a).Before(dateOf(b))
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if p.SortOrder == models.SortAsc {
			return less(matched[i], matched[j])
		}
		return less(matched[j], matched[i])
	})

	total := int64(len(matched))
	start := int(p.Skip())
	if start > len(matched) {
		start = len(matched)
	}
	end := start + p.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func matches(b models.Book, field, term string) bool {
	values := map[string]string{"title": b.Title, "author": b.Author, "category": b.Category}
	if v, ok := values[field]; ok {
		return strings.Contains(strings.ToLower(v), term)
	}
	for _, v := range values {
		if strings.Contains(strings.ToLower(v), term) {
			return true
		}
	}
	return false
}

func dateOf(b models.Book) time.Time {
	if b.PublishedDate == nil {
		return time.Time{}
	}
	return *b.PublishedDate
}

func (s *memBookStore) TopRated(ctx context.Context, limit int) ([]models.Book, error) {
	books, _, err := s.Search(ctx, models.SearchParams{
		SortBy: models.SortByRating, SortOrder: models.SortDesc, Page: 1, Limit: limit,
	})
	return books, err
}

type memCoverStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	removed []string

	// readErr, when set, is returned by readers from Get after the stored
	// bytes.
	readErr error
}

type memObject struct {
	data        []byte
	contentType string
}

func newMemCoverStore() *memCoverStore {
	return &memCoverStore{objects: map[string]memObject{}}
}

func (c *memCoverStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[key] = memObject{data: data, contentType: contentType}
	return nil
}

func (c *memCoverStore) Get(_ context.Context, key string) (io.ReadCloser, string, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[key]
	if !ok {
		return nil, "", 0, fmt.Errorf("%w: object %s", models.ErrNotFound, key)
	}
	var r io.Reader = bytes.NewReader(obj.data)
	if c.readErr != nil {
		r = io.MultiReader(r, iotest.ErrReader(c.readErr))
	}
	return io.NopCloser(r), obj.contentType, int64(len(obj.data)), nil
}

func (c *memCoverStore) Remove(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, key)
	c.removed = append(c.removed, key)
	return nil
}
