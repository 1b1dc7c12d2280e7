package models

import (
	"fmt"
	"math"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Review is a single user's review, embedded in a Book.
type Review struct {
	ID        primitive.ObjectID `json:"id"        bson:"_id"`
	Rating    float64            `json:"rating"    bson:"rating"`
	Comment   string             `json:"comment"   bson:"comment"`
	UserID    string             `json:"userId"    bson:"userId"`
	CreatedAt time.Time          `json:"createdAt" bson:"createdAt"`
}

// Book is a catalog entry stored in MongoDB. Rating is derived from
// Reviews and is only ever written by AddReview.
type Book struct {
	ID            primitive.ObjectID `json:"id"                      bson:"_id,omitempty"`
	Title         string             `json:"title"                   bson:"title"`
	Author        string             `json:"author"                  bson:"author"`
	PublishedDate *time.Time         `json:"publishedDate,omitempty" bson:"publishedDate,omitempty"`
	Category      string             `json:"category,omitempty"      bson:"category,omitempty"`
	Rating        float64            `json:"rating"                  bson:"rating"`
	Reviews       []Review           `json:"reviews"                 bson:"reviews"`
	CoverKey      string             `json:"-"                       bson:"coverKey,omitempty"`
	Version       int64              `json:"-"                       bson:"version"`
	CreatedAt     time.Time          `json:"createdAt"               bson:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"               bson:"updatedAt"`
}

// Normalize replaces a nil review list so it encodes as [] rather than null.
func (b *Book) Normalize() {
	if b.Reviews == nil {
		b.Reviews = []Review{}
	}
}

// HasReviewFrom reports whether userID already reviewed the book.
func (b *Book) HasReviewFrom(userID string) bool {
	for _, r := range b.Reviews {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// AddReview appends r and recomputes Rating. A second review from the
// same user is rejected with ErrConflict and leaves the book untouched.
func (b *Book) AddReview(r Review) error {
	if b.HasReviewFrom(r.UserID) {
		return fmt.Errorf("%w: user %s already reviewed book %s", ErrConflict, r.UserID, b.ID.Hex())
	}
	b.Reviews = append(b.Reviews, r)
	b.Rating = AverageRating(b.Reviews)
	return nil
}

// AverageRating is the arithmetic mean of the review ratings, 0 when empty.
func AverageRating(reviews []Review) float64 {
	if len(reviews) == 0 {
		return 0
	}
	var sum float64
	for _, r := range reviews {
		sum += r.Rating
	}
	return math.Max(0, math.Min(5, sum/float64(len(reviews))))
}

// Date accepts either a calendar date (2006-01-02) or an RFC 3339 timestamp.
type Date struct {
	time.Time
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, time.RFC3339Nano}

func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Date{Time: t.UTC()}, nil
		}
	}
	return Date{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD or RFC 3339", s)
}

func (d *Date) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		return nil
	}
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("date must be a JSON string")
	}
	parsed, err := ParseDate(s[1 : len(s)-1])
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// CreateBookRequest is the JSON body for POST /books.
type CreateBookRequest struct {
	Title         string `json:"title"         validate:"required,max=300"`
	Author        string `json:"author"        validate:"required,max=200"`
	PublishedDate *Date  `json:"publishedDate"`
	Category      string `json:"category"      validate:"omitempty,max=100"`
}

// UpdateBookRequest is the JSON body for PATCH /books/{id}. Nil fields are
// left unchanged. Rating and reviews cannot be patched.
type UpdateBookRequest struct {
	Title         *string `json:"title"         validate:"omitempty,min=1,max=300"`
	Author        *string `json:"author"        validate:"omitempty,min=1,max=200"`
	PublishedDate *Date   `json:"publishedDate"`
	Category      *string `json:"category"      validate:"omitempty,max=100"`
}

// Empty reports whether the patch changes nothing.
func (u UpdateBookRequest) Empty() bool {
	return u.Title == nil && u.Author == nil && u.PublishedDate == nil && u.Category == nil
}

// AddReviewRequest is the JSON body for POST /books/{id}/review.
type AddReviewRequest struct {
	Rating  float64 `json:"rating"  validate:"required,gte=1,lte=5"`
	Comment string  `json:"comment" validate:"required,min=10,max=500"`
}

// Sort keys, sort orders and paging bounds accepted by Search.
const (
	SortByPublishedDate = "publishedDate"
	SortByRating        = "rating"
	SortAsc             = "asc"
	SortDesc            = "desc"

	DefaultPage     = 1
	DefaultLimit    = 10
	MaxLimit        = 50
	DefaultTopRated = 5
)

// SearchParams drives the paged catalog search.
type SearchParams struct {
	SearchTerm  string `json:"searchTerm"  validate:"omitempty,max=200"`
	SearchField string `json:"searchField" validate:"omitempty,oneof=title author category"`
	SortOrder   string `json:"sortOrder"   validate:"oneof=asc desc"`
	SortBy      string `json:"sortBy"      validate:"oneof=publishedDate rating"`
	Page        int    `json:"page"        validate:"gte=1"`
	Limit       int    `json:"limit"       validate:"gte=1,lte=50"`
}

// DefaultSearchParams returns the search defaults: newest first, page 1 of 10.
func DefaultSearchParams() SearchParams {
	return SearchParams{
		SortOrder: SortDesc,
		SortBy:    SortByPublishedDate,
		Page:      DefaultPage,
		Limit:     DefaultLimit,
	}
}

// Skip is the number of matching records before the requested page.
func (p SearchParams) Skip() int64 {
	return int64(p.Page-1) * int64(p.Limit)
}

// SearchResult is one page of matches plus navigation metadata.
type SearchResult struct {
	Books       []Book `json:"books"`
	Total       int64  `json:"total"`
	Page        int    `json:"page"`
	Limit       int    `json:"limit"`
	TotalPages  int64  `json:"totalPages"`
	HasNext     bool   `json:"hasNext"`
	HasPrevious bool   `json:"hasPrevious"`
}

// NewSearchResult fills the paging fields from total and p.
func NewSearchResult(books []Book, total int64, p SearchParams) SearchResult {
	if books == nil {
		books = []Book{}
	}
	var pages int64
	if p.Limit > 0 {
		pages = (total + int64(p.Limit) - 1) / int64(p.Limit)
	}
	return SearchResult{
		Books:       books,
		Total:       total,
		Page:        p.Page,
		Limit:       p.Limit,
		TotalPages:  pages,
		HasNext:     int64(p.Page)*int64(p.Limit) < total,
		HasPrevious: p.Page > 1,
	}
}
