package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/crypto/bcrypt"

	"github.com/ayush/bookshelf/internal/auth"
	"github.com/ayush/bookshelf/internal/catalog"
	"github.com/ayush/bookshelf/internal/models"
	"github.com/ayush/bookshelf/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type memUsers struct {
	mu    sync.Mutex
	users []*models.User
}

func (s *memUsers) CreateUser(_ context.Context, email, passwordHash, name string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return nil, fmt.Errorf("%w: email %s", models.ErrConflict, email)
		}
	}
	u := &models.User{ID: fmt.Sprintf("u%d", len(s.users)+1), Email: email, PasswordHash: passwordHash, Name: name}
	s.users = append(s.users, u)
	return u, nil
}

func (s *memUsers) find(match func(*models.User) bool, ref string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if match(u) {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: user %s", models.ErrNotFound, ref)
}

func (s *memUsers) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	return s.find(func(u *models.User) bool { return u.Email == email }, email)
}

func (s *memUsers) GetUserByID(_ context.Context, id string) (*models.User, error) {
	return s.find(func(u *models.User) bool { return u.ID == id }, id)
}

func newTestApp(t *testing.T, books catalog.BookStore, users auth.UserStore) http.Handler {
	t.Helper()
	tokens, err := auth.NewTokenIssuer(testSecret, time.Hour)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	app := &application{
		corsOrigins: []string{"http://localhost:5173"},
		tokens:      tokens,
		revocations: auth.NewRevocationStore(rdb),
		users:       auth.NewService(users, tokens, auth.WithBcryptCost(bcrypt.MinCost)),
		books:       catalog.NewService(books, nil),
	}
	return app.routes(ctx)
}

type client struct {
	t     *testing.T
	h     http.Handler
	token string
}

func (c *client) do(method, path, body string) *httptest.ResponseRecorder {
	c.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rr := httptest.NewRecorder()
	c.h.ServeHTTP(rr, req)
	return rr
}

func (c *client) login(email, password string) {
	c.t.Helper()
	rr := c.do(http.MethodPost, "/auth/register", fmt.Sprintf(`{"email":%q,"password":%q}`, email, password))
	require.Equal(c.t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = c.do(http.MethodPost, "/auth/login", fmt.Sprintf(`{"email":%q,"password":%q}`, email, password))
	require.Equal(c.t, http.StatusOK, rr.Code, rr.Body.String())
	var resp models.LoginResponse
	require.NoError(c.t, json.Unmarshal(rr.Body.Bytes(), &resp))
	c.token = resp.Token
}

func TestRoutes_Health(t *testing.T) {
	c := &client{t: t, h: newTestApp(t, nil, &memUsers{})}

	rr := c.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rr = c.do(http.MethodGet, "/nowhere", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), `"error"`)
}

func TestRoutes_BooksRequireToken(t *testing.T) {
	c := &client{t: t, h: newTestApp(t, nil, &memUsers{})}

	for _, path := range []string{"/books", "/books/top-rated", "/books/64b7f0c2a1b2c3d4e5f60718"} {
		assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, path, "").Code, path)
	}
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodPost, "/books", `{"title":"Dune","author":"Frank Herbert"}`).Code)

	c.token = "not-a-token"
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/books", "").Code)
}

func TestRoutes_AuthFlow(t *testing.T) {
	c := &client{t: t, h: newTestApp(t, nil, &memUsers{})}
	c.login("alice@example.com", "Secret1")

	rr := c.do(http.MethodGet, "/auth/me", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "alice@example.com")

	rr = c.do(http.MethodPost, "/auth/register", `{"email":"alice@example.com","password":"Secret1"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = c.do(http.MethodPost, "/auth/login", `{"email":"alice@example.com","password":"Wrong1"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = c.do(http.MethodPost, "/auth/logout", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = c.do(http.MethodGet, "/auth/me", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "revoked")
}

// TestRoutes_BookScenario runs the catalog end to end against a real
// MongoDB. Set BOOKSHELF_TEST_MONGO_URI to enable it.
func TestRoutes_BookScenario(t *testing.T) {
	uri := os.Getenv("BOOKSHELF_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("BOOKSHELF_TEST_MONGO_URI not set")
	}
	ctx := context.Background()

	mc, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	db := mc.Database(fmt.Sprintf("bookshelf_test_%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		db.Drop(context.Background())
		mc.Disconnect(context.Background())
	})

	books := store.NewMongoStore(db)
	require.NoError(t, books.EnsureIndexes(ctx))
	users := store.NewMongoUserStore(db)
	require.NoError(t, users.EnsureIndexes(ctx))

	h := newTestApp(t, books, users)
	alice := &client{t: t, h: h}
	alice.login("alice@example.com", "Secret1")
	bob := &client{t: t, h: h}
	bob.login("bob@example.com", "Secret1")

	rr := alice.do(http.MethodPost, "/books", `{"title":"Dune","author":"Frank Herbert","publishedDate":"1965-08-01","category":"Science Fiction"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var book models.Book
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &book))
	reviewPath := "/books/" + book.ID.Hex() + "/review"

	rr = alice.do(http.MethodPost, reviewPath, `{"rating":4,"comment":"a classic of the genre"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rr = bob.do(http.MethodPost, reviewPath, `{"rating":5,"comment":"even better the second time"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &book))
	assert.Equal(t, 4.5, book.Rating)
	assert.Len(t, book.Reviews, 2)

	rr = alice.do(http.MethodPost, reviewPath, `{"rating":1,"comment":"changed my mind entirely"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = alice.do(http.MethodGet, "/books?searchTerm=herb&searchField=author", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var page models.SearchResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	assert.Equal(t, int64(1), page.Total)

	rr = alice.do(http.MethodGet, "/books?searchTerm=dune", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	assert.Equal(t, int64(1), page.Total)

	rr = alice.do(http.MethodGet, "/books/top-rated", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Dune")

	rr = alice.do(http.MethodDelete, "/books/"+book.ID.Hex(), "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, http.StatusNotFound, alice.do(http.MethodGet, "/books/"+book.ID.Hex(), "").Code)
}

// memBooks implements the subset of catalog.BookStore the review flow
// touches.
type memBooks struct {
	catalog.BookStore
	mu    sync.Mutex
	books map[primitive.ObjectID]models.Book
}

func (s *memBooks) Insert(_ context.Context, b *models.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.ID = primitive.NewObjectID()
	b.Normalize()
	s.books[b.ID] = *b
	return nil
}

func (s *memBooks) FindByID(_ context.Context, id string) (*models.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oid, _ := primitive.ObjectIDFromHex(id)
	b, ok := s.books[oid]
	if !ok {
		return nil, fmt.Errorf("%w: book %s", models.ErrNotFound, id)
	}
	b.Reviews = append([]models.Review{}, b.Reviews...)
	return &b, nil
}

func (s *memBooks) SaveReviews(_ context.Context, b *models.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.books[b.ID]
	if stored.Version != b.Version {
		return models.ErrVersionConflict
	}
	b.Version++
	s.books[b.ID] = *b
	return nil
}

func TestRoutes_ReviewFlow(t *testing.T) {
	c := &client{t: t, h: newTestApp(t, &memBooks{books: map[primitive.ObjectID]models.Book{}}, &memUsers{})}
	c.login("a@example.com", "Secret1")

	rr := c.do(http.MethodPost, "/books", `{"title":"Dune","author":"Frank Herbert"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var book models.Book
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &book))
	assert.Equal(t, 0.0, book.Rating)

	rr = c.do(http.MethodPost, "/books/"+book.ID.Hex()+"/review", `{"rating":4,"comment":"Pretty good read"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = c.do(http.MethodGet, "/books/"+book.ID.Hex(), "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &book))
	assert.Equal(t, 4.0, book.Rating)
	assert.Len(t, book.Reviews, 1)

	rr = c.do(http.MethodPost, "/books/"+book.ID.Hex()+"/review", `{"rating":2,"comment":"Second thoughts here"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = c.do(http.MethodGet, "/books/"+primitive.NewObjectID().Hex()+"/review", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = c.do(http.MethodPost, "/books/"+primitive.NewObjectID().Hex()+"/review", `{"rating":4,"comment":"Pretty good read"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
