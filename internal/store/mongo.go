package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/ayush/bookshelf/internal/models"
)

// MongoStore handles book CRUD, search and review persistence in MongoDB.
// Reviews are embedded in their book document.
type MongoStore struct {
	col *mongo.Collection
	now func() time.Time
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{col: db.Collection("books"), now: time.Now}
}

// EnsureIndexes creates the text index used by search and the sort indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "title", Value: "text"}, {Key: "author", Value: "text"}, {Key: "category", Value: "text"}},
			Options: options.Index().SetName("books_text"),
		},
		{Keys: bson.D{{Key: "publishedDate", Value: 1}}},
		{Keys: bson.D{{Key: "rating", Value: -1}}},
		{Keys: bson.D{{Key: "category", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo books indexes: %w", err)
	}
	return nil
}

// objectID parses a hex id. Malformed ids can never match, so they are
// reported as not found.
func objectID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: book %s", models.ErrNotFound, id)
	}
	return oid, nil
}

func notFound(err error, id string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: book %s", models.ErrNotFound, id)
	}
	return err
}

func (s *MongoStore) Insert(ctx context.Context, book *models.Book) error {
	now := s.now().UTC()
	book.ID = primitive.NewObjectID()
	book.Rating = models.AverageRating(book.Reviews)
	book.Version = 0
	book.CreatedAt = now
	book.UpdatedAt = now
	book.Normalize()

	if _, err := s.col.InsertOne(ctx, book); err != nil {
		return fmt.Errorf("mongo insert: %w", err)
	}
	return nil
}

func (s *MongoStore) FindAll(ctx context.Context) ([]models.Book, error) {
	cur, err := s.col.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("mongo find all: %w", err)
	}
	return decodeBooks(ctx, cur)
}

func (s *MongoStore) FindByID(ctx context.Context, id string) (*models.Book, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}
	var book models.Book
	if err := s.col.FindOne(ctx, bson.M{"_id": oid}).Decode(&book); err != nil {
		return nil, notFound(err, id)
	}
	book.Normalize()
	return &book, nil
}

// Update applies the non-nil fields of patch and returns the stored result.
func (s *MongoStore) Update(ctx context.Context, id string, patch models.UpdateBookRequest) (*models.Book, error) {
	if patch.Empty() {
		return s.FindByID(ctx, id)
	}
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var book models.Book
	err = s.col.FindOneAndUpdate(ctx, bson.M{"_id": oid}, bson.M{"$set": patchSet(patch, s.now().UTC())}, opts).Decode(&book)
	if err != nil {
		return nil, notFound(err, id)
	}
	book.Normalize()
	return &book, nil
}

func patchSet(patch models.UpdateBookRequest, now time.Time) bson.M {
	set := bson.M{"updatedAt": now}
	if patch.Title != nil {
		set["title"] = *patch.Title
	}
	if patch.Author != nil {
		set["author"] = *patch.Author
	}
	if patch.PublishedDate != nil {
		set["publishedDate"] = patch.PublishedDate.Time
	}
	if patch.Category != nil {
		set["category"] = *patch.Category
	}
	return set
}

// Delete removes the book and returns what was stored.
func (s *MongoStore) Delete(ctx context.Context, id string) (*models.Book, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}
	var book models.Book
	if err := s.col.FindOneAndDelete(ctx, bson.M{"_id": oid}).Decode(&book); err != nil {
		return nil, notFound(err, id)
	}
	book.Normalize()
	return &book, nil
}

// SaveReviews persists book.Reviews and book.Rating only if the stored
// version still equals book.Version, then bumps the version. A concurrent
// writer makes it fail with models.ErrVersionConflict.
func (s *MongoStore) SaveReviews(ctx context.Context, book *models.Book) error {
	now := s.now().UTC()
	res, err := s.col.UpdateOne(ctx,
		bson.M{"_id": book.ID, "version": versionMatch(book.Version)},
		bson.M{
			"$set": bson.M{"reviews": book.Reviews, "rating": book.Rating, "updatedAt": now},
			"$inc": bson.M{"version": 1},
		},
	)
	if err != nil {
		return fmt.Errorf("mongo save reviews: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("book %s at version %d: %w", book.ID.Hex(), book.Version, models.ErrVersionConflict)
	}
	book.Version++
	book.UpdatedAt = now
	return nil
}

// versionMatch treats documents written without a version field as version 0.
func versionMatch(v int64) any {
	if v == 0 {
		return bson.M{"$in": bson.A{0, nil}}
	}
	return v
}

// SetCover records the object key of the book's cover image.
func (s *MongoStore) SetCover(ctx context.Context, id, key string) (*models.Book, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var book models.Book
	err = s.col.FindOneAndUpdate(ctx, bson.M{"_id": oid},
		bson.M{"$set": bson.M{"coverKey": key, "updatedAt": s.now().UTC()}}, opts).Decode(&book)
	if err != nil {
		return nil, notFound(err, id)
	}
	book.Normalize()
	return &book, nil
}

// Search returns one page of matches and the total match count.
func (s *MongoStore) Search(ctx context.Context, p models.SearchParams) ([]models.Book, int64, error) {
	filter := searchFilter(p)
	opts := options.Find().
		SetSort(searchSort(p)).
		SetSkip(p.Skip()).
		SetLimit(int64(p.Limit))

	var (
		books []models.Book
		total int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cur, err := s.col.Find(gctx, filter, opts)
		if err != nil {
			return fmt.Errorf("mongo search: %w", err)
		}
		books, err = decodeBooks(gctx, cur)
		return err
	})
	g.Go(func() error {
		n, err := s.col.CountDocuments(gctx, filter)
		if err != nil {
			return fmt.Errorf("mongo count: %w", err)
		}
		total = n
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return books, total, nil
}

// TopRated returns up to limit books ordered by rating, highest first.
func (s *MongoStore) TopRated(ctx context.Context, limit int) ([]models.Book, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "rating", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
	cur, err := s.col.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo top rated: %w", err)
	}
	return decodeBooks(ctx, cur)
}

// searchFilter builds the match stage: a case-insensitive substring match
// on one field when searchField is set, otherwise a $text search, and no
// filter at all without a search term.
func searchFilter(p models.SearchParams) bson.M {
	term := strings.TrimSpace(p.SearchTerm)
	if term == "" {
		return bson.M{}
	}
	switch p.SearchField {
	case "title", "author", "category":
		return bson.M{p.SearchField: primitive.Regex{Pattern: regexp.QuoteMeta(term), Options: "i"}}
	}
	return bson.M{"$text": bson.M{"$search": term}}
}

// searchSort orders by the requested key and breaks ties on _id so that
// consecutive pages never overlap.
func searchSort(p models.SearchParams) bson.D {
	dir := -1
	if p.SortOrder == models.SortAsc {
		dir = 1
	}
	key := models.SortByPublishedDate
	if p.SortBy == models.SortByRating {
		key = models.SortByRating
	}
	return bson.D{{Key: key, Value: dir}, {Key: "_id", Value: dir}}
}

func decodeBooks(ctx context.Context, cur *mongo.Cursor) ([]models.Book, error) {
	defer cur.Close(ctx)

	books := []models.Book{}
	if err := cur.All(ctx, &books); err != nil {
		return nil, fmt.Errorf("mongo decode books: %w", err)
	}
	for i := range books {
		books[i].Normalize()
	}
	return books, nil
}

// MongoUserStore keeps user accounts in MongoDB.
type MongoUserStore struct {
	col *mongo.Collection
	now func() time.Time
}

func NewMongoUserStore(db *mongo.Database) *MongoUserStore {
	return &MongoUserStore{col: db.Collection("users"), now: time.Now}
}

type userDoc struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	Email        string             `bson:"email"`
	PasswordHash string             `bson:"password"`
	Name         string             `bson:"name,omitempty"`
	CreatedAt    time.Time          `bson:"createdAt"`
}

func (d userDoc) user() *models.User {
	return &models.User{
		ID:           d.ID.Hex(),
		Email:        d.Email,
		Name:         d.Name,
		PasswordHash: d.PasswordHash,
		CreatedAt:    d.CreatedAt,
	}
}

// EnsureIndexes creates the unique email index.
func (s *MongoUserStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("users_email_unique"),
	})
	if err != nil {
		return fmt.Errorf("mongo users indexes: %w", err)
	}
	return nil
}

func (s *MongoUserStore) CreateUser(ctx context.Context, email, passwordHash, name string) (*models.User, error) {
	doc := userDoc{
		ID:           primitive.NewObjectID(),
		Email:        email,
		PasswordHash: passwordHash,
		Name:         name,
		CreatedAt:    s.now().UTC(),
	}
	if _, err := s.col.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: email %s", models.ErrConflict, email)
		}
		return nil, fmt.Errorf("mongo create user: %w", err)
	}
	return doc.user(), nil
}

func (s *MongoUserStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.findOne(ctx, bson.M{"email": email}, email)
}

func (s *MongoUserStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%w: user %s", models.ErrNotFound, id)
	}
	return s.findOne(ctx, bson.M{"_id": oid}, id)
}

func (s *MongoUserStore) findOne(ctx context.Context, filter bson.M, ref string) (*models.User, error) {
	var doc userDoc
	if err := s.col.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: user %s", models.ErrNotFound, ref)
		}
		return nil, fmt.Errorf("mongo find user: %w", err)
	}
	return doc.user(), nil
}
