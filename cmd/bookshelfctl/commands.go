package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/term"

	"github.com/ayush/bookshelf/internal/auth"
	"github.com/ayush/bookshelf/internal/catalog"
	"github.com/ayush/bookshelf/internal/config"
	"github.com/ayush/bookshelf/internal/models"
	"github.com/ayush/bookshelf/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newIndexesCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "indexes",
		Short: "Create the MongoDB indexes for books and users",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMongo(cmd.Context(), cfg, func(db *mongo.Database) error {
				if err := store.NewMongoStore(db).EnsureIndexes(cmd.Context()); err != nil {
					return err
				}
				if err := store.NewMongoUserStore(db).EnsureIndexes(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "indexes are in place")
				return nil
			})
		},
	}
}

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL users table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPostgres(cmd.Context(), cfg, func(s *store.PostgresStore) error {
				if err := s.Migrate(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "users table is in place")
				return nil
			})
		},
	}
}

func newSeedCmd(cfg *config.Config) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import books from a JSON array file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			books, err := readSeedFile(f)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}

			return withMongo(cmd.Context(), cfg, func(db *mongo.Database) error {
				svc := catalog.NewService(store.NewMongoStore(db), nil)
				out := cmd.OutOrStdout()

				var imported, failed int
				for _, req := range books {
					fmt.Fprintf(out, "Importing: %s by %s... ", req.Title, req.Author)
					book, err := svc.Create(cmd.Context(), req)
					if err != nil {
						fmt.Fprintf(out, "ERROR - %v\n", err)
						failed++
						continue
					}
					fmt.Fprintf(out, "OK (%s)\n", book.ID.Hex())
					imported++
				}
				fmt.Fprintf(out, "\nImported: %d, errors: %d\n", imported, failed)
				if failed > 0 {
					return fmt.Errorf("%d books could not be imported", failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file holding an array of books")
	cmd.MarkFlagRequired("file")
	return cmd
}

// readSeedFile decodes a JSON array of books in the POST /books shape.
func readSeedFile(r io.Reader) ([]models.CreateBookRequest, error) {
	var books []models.CreateBookRequest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&books); err != nil {
		return nil, fmt.Errorf("decode books: %w", err)
	}
	if len(books) == 0 {
		return nil, errors.New("no books in file")
	}
	return books, nil
}

func newUserCmd(cfg *config.Config) *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}

	var email, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a user, prompting for the password",
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := readPassword(cmd.OutOrStdout(), "Password: ")
			if err != nil {
				return err
			}
			confirm, err := readPassword(cmd.OutOrStdout(), "Repeat password: ")
			if err != nil {
				return err
			}
			if password != confirm {
				return errors.New("passwords do not match")
			}

			return withUsers(cmd.Context(), cfg, func(users auth.UserStore) error {
				u, err := auth.NewService(users, nil).Register(cmd.Context(), models.RegisterRequest{
					Email:    email,
					Password: password,
					Name:     name,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created user %s (%s)\n", u.Email, u.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&email, "email", "", "email address")
	create.Flags().StringVar(&name, "name", "", "display name")
	create.MarkFlagRequired("email")

	user.AddCommand(create)
	return user
}

// readTerminal reads a line from stdin with echo disabled.
var readTerminal = func() ([]byte, error) {
	return term.ReadPassword(int(syscall.Stdin))
}

// readPassword reads a password from the terminal without echoing it.
// Only a trailing line ending is stripped; spaces are part of the password
// and login compares it verbatim.
func readPassword(out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	b, err := readTerminal()
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

func newTopCmd(cfg *config.Config) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Print the highest rated books",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMongo(cmd.Context(), cfg, func(db *mongo.Database) error {
				books, err := catalog.NewService(store.NewMongoStore(db), nil).TopRated(cmd.Context(), limit)
				if err != nil {
					return err
				}
				printBooks(cmd.OutOrStdout(), books)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", models.DefaultTopRated, "number of books")
	return cmd
}

func printBooks(out io.Writer, books []models.Book) {
	fmt.Fprintf(out, "%-24s %-6s %-40s %-25s\n", "ID", "Rating", "Title", "Author")
	fmt.Fprintln(out, strings.Repeat("-", 98))
	for _, b := range books {
		fmt.Fprintf(out, "%-24s %-6.2f %-40s %-25s\n", b.ID.Hex(), b.Rating, truncate(b.Title, 40), truncate(b.Author, 25))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
