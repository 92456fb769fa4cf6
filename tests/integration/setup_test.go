package integration

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/safar/go-bookstore/internal/models"
	"github.com/safar/go-bookstore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:14-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}

	if err := runMigrations(db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Logf("Failed to close database: %v", err)
		}
		if err := postgres.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return db, cleanup
}

func runMigrations(db *sql.DB) error {
	migrationDir := "../../migrations"
	files, err := os.ReadDir(migrationDir)
	if err != nil {
		return fmt.Errorf("read migration directory: %w", err)
	}

	var migrationFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".up.sql") {
			migrationFiles = append(migrationFiles, file.Name())
		}
	}

	sort.Strings(migrationFiles)

	for _, filename := range migrationFiles {
		filePath := filepath.Join(migrationDir, filename)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", filename, err)
		}

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", filename, err)
		}
	}

	return nil
}

func registerTestUser(t *testing.T, db *sql.DB, username, email string) *models.User {
	t.Helper()
	user, err := store.RegisterUser(context.Background(), db, store.RegisterUserRequest{
		Username: username,
		Email:    email,
		Password: "s3cret-password",
	})
	if err != nil {
		t.Fatalf("Register user %s: %v", email, err)
	}
	return user
}

func createTestAuthor(t *testing.T, db *sql.DB, name string) *models.Author {
	t.Helper()
	author, err := store.CreateAuthor(context.Background(), db, name)
	if err != nil {
		t.Fatalf("Create author %s: %v", name, err)
	}
	return author
}

func createTestBook(t *testing.T, db *sql.DB, title, isbn string, price decimal.Decimal, quantity int, authorIDs ...int64) *models.Book {
	t.Helper()
	book, err := store.CreateBook(context.Background(), db, store.CreateBookRequest{
		Title:     title,
		ISBN:      isbn,
		Price:     price,
		Quantity:  quantity,
		AuthorIDs: authorIDs,
	})
	if err != nil {
		t.Fatalf("Create book %s: %v", title, err)
	}
	return book
}

func customerActor(email string) store.Actor {
	return store.Actor{Email: email, Roles: []string{store.RoleCustomer}}
}

func adminActor(email string) store.Actor {
	return store.Actor{Email: email, Roles: []string{store.RoleAdmin}}
}
