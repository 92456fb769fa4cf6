package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/go-bookstore/internal/database"
	"github.com/safar/go-bookstore/internal/models"
)

// CreateAuthor inserts a new author. Names are unique case-insensitively.
func CreateAuthor(ctx context.Context, db *sql.DB, name string) (*models.Author, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM authors WHERE LOWER(name) = LOWER($1))`,
		name).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check author: %w", err)
	}
	if exists {
		return nil, ErrAuthorAlreadyExists()
	}

	author := &models.Author{}
	err = db.QueryRowContext(ctx,
		`INSERT INTO authors (name) VALUES ($1) RETURNING id, name`,
		name).Scan(&author.ID, &author.Name)
	if err != nil {
		if database.IsUniqueViolation(err, "") {
			return nil, ErrAuthorAlreadyExists()
		}
		return nil, fmt.Errorf("create author: %w", err)
	}

	return author, nil
}

func ListAuthors(ctx context.Context, db *sql.DB) ([]models.Author, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, name FROM authors ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list authors: %w", err)
	}
	defer rows.Close()

	var authors []models.Author
	for rows.Next() {
		var author models.Author
		if err := rows.Scan(&author.ID, &author.Name); err != nil {
			return nil, fmt.Errorf("scan author: %w", err)
		}
		authors = append(authors, author)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return authors, nil
}
