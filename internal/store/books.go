package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/safar/go-bookstore/internal/database"
	"github.com/safar/go-bookstore/internal/models"
	"github.com/shopspring/decimal"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type CreateBookRequest struct {
	Title       string
	Genre       string
	ISBN        string
	Description string
	ImageURL    string
	Price       decimal.Decimal
	Quantity    int
	AuthorIDs   []int64
}

type PatchBookRequest struct {
	Title       *string
	Genre       *string
	Description *string
	ImageURL    *string
	Price       *decimal.Decimal
	Quantity    *int
	AuthorIDs   []int64
}

const bookColumns = `id, title, genre, isbn, description, price, quantity, image_url, created_at, updated_at, version`

func scanBook(row interface{ Scan(...interface{}) error }, book *models.Book) error {
	return row.Scan(
		&book.ID,
		&book.Title,
		&book.Genre,
		&book.ISBN,
		&book.Description,
		&book.Price,
		&book.Quantity,
		&book.ImageURL,
		&book.CreatedAt,
		&book.UpdatedAt,
		&book.Version,
	)
}

// CreateBook enforces two duplicate policies: isbn must be unique, and no
// other book may carry the same title with the same author set.
func CreateBook(ctx context.Context, db *sql.DB, req CreateBookRequest) (*models.Book, error) {
	book := &models.Book{}

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM books WHERE isbn = $1)`,
			req.ISBN).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check isbn: %w", err)
		}
		if exists {
			return ErrBookAlreadyExists("a book with the same ISBN already exists")
		}

		dup, err := titleAuthorSetExists(ctx, tx, req.Title, req.AuthorIDs, 0)
		if err != nil {
			return err
		}
		if dup {
			return ErrBookAlreadyExists("a book with the same title and authors already exists")
		}

		authors, err := fetchAuthorsByIDs(ctx, tx, req.AuthorIDs)
		if err != nil {
			return err
		}
		if len(authors) != len(uniqueIDs(req.AuthorIDs)) {
			return ErrAuthorNotFound()
		}

		query := `
			INSERT INTO books (title, genre, isbn, description, price, quantity, image_url, created_at, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW(), 1)
			RETURNING ` + bookColumns

		err = scanBook(tx.QueryRowContext(ctx, query,
			req.Title, req.Genre, req.ISBN, req.Description, req.Price, req.Quantity, req.ImageURL), book)
		if err != nil {
			if database.IsUniqueViolation(err, "") {
				return ErrBookAlreadyExists("a book with the same ISBN already exists")
			}
			return fmt.Errorf("create book: %w", err)
		}

		if err := replaceBookAuthors(ctx, tx, book.ID, req.AuthorIDs); err != nil {
			return err
		}

		book.Authors = authors
		return nil
	})
	if err != nil {
		return nil, err
	}

	return book, nil
}

func GetBook(ctx context.Context, db *sql.DB, id int64) (*models.Book, error) {
	book := &models.Book{}

	query := `SELECT ` + bookColumns + ` FROM books WHERE id = $1`
	err := scanBook(db.QueryRowContext(ctx, query, id), book)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrBookNotFound(id)
		}
		return nil, fmt.Errorf("get book: %w", err)
	}

	authorsByBook, err := loadAuthorsForBooks(ctx, db, []int64{id})
	if err != nil {
		return nil, err
	}
	book.Authors = authorsByBook[id]

	return book, nil
}

func ListBooks(ctx context.Context, db *sql.DB, params PageParams) (*OffsetPage, error) {
	params = params.Normalize([]string{"id", "title", "price", "created_at"}, "created_at")

	var total int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM books`).Scan(&total); err != nil {
		return nil, fmt.Errorf("count books: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT `+bookColumns+`
		FROM books
		ORDER BY %s %s
		LIMIT $1 OFFSET $2`, params.SortBy, params.direction())

	rows, err := db.QueryContext(ctx, query, params.Size, params.offset())
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	books, err := collectBooks(ctx, db, rows)
	if err != nil {
		return nil, err
	}

	return &OffsetPage{
		Items:      books,
		Total:      total,
		Page:       params.Page,
		PageSize:   params.Size,
		TotalPages: totalPages(total, params.Size),
	}, nil
}

// SearchBooks filters by case-insensitive title substring, author-name
// substring and exact genre. Empty filters match everything.
func SearchBooks(ctx context.Context, db *sql.DB, title, author, genre string, params PageParams) (*OffsetPage, error) {
	params = params.Normalize([]string{"id", "title", "price", "created_at"}, "created_at")

	where := `
		WHERE ($1 = '' OR b.title ILIKE '%' || $1 || '%')
		  AND ($2 = '' OR EXISTS (
		      SELECT 1 FROM book_authors ba
		      JOIN authors a ON a.id = ba.author_id
		      WHERE ba.book_id = b.id AND a.name ILIKE '%' || $2 || '%'))
		  AND ($3 = '' OR LOWER(b.genre) = LOWER($3))`

	var total int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM books b`+where, title, author, genre).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count books: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT b.id, b.title, b.genre, b.isbn, b.description, b.price, b.quantity, b.image_url, b.created_at, b.updated_at, b.version
		FROM books b`+where+`
		ORDER BY b.%s %s
		LIMIT $4 OFFSET $5`, params.SortBy, params.direction())

	rows, err := db.QueryContext(ctx, query, title, author, genre, params.Size, params.offset())
	if err != nil {
		return nil, fmt.Errorf("search books: %w", err)
	}
	defer rows.Close()

	books, err := collectBooks(ctx, db, rows)
	if err != nil {
		return nil, err
	}

	return &OffsetPage{
		Items:      books,
		Total:      total,
		Page:       params.Page,
		PageSize:   params.Size,
		TotalPages: totalPages(total, params.Size),
	}, nil
}

// UpdateBook replaces every mutable field. The isbn is immutable once set;
// a request carrying a different isbn is rejected outright.
func UpdateBook(ctx context.Context, db *sql.DB, id int64, req CreateBookRequest) (*models.Book, error) {
	book := &models.Book{}

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var currentISBN string
		err := tx.QueryRowContext(ctx, `SELECT isbn FROM books WHERE id = $1 FOR UPDATE`, id).Scan(&currentISBN)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrBookNotFound(id)
			}
			return fmt.Errorf("lock book: %w", err)
		}

		if currentISBN != req.ISBN {
			return ErrImmutableField("ISBN")
		}

		dup, err := titleAuthorSetExists(ctx, tx, req.Title, req.AuthorIDs, id)
		if err != nil {
			return err
		}
		if dup {
			return ErrBookAlreadyExists("a book with the same title and authors already exists")
		}

		authors, err := fetchAuthorsByIDs(ctx, tx, req.AuthorIDs)
		if err != nil {
			return err
		}
		if len(authors) != len(uniqueIDs(req.AuthorIDs)) {
			return ErrAuthorNotFound()
		}

		query := `
			UPDATE books
			SET title = $1, genre = $2, description = $3, price = $4, quantity = $5,
			    image_url = $6, updated_at = NOW(), version = version + 1
			WHERE id = $7
			RETURNING ` + bookColumns

		err = scanBook(tx.QueryRowContext(ctx, query,
			req.Title, req.Genre, req.Description, req.Price, req.Quantity, req.ImageURL, id), book)
		if err != nil {
			return fmt.Errorf("update book: %w", err)
		}

		if err := replaceBookAuthors(ctx, tx, id, req.AuthorIDs); err != nil {
			return err
		}

		book.Authors = authors
		return nil
	})
	if err != nil {
		return nil, err
	}

	return book, nil
}

// PatchBook updates only the fields present in the request. The isbn is not
// patchable at all.
func PatchBook(ctx context.Context, db *sql.DB, id int64, req PatchBookRequest) (*models.Book, error) {
	book := &models.Book{}

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		err := scanBook(tx.QueryRowContext(ctx,
			`SELECT `+bookColumns+` FROM books WHERE id = $1 FOR UPDATE`, id), book)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrBookNotFound(id)
			}
			return fmt.Errorf("lock book: %w", err)
		}

		if req.Title != nil {
			book.Title = *req.Title
		}
		if req.Genre != nil {
			book.Genre = *req.Genre
		}
		if req.Description != nil {
			book.Description = *req.Description
		}
		if req.ImageURL != nil {
			book.ImageURL = *req.ImageURL
		}
		if req.Price != nil {
			book.Price = *req.Price
		}
		if req.Quantity != nil {
			book.Quantity = *req.Quantity
		}

		if len(req.AuthorIDs) > 0 {
			authors, err := fetchAuthorsByIDs(ctx, tx, req.AuthorIDs)
			if err != nil {
				return err
			}
			if len(authors) != len(uniqueIDs(req.AuthorIDs)) {
				return ErrAuthorNotFound()
			}
			if err := replaceBookAuthors(ctx, tx, id, req.AuthorIDs); err != nil {
				return err
			}
			book.Authors = authors
		}

		query := `
			UPDATE books
			SET title = $1, genre = $2, description = $3, price = $4, quantity = $5,
			    image_url = $6, updated_at = NOW(), version = version + 1
			WHERE id = $7
			RETURNING updated_at, version`

		err = tx.QueryRowContext(ctx, query,
			book.Title, book.Genre, book.Description, book.Price, book.Quantity, book.ImageURL, id).
			Scan(&book.UpdatedAt, &book.Version)
		if err != nil {
			return fmt.Errorf("patch book: %w", err)
		}

		if book.Authors == nil {
			authorsByBook, err := loadAuthorsForBooks(ctx, tx, []int64{id})
			if err != nil {
				return err
			}
			book.Authors = authorsByBook[id]
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return book, nil
}

func DeleteBook(ctx context.Context, db *sql.DB, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM books WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete book: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrBookNotFound(id)
	}

	return nil
}

// lockBooksByIDs bulk-fetches and row-locks every requested book in one
// query. ORDER BY id keeps the lock acquisition order deterministic across
// concurrent placements, which avoids lock-order deadlocks.
func lockBooksByIDs(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]*models.Book, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+bookColumns+`
		 FROM books
		 WHERE id = ANY($1)
		 ORDER BY id
		 FOR UPDATE`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("lock books: %w", err)
	}
	defer rows.Close()

	books := make(map[int64]*models.Book)
	for rows.Next() {
		book := &models.Book{}
		if err := scanBook(rows, book); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		books[book.ID] = book
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return books, nil
}

// decrementStock relies on the quantity guard in the WHERE clause as the
// last line of defense against overselling, on top of the row lock taken by
// lockBooksByIDs.
func decrementStock(ctx context.Context, tx *sql.Tx, bookID int64, title string, quantity int) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE books
		 SET quantity = quantity - $1,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $2
		   AND quantity >= $1`,
		quantity, bookID)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrOutOfStock(title)
	}

	return nil
}

func restoreStock(ctx context.Context, tx *sql.Tx, bookID int64, quantity int) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE books
		 SET quantity = quantity + $1,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $2`,
		quantity, bookID)
	if err != nil {
		return fmt.Errorf("restore stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrBookNotFound(bookID)
	}

	return nil
}

// titleAuthorSetExists reports whether another book (excluding excludeID)
// carries the same title with exactly the same author set.
func titleAuthorSetExists(ctx context.Context, q dbtx, title string, authorIDs []int64, excludeID int64) (bool, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id FROM books WHERE title = $1 AND id <> $2`, title, excludeID)
	if err != nil {
		return false, fmt.Errorf("find books by title: %w", err)
	}
	defer rows.Close()

	var bookIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return false, fmt.Errorf("scan book id: %w", err)
		}
		bookIDs = append(bookIDs, id)
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("rows error: %w", err)
	}

	if len(bookIDs) == 0 {
		return false, nil
	}

	authorsByBook, err := loadAuthorsForBooks(ctx, q, bookIDs)
	if err != nil {
		return false, err
	}

	want := make(map[int64]bool, len(authorIDs))
	for _, id := range authorIDs {
		want[id] = true
	}

	for _, authors := range authorsByBook {
		if len(authors) != len(want) {
			continue
		}
		match := true
		for _, a := range authors {
			if !want[a.ID] {
				match = false
				break
			}
		}
		if match {
			return true, nil
		}
	}

	return false, nil
}

// loadAuthorsForBooks batches author loading for a set of books into one
// query instead of one query per book.
func loadAuthorsForBooks(ctx context.Context, q dbtx, bookIDs []int64) (map[int64][]models.Author, error) {
	if len(bookIDs) == 0 {
		return map[int64][]models.Author{}, nil
	}

	rows, err := q.QueryContext(ctx,
		`SELECT ba.book_id, a.id, a.name
		 FROM book_authors ba
		 JOIN authors a ON a.id = ba.author_id
		 WHERE ba.book_id = ANY($1)
		 ORDER BY a.name`,
		pq.Array(bookIDs))
	if err != nil {
		return nil, fmt.Errorf("load book authors: %w", err)
	}
	defer rows.Close()

	result := make(map[int64][]models.Author)
	for rows.Next() {
		var bookID int64
		var author models.Author
		if err := rows.Scan(&bookID, &author.ID, &author.Name); err != nil {
			return nil, fmt.Errorf("scan author: %w", err)
		}
		result[bookID] = append(result[bookID], author)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return result, nil
}

func fetchAuthorsByIDs(ctx context.Context, q dbtx, ids []int64) ([]models.Author, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := q.QueryContext(ctx,
		`SELECT id, name FROM authors WHERE id = ANY($1) ORDER BY name`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("fetch authors: %w", err)
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

func replaceBookAuthors(ctx context.Context, tx *sql.Tx, bookID int64, authorIDs []int64) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM book_authors WHERE book_id = $1`, bookID); err != nil {
		return fmt.Errorf("clear book authors: %w", err)
	}

	for _, authorID := range uniqueIDs(authorIDs) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO book_authors (book_id, author_id) VALUES ($1, $2)`,
			bookID, authorID); err != nil {
			return fmt.Errorf("link author %d: %w", authorID, err)
		}
	}

	return nil
}

func collectBooks(ctx context.Context, q dbtx, rows *sql.Rows) ([]models.Book, error) {
	var books []models.Book
	var ids []int64
	for rows.Next() {
		var book models.Book
		if err := scanBook(rows, &book); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, book)
		ids = append(ids, book.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	authorsByBook, err := loadAuthorsForBooks(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i := range books {
		books[i].Authors = authorsByBook[books[i].ID]
	}

	return books, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	var out []int64
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
