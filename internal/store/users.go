package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/safar/go-bookstore/internal/models"
	"golang.org/x/crypto/bcrypt"
)

type RegisterUserRequest struct {
	Username   string
	Email      string
	Password   string
	BcryptCost int
}

const userColumns = `id, username, email, password_hash, roles, created_at, updated_at`

func scanUser(row interface{ Scan(...interface{}) error }, user *models.User) error {
	return row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		pq.Array(&user.Roles),
		&user.CreatedAt,
		&user.UpdatedAt,
	)
}

// RegisterUser creates a new account with the CUSTOMER role. Duplicate
// email and username are both checked and reported per field in one pass so
// the caller sees every conflicting field at once.
func RegisterUser(ctx context.Context, db *sql.DB, req RegisterUserRequest) (*models.User, error) {
	fields := make(map[string]string)

	var emailTaken, usernameTaken bool
	err := db.QueryRowContext(ctx,
		`SELECT
		   EXISTS(SELECT 1 FROM users WHERE email = $1),
		   EXISTS(SELECT 1 FROM users WHERE username = $2)`,
		req.Email, req.Username).Scan(&emailTaken, &usernameTaken)
	if err != nil {
		return nil, fmt.Errorf("check user exists: %w", err)
	}

	if emailTaken {
		fields["email"] = "email already exists"
	}
	if usernameTaken {
		fields["username"] = "username already exists"
	}
	if len(fields) > 0 {
		return nil, ErrUserAlreadyExists(fields)
	}

	cost := req.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &models.User{}
	query := `
		INSERT INTO users (username, email, password_hash, roles, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING ` + userColumns

	err = scanUser(db.QueryRowContext(ctx, query,
		req.Username, req.Email, string(hash), pq.Array([]string{RoleCustomer})), user)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return user, nil
}

func GetUserByEmail(ctx context.Context, db *sql.DB, email string) (*models.User, error) {
	user := &models.User{}

	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	err := scanUser(db.QueryRowContext(ctx, query, email), user)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound()
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}

	return user, nil
}

func ListUsers(ctx context.Context, db *sql.DB, params PageParams) (*OffsetPage, error) {
	params = params.Normalize([]string{"id", "username", "email", "created_at"}, "created_at")

	var total int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT `+userColumns+`
		FROM users
		ORDER BY %s %s
		LIMIT $1 OFFSET $2`, params.SortBy, params.direction())

	rows, err := db.QueryContext(ctx, query, params.Size, params.offset())
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := scanUser(rows, &user); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &OffsetPage{
		Items:      users,
		Total:      total,
		Page:       params.Page,
		PageSize:   params.Size,
		TotalPages: totalPages(total, params.Size),
	}, nil
}
