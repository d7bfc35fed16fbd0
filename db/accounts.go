package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/ternmail/tern/pkg/metrics"
)

type Account struct {
	ID           int64
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// uniqueViolation reports whether err is a PostgreSQL unique constraint violation.
func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateAccount creates an account with a bcrypt-hashed password. The email
// is stored lowercased so lookups are case-insensitive.
func (db *Database) CreateAccount(ctx context.Context, email, password string) (*Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	var account Account
	err = db.GetWritePool().QueryRow(ctx, `
		INSERT INTO accounts (email, password_hash)
		VALUES ($1, $2)
		RETURNING id, email, password_hash, created_at
	`, email, string(hash)).Scan(&account.ID, &account.Email, &account.PasswordHash, &account.CreatedAt)
	if err != nil {
		if uniqueViolation(err) {
			return nil, ErrDuplicateAccount
		}
		return nil, err
	}

	return &account, nil
}

// GetAccountByEmail looks up an account by its lowercased email.
func (db *Database) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var account Account
	err := db.TimedQueryRow(ctx, "get_account_by_email",
		"SELECT id, email, password_hash, created_at FROM accounts WHERE email = $1",
		email).Scan(&account.ID, &account.Email, &account.PasswordHash, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	return &account, nil
}

// GetAccountByID looks up an account by its primary key.
func (db *Database) GetAccountByID(ctx context.Context, accountID int64) (*Account, error) {
	var account Account
	err := db.TimedQueryRow(ctx, "get_account_by_id",
		"SELECT id, email, password_hash, created_at FROM accounts WHERE id = $1",
		accountID).Scan(&account.ID, &account.Email, &account.PasswordHash, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	return &account, nil
}

// Authenticate verifies credentials and returns the account on success.
// Unknown accounts and wrong passwords both return ErrInvalidCredentials so
// responses do not leak which accounts exist.
func (db *Database) Authenticate(ctx context.Context, email, password string) (*Account, error) {
	account, err := db.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			metrics.AuthenticationAttempts.WithLabelValues("failure").Inc()
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		metrics.AuthenticationAttempts.WithLabelValues("failure").Inc()
		return nil, ErrInvalidCredentials
	}

	metrics.AuthenticationAttempts.WithLabelValues("success").Inc()
	return account, nil
}

// UpdatePassword replaces the password hash for an account.
func (db *Database) UpdatePassword(ctx context.Context, accountID int64, newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	tag, err := db.GetWritePool().Exec(ctx,
		"UPDATE accounts SET password_hash = $1 WHERE id = $2", string(hash), accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// DeleteAccount removes an account and, via cascading constraints, all of
// its messages, rules and analyses.
func (db *Database) DeleteAccount(ctx context.Context, accountID int64) error {
	tag, err := db.GetWritePool().Exec(ctx, "DELETE FROM accounts WHERE id = $1", accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// CountAccounts returns the total number of accounts.
func (db *Database) CountAccounts(ctx context.Context) (int64, error) {
	var count int64
	err := db.TimedQueryRow(ctx, "count_accounts", "SELECT count(*) FROM accounts").Scan(&count)
	return count, err
}
