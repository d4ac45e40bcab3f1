package assistant

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"finassist/internal/models"
)

// RegisterUser creates a user with the supplied credentials.
func (s *Service) RegisterUser(ctx context.Context, username, email, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	password = strings.TrimSpace(password)
	if username == "" || email == "" || password == "" {
		return nil, errors.New("username, email, and password are required")
	}

	hash := hashPassword(password)
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, email, password_hash, currency, created_at) VALUES (?, ?, ?, 'USD', ?)`,
		username, email, hash, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &models.User{ID: id, Username: username, Email: email, PasswordHash: hash, Currency: "USD", CreatedAt: now}, nil
}

// Login validates credentials and returns the user profile.
func (s *Service) Login(ctx context.Context, email, password string) (*models.User, error) {
	email = strings.TrimSpace(email)
	password = strings.TrimSpace(password)
	if email == "" || password == "" {
		return nil, errors.New("email and password are required")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, currency, monthly_income, savings_goal, created_at FROM users WHERE email = ?`, email,
	)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("invalid credentials")
		}
		return nil, fmt.Errorf("query user: %w", err)
	}

	if user.PasswordHash != hashPassword(password) {
		return nil, errors.New("invalid credentials")
	}
	return user, nil
}

// GetUserByID fetches one user profile.
func (s *Service) GetUserByID(ctx context.Context, userID int64) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, currency, monthly_income, savings_goal, created_at FROM users WHERE id = ?`, userID,
	)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// UpdateUserProfile overwrites the provided profile fields, leaving nil ones
// untouched.
func (s *Service) UpdateUserProfile(ctx context.Context, userID int64, monthlyIncome, savingsGoal *float64, currency string) (*models.User, error) {
	sets := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if monthlyIncome != nil {
		sets = append(sets, "monthly_income = ?")
		args = append(args, *monthlyIncome)
	}
	if savingsGoal != nil {
		sets = append(sets, "savings_goal = ?")
		args = append(args, *savingsGoal)
	}
	if currency = strings.TrimSpace(currency); currency != "" {
		sets = append(sets, "currency = ?")
		args = append(args, strings.ToUpper(currency))
	}
	if len(sets) > 0 {
		args = append(args, userID)
		res, err := s.db.ExecContext(ctx,
			`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return nil, fmt.Errorf("update profile: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return nil, sql.ErrNoRows
		}
	}
	return s.GetUserByID(ctx, userID)
}

func scanUser(row *sql.Row) (*models.User, error) {
	var (
		user   models.User
		income sql.NullFloat64
		goal   sql.NullFloat64
	)
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.Currency, &income, &goal, &user.CreatedAt); err != nil {
		return nil, err
	}
	if income.Valid {
		v := income.Float64
		user.MonthlyIncome = &v
	}
	if goal.Valid {
		v := goal.Float64
		user.SavingsGoal = &v
	}
	return &user, nil
}

func hashPassword(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
