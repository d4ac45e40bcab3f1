package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"finassist/internal/models"
)

// CreateTransaction stores a categorized transaction for the user.
func (s *Service) CreateTransaction(ctx context.Context, tx models.Transaction) (*models.Transaction, error) {
	if tx.UserID <= 0 {
		return nil, errors.New("user_id is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (user_id, amount, type, source, description, ai_category, ai_confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.UserID, tx.Amount, tx.Type, tx.Source, tx.Description, tx.AICategory, tx.AIConfidence, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("transaction id: %w", err)
	}
	tx.ID = id
	tx.CreatedAt = now
	return &tx, nil
}

// ListTransactions returns a user's transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID int64, limit int) ([]models.Transaction, error) {
	query := `SELECT id, user_id, amount, type, source, description, ai_category, ai_confidence, created_at
	          FROM transactions WHERE user_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var transactions []models.Transaction
	for rows.Next() {
		var (
			t          models.Transaction
			category   sql.NullString
			confidence sql.NullFloat64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Type, &t.Source, &t.Description, &category, &confidence, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.AICategory = category.String
		t.AIConfidence = confidence.Float64
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

// SpendingSummary aggregates debit amounts per category for one user.
func (s *Service) SpendingSummary(ctx context.Context, userID int64) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ai_category, SUM(amount) FROM transactions
		 WHERE user_id = ? AND type = ? AND ai_category IS NOT NULL
		 GROUP BY ai_category`,
		userID, models.TransactionDebit,
	)
	if err != nil {
		return nil, fmt.Errorf("spending summary: %w", err)
	}
	defer rows.Close()

	summary := make(map[string]float64)
	for rows.Next() {
		var (
			category string
			total    float64
		)
		if err := rows.Scan(&category, &total); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		if category != "" {
			summary[category] = total
		}
	}
	return summary, rows.Err()
}

// CreateBudgetRule stores a budget rule with its first reset date computed
// from the period.
func (s *Service) CreateBudgetRule(ctx context.Context, userID int64, limitAmount float64, period models.BudgetPeriod) (*models.BudgetRule, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	now := time.Now().UTC()
	reset := NextResetDate(period, now)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_rules (user_id, limit_amount, period, next_reset_date, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, limitAmount, period, reset, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert budget rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("budget rule id: %w", err)
	}
	return &models.BudgetRule{
		ID:            id,
		UserID:        userID,
		LimitAmount:   limitAmount,
		Period:        period,
		NextResetDate: reset,
		CreatedAt:     now,
	}, nil
}

// GetUserBudgetRules lists all budget rules belonging to the user.
func (s *Service) GetUserBudgetRules(ctx context.Context, userID int64) ([]models.BudgetRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, limit_amount, period, next_reset_date, created_at FROM budget_rules WHERE user_id = ?`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list budget rules: %w", err)
	}
	defer rows.Close()

	var rules []models.BudgetRule
	for rows.Next() {
		var r models.BudgetRule
		if err := rows.Scan(&r.ID, &r.UserID, &r.LimitAmount, &r.Period, &r.NextResetDate, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan budget rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// NextResetDate returns the start of the next budget window: midnight
// tomorrow for daily, next Monday for weekly, the first of next month for
// monthly.
func NextResetDate(period models.BudgetPeriod, from time.Time) time.Time {
	midnight := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}
	switch period {
	case models.PeriodDaily:
		return midnight(from.AddDate(0, 0, 1))
	case models.PeriodWeekly:
		daysUntilMonday := (8 - int(from.Weekday())) % 7
		if daysUntilMonday == 0 {
			daysUntilMonday = 7
		}
		return midnight(from.AddDate(0, 0, daysUntilMonday))
	default:
		firstOfMonth := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, from.Location())
		return firstOfMonth.AddDate(0, 1, 0)
	}
}
