package models

import "time"

// User is an account that owns conversations, transactions, and budgets.
type User struct {
	ID            int64     `json:"id"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	PasswordHash  string    `json:"-"`
	Currency      string    `json:"currency"`
	MonthlyIncome *float64  `json:"monthly_income,omitempty"`
	SavingsGoal   *float64  `json:"savings_goal,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
