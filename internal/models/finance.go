package models

import "time"

type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
)

type TransactionSource string

const (
	SourceManual    TransactionSource = "manual"
	SourceCSVUpload TransactionSource = "csv_upload"
	SourceBankAPI   TransactionSource = "bank_api"
)

// Transaction is one spending or income record, categorized by the agent.
type Transaction struct {
	ID           int64             `json:"id"`
	UserID       int64             `json:"user_id"`
	Amount       float64           `json:"amount"`
	Type         TransactionType   `json:"type"`
	Source       TransactionSource `json:"source"`
	Description  string            `json:"description"`
	AICategory   string            `json:"ai_category,omitempty"`
	AIConfidence float64           `json:"ai_confidence,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "daily"
	PeriodWeekly  BudgetPeriod = "weekly"
	PeriodMonthly BudgetPeriod = "monthly"
)

// BudgetRule caps spending for one user over a rolling period.
type BudgetRule struct {
	ID            int64        `json:"id"`
	UserID        int64        `json:"user_id"`
	LimitAmount   float64      `json:"limit_amount"`
	Period        BudgetPeriod `json:"period"`
	NextResetDate time.Time    `json:"next_reset_date"`
	CreatedAt     time.Time    `json:"created_at"`
}
