package models

import "time"

// Conversation groups a thread of chat messages for one user. ThreadID is
// the client-visible identifier, unique per user; Title stays empty until
// the first exchange completes.
type Conversation struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	ThreadID  string    `json:"thread_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
