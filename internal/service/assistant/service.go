package assistant

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"finassist/internal/models"
)

// Service handles conversation, message, user, and finance persistence.
type Service struct {
	db *sql.DB
}

// NewService builds a new assistant service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

func marshalMetadata(meta *models.MessageMetadata) (sql.NullString, error) {
	if meta == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (*models.MessageMetadata, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	meta := new(models.MessageMetadata)
	if err := json.Unmarshal([]byte(raw.String), meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return meta, nil
}
