package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/felipepmaragno/cookie-gateway/internal/domain"
)

type SQLUsageRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLUsageRepository(db *sql.DB, dialect Dialect) *SQLUsageRepository {
	return &SQLUsageRepository{db: db, dialect: dialect}
}

func (r *SQLUsageRepository) Insert(ctx context.Context, rec domain.UsageRecord) error {
	query := r.dialect.Rebind(`
		INSERT INTO usage_metrics (ip_address, request_timestamp, was_success, error_message, model, cookie_id, api_key_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := r.db.ExecContext(ctx, query,
		rec.IPAddress,
		rec.Timestamp.UTC(),
		rec.Success,
		nullString(rec.ErrorMessage),
		nullString(rec.Model),
		nullInt64(rec.CredentialID),
		nullInt64(rec.CallerID),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

type InMemoryUsageRepository struct {
	mu      sync.RWMutex
	records []domain.UsageRecord
}

func NewInMemoryUsageRepository() *InMemoryUsageRepository {
	return &InMemoryUsageRepository{}
}

func (r *InMemoryUsageRepository) Insert(ctx context.Context, rec domain.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

// Records returns a copy of everything inserted so far.
func (r *InMemoryUsageRepository) Records() []domain.UsageRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.UsageRecord(nil), r.records...)
}
