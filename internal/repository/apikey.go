package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/felipepmaragno/cookie-gateway/internal/domain"
)

// SQLAPIKeyStore keeps caller API keys by hash.
type SQLAPIKeyStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLAPIKeyStore(db *sql.DB, dialect Dialect) *SQLAPIKeyStore {
	return &SQLAPIKeyStore{db: db, dialect: dialect}
}

func (s *SQLAPIKeyStore) GetActiveByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	query := s.dialect.Rebind(`
		SELECT id, alias, key_hash, is_active, created_at
		FROM api_keys
		WHERE key_hash = ? AND is_active = ?
	`)

	var k domain.APIKey
	err := s.db.QueryRowContext(ctx, query, keyHash, true).Scan(&k.ID, &k.Alias, &k.KeyHash, &k.Active, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}
	return &k, nil
}

func (s *SQLAPIKeyStore) Create(ctx context.Context, alias, keyHash string) (*domain.APIKey, error) {
	k := &domain.APIKey{Alias: alias, KeyHash: keyHash, Active: true, CreatedAt: time.Now().UTC()}
	query := `INSERT INTO api_keys (alias, key_hash, is_active, created_at) VALUES (?, ?, ?, ?)`
	args := []any{k.Alias, k.KeyHash, k.Active, k.CreatedAt}

	if s.dialect.SupportsReturning() {
		if err := s.db.QueryRowContext(ctx, s.dialect.Rebind(query+" RETURNING id"), args...).Scan(&k.ID); err != nil {
			return nil, fmt.Errorf("insert api key: %w", err)
		}
		return k, nil
	}

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("insert api key: %w", err)
	}
	if k.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("insert api key id: %w", err)
	}
	return k, nil
}

func (s *SQLAPIKeyStore) List(ctx context.Context) ([]domain.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alias, key_hash, is_active, created_at
		FROM api_keys
		ORDER BY id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []domain.APIKey
	for rows.Next() {
		var k domain.APIKey
		if err := rows.Scan(&k.ID, &k.Alias, &k.KeyHash, &k.Active, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLAPIKeyStore) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`UPDATE api_keys SET is_active = ? WHERE id = ?`), active, id)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("api key %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *SQLAPIKeyStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count api keys: %w", err)
	}
	return n, nil
}

type InMemoryAPIKeyStore struct {
	mu     sync.RWMutex
	keys   []domain.APIKey
	nextID int64
}

func NewInMemoryAPIKeyStore() *InMemoryAPIKeyStore {
	return &InMemoryAPIKeyStore{}
}

func (s *InMemoryAPIKeyStore) GetActiveByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, k := range s.keys {
		if k.KeyHash == keyHash && k.Active {
			return &k, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *InMemoryAPIKeyStore) Create(ctx context.Context, alias, keyHash string) (*domain.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	k := domain.APIKey{ID: s.nextID, Alias: alias, KeyHash: keyHash, Active: true, CreatedAt: time.Now().UTC()}
	s.keys = append(s.keys, k)
	return &k, nil
}

func (s *InMemoryAPIKeyStore) List(ctx context.Context) ([]domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.APIKey, 0, len(s.keys))
	for i := len(s.keys) - 1; i >= 0; i-- {
		out = append(out, s.keys[i])
	}
	return out, nil
}

func (s *InMemoryAPIKeyStore) SetActive(ctx context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.keys {
		if s.keys[i].ID == id {
			s.keys[i].Active = active
			return nil
		}
	}
	return fmt.Errorf("api key %d: %w", id, domain.ErrNotFound)
}

func (s *InMemoryAPIKeyStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys), nil
}
