package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/felipepmaragno/cookie-gateway/internal/domain"
)

// SQLCredentialStore reads the cookie pool from a relational table. Every call
// queries the database; activation state is administered elsewhere.
type SQLCredentialStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLCredentialStore(db *sql.DB, dialect Dialect) *SQLCredentialStore {
	return &SQLCredentialStore{db: db, dialect: dialect}
}

func (s *SQLCredentialStore) PickRandomActive(ctx context.Context) (*domain.Credential, error) {
	query := s.dialect.Rebind(fmt.Sprintf(`
		SELECT id, alias, cookie_value, is_active
		FROM cookies
		WHERE is_active = ?
		ORDER BY %s
		LIMIT 1
	`, s.dialect.RandomFunc()))

	var c domain.Credential
	err := s.db.QueryRowContext(ctx, query, true).Scan(&c.ID, &c.Alias, &c.Secret, &c.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNoCredentialAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("query random cookie: %w", err)
	}
	return &c, nil
}

func (s *SQLCredentialStore) CountActive(ctx context.Context) (int, error) {
	query := s.dialect.Rebind(`SELECT COUNT(*) FROM cookies WHERE is_active = ?`)

	var n int
	if err := s.db.QueryRowContext(ctx, query, true).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active cookies: %w", err)
	}
	return n, nil
}

// Add inserts an active credential and returns its id.
func (s *SQLCredentialStore) Add(ctx context.Context, alias, secret string) (int64, error) {
	now := time.Now().UTC()
	query := `INSERT INTO cookies (alias, cookie_value, is_active, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	args := []any{alias, secret, true, now, now}

	if s.dialect.SupportsReturning() {
		var id int64
		if err := s.db.QueryRowContext(ctx, s.dialect.Rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert cookie: %w", err)
		}
		return id, nil
	}

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("insert cookie: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert cookie id: %w", err)
	}
	return id, nil
}

// EnsureCredential adds secret unless a row with the same value exists.
func (s *SQLCredentialStore) EnsureCredential(ctx context.Context, alias, secret string) (bool, error) {
	query := s.dialect.Rebind(`SELECT COUNT(*) FROM cookies WHERE cookie_value = ?`)

	var n int
	if err := s.db.QueryRowContext(ctx, query, secret).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup cookie: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	if _, err := s.Add(ctx, alias, secret); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLCredentialStore) SetActive(ctx context.Context, id int64, active bool) error {
	query := s.dialect.Rebind(`UPDATE cookies SET is_active = ?, updated_at = ? WHERE id = ?`)

	res, err := s.db.ExecContext(ctx, query, active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update cookie: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("cookie %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// List returns every credential, newest first.
func (s *SQLCredentialStore) List(ctx context.Context) ([]domain.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alias, cookie_value, is_active, created_at, updated_at
		FROM cookies
		ORDER BY id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list cookies: %w", err)
	}
	defer rows.Close()

	var out []domain.Credential
	for rows.Next() {
		var c domain.Credential
		if err := rows.Scan(&c.ID, &c.Alias, &c.Secret, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cookie: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLCredentialStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM cookies WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete cookie: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("cookie %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// InMemoryCredentialStore is a process-local pool for single-instance setups and tests.
type InMemoryCredentialStore struct {
	mu          sync.RWMutex
	credentials []domain.Credential
	nextID      int64
}

func NewInMemoryCredentialStore(secrets ...string) *InMemoryCredentialStore {
	s := &InMemoryCredentialStore{}
	for i, secret := range secrets {
		s.Add(context.Background(), fmt.Sprintf("cookie-%d", i+1), secret)
	}
	return s
}

func (s *InMemoryCredentialStore) PickRandomActive(ctx context.Context) (*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := make([]int, 0, len(s.credentials))
	for i, c := range s.credentials {
		if c.Active {
			active = append(active, i)
		}
	}
	if len(active) == 0 {
		return nil, domain.ErrNoCredentialAvailable
	}

	c := s.credentials[active[rand.IntN(len(active))]]
	return &c, nil
}

func (s *InMemoryCredentialStore) CountActive(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, c := range s.credentials {
		if c.Active {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryCredentialStore) Add(ctx context.Context, alias, secret string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := time.Now().UTC()
	s.credentials = append(s.credentials, domain.Credential{
		ID:        s.nextID,
		Alias:     alias,
		Secret:    secret,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return s.nextID, nil
}

func (s *InMemoryCredentialStore) EnsureCredential(ctx context.Context, alias, secret string) (bool, error) {
	s.mu.RLock()
	for _, c := range s.credentials {
		if c.Secret == secret {
			s.mu.RUnlock()
			return false, nil
		}
	}
	s.mu.RUnlock()

	if _, err := s.Add(ctx, alias, secret); err != nil {
		return false, err
	}
	return true, nil
}

func (s *InMemoryCredentialStore) SetActive(ctx context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.credentials {
		if s.credentials[i].ID == id {
			s.credentials[i].Active = active
			s.credentials[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("cookie %d: %w", id, domain.ErrNotFound)
}

func (s *InMemoryCredentialStore) List(ctx context.Context) ([]domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Credential, 0, len(s.credentials))
	for i := len(s.credentials) - 1; i >= 0; i-- {
		out = append(out, s.credentials[i])
	}
	return out, nil
}

func (s *InMemoryCredentialStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.credentials {
		if s.credentials[i].ID == id {
			s.credentials = append(s.credentials[:i], s.credentials[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("cookie %d: %w", id, domain.ErrNotFound)
}
