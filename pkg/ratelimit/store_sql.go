// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStore is a Store backed by a SQL database, for deployments where
// usage must survive restarts or be shared across instances. Works with
// sqlite, postgres, and mysql through database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore creates the usage table if needed and returns a SQLStore.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("ratelimit: database handle is required")
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.createTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTable() error {
	ddl := `CREATE TABLE IF NOT EXISTS rate_limit_usage (
		scope       VARCHAR(32)  NOT NULL,
		identifier  VARCHAR(255) NOT NULL,
		limit_type  VARCHAR(32)  NOT NULL,
		time_window VARCHAR(32)  NOT NULL,
		amount      BIGINT       NOT NULL,
		window_end  TIMESTAMP    NOT NULL,
		PRIMARY KEY (scope, identifier, limit_type, time_window)
	)`
	_, err := s.db.Exec(ddl)
	if err != nil {
		return fmt.Errorf("ratelimit: create usage table: %w", err)
	}
	return nil
}

func (s *SQLStore) placeholder(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) query(base string) string {
	out := ""
	n := 1
	for i := 0; i < len(base); i++ {
		if base[i] == '?' {
			out += s.placeholder(n)
			n++
			continue
		}
		out += string(base[i])
	}
	return out
}

// GetUsage implements Store.
func (s *SQLStore) GetUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow) (int64, time.Time, error) {
	q := s.query(`SELECT amount, window_end FROM rate_limit_usage
		WHERE scope = ? AND identifier = ? AND limit_type = ? AND time_window = ?`)

	var amount int64
	var windowEnd time.Time
	err := s.db.QueryRowContext(ctx, q, string(scope), identifier, string(limitType), string(window)).
		Scan(&amount, &windowEnd)
	now := time.Now()
	if errors.Is(err, sql.ErrNoRows) {
		return 0, now.Add(window.Duration()), nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: get usage: %w", err)
	}
	if windowEnd.Before(now) {
		return 0, now.Add(window.Duration()), nil
	}
	return amount, windowEnd, nil
}

// IncrementUsage implements Store. The read-check-write runs in a
// transaction so concurrent increments on the same key serialize.
func (s *SQLStore) IncrementUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64) (int64, time.Time, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := s.query(`SELECT amount, window_end FROM rate_limit_usage
		WHERE scope = ? AND identifier = ? AND limit_type = ? AND time_window = ?`)

	now := time.Now()
	var current int64
	var windowEnd time.Time
	err = tx.QueryRowContext(ctx, q, string(scope), identifier, string(limitType), string(window)).
		Scan(&current, &windowEnd)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
		windowEnd = now.Add(window.Duration())
		ins := s.query(`INSERT INTO rate_limit_usage (scope, identifier, limit_type, time_window, amount, window_end)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, ins, string(scope), identifier, string(limitType), string(window), amount, windowEnd); err != nil {
			return 0, time.Time{}, fmt.Errorf("ratelimit: insert usage: %w", err)
		}
		current = amount
	case err != nil:
		return 0, time.Time{}, fmt.Errorf("ratelimit: read usage: %w", err)
	default:
		if windowEnd.Before(now) {
			current = 0
			windowEnd = now.Add(window.Duration())
		}
		current += amount
		upd := s.query(`UPDATE rate_limit_usage SET amount = ?, window_end = ?
			WHERE scope = ? AND identifier = ? AND limit_type = ? AND time_window = ?`)
		if _, err := tx.ExecContext(ctx, upd, current, windowEnd, string(scope), identifier, string(limitType), string(window)); err != nil {
			return 0, time.Time{}, fmt.Errorf("ratelimit: update usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: commit: %w", err)
	}
	return current, windowEnd, nil
}

// SetUsage implements Store.
func (s *SQLStore) SetUsage(ctx context.Context, scope Scope, identifier string, limitType LimitType, window TimeWindow, amount int64, windowEnd time.Time) error {
	del := s.query(`DELETE FROM rate_limit_usage
		WHERE scope = ? AND identifier = ? AND limit_type = ? AND time_window = ?`)
	ins := s.query(`INSERT INTO rate_limit_usage (scope, identifier, limit_type, time_window, amount, window_end)
		VALUES (?, ?, ?, ?, ?, ?)`)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ratelimit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, del, string(scope), identifier, string(limitType), string(window)); err != nil {
		return fmt.Errorf("ratelimit: set usage: %w", err)
	}
	if _, err := tx.ExecContext(ctx, ins, string(scope), identifier, string(limitType), string(window), amount, windowEnd); err != nil {
		return fmt.Errorf("ratelimit: set usage: %w", err)
	}
	return tx.Commit()
}

// DeleteUsage implements Store.
func (s *SQLStore) DeleteUsage(ctx context.Context, scope Scope, identifier string) error {
	q := s.query(`DELETE FROM rate_limit_usage WHERE scope = ? AND identifier = ?`)
	if _, err := s.db.ExecContext(ctx, q, string(scope), identifier); err != nil {
		return fmt.Errorf("ratelimit: delete usage: %w", err)
	}
	return nil
}

// DeleteExpired implements Store.
func (s *SQLStore) DeleteExpired(ctx context.Context, before time.Time) error {
	q := s.query(`DELETE FROM rate_limit_usage WHERE window_end < ?`)
	if _, err := s.db.ExecContext(ctx, q, before); err != nil {
		return fmt.Errorf("ratelimit: delete expired: %w", err)
	}
	return nil
}

// Close implements Store. The connection belongs to the shared pool, so
// closing the store does not close it.
func (s *SQLStore) Close() error {
	return nil
}

var _ Store = (*SQLStore)(nil)
