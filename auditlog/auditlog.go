// Copyright 2015 Matthew Holt and The Caddy Authors
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

// Package auditlog records completed FastCGI sessions to a SQL table.
// It is entirely optional: the core engine has no compile-time
// dependency on it. A caller wires a Recorder to Engine.Config's
// OnSessionDone-equivalent hook.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// SessionSummary is one completed session's audit record.
type SessionSummary struct {
	RequestID      uint16
	Role           string
	Remote         string
	Started        time.Time
	Duration       time.Duration
	ExitCode       int
	ProtocolStatus string
}

// Recorder writes SessionSummary rows to a fastcgi_sessions table.
type Recorder struct {
	db *sql.DB
}

// Open connects to a MySQL-compatible DSN and verifies the schema table
// exists, creating it if not.
func Open(ctx context.Context, dsn string) (*Recorder, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditlog: ping: %w", err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS fastcgi_sessions (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		request_id SMALLINT UNSIGNED NOT NULL,
		role VARCHAR(16) NOT NULL,
		remote VARCHAR(64) NOT NULL,
		started_at DATETIME NOT NULL,
		duration_ms BIGINT NOT NULL,
		exit_code INT NOT NULL,
		protocol_status VARCHAR(32) NOT NULL
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditlog: create schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

// Record inserts one row for a completed session.
func (r *Recorder) Record(ctx context.Context, s SessionSummary) error {
	const stmt = `INSERT INTO fastcgi_sessions
		(request_id, role, remote, started_at, duration_ms, exit_code, protocol_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, stmt,
		s.RequestID, s.Role, s.Remote, s.Started, s.Duration.Milliseconds(), s.ExitCode, s.ProtocolStatus)
	return err
}

// Close releases the underlying connection pool.
func (r *Recorder) Close() error {
	return r.db.Close()
}
