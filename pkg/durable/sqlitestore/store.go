// Copyright 2025 Tom Barlow
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

// Package sqlitestore implements durable.PersistenceDriver over a local
// SQLite database, for single-host or CLI-driven use of the engine.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/conductor/pkg/durable"
)

// Store is a durable.PersistenceDriver backed by SQLite.
//
// Database location: caller-supplied path, typically
// ~/.conductor/workflows.db.
type Store struct {
	db *sql.DB

	pollInterval time.Duration
}

// Config configures a new Store.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	Path string

	// WorkerPollInterval is the threshold below which the engine may
	// honor a sleep in-process instead of yielding to the host's wake
	// scheduler. Defaults to 2s.
	WorkerPollInterval time.Duration
}

// Open creates (or reuses) the SQLite database at cfg.Path and runs
// migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	connStr := cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=ON"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, pollInterval: cfg.WorkerPollInterval}
	if s.pollInterval == 0 {
		s.pollInterval = 2 * time.Second
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflow_instances (
			workflow_id TEXT PRIMARY KEY,
			state TEXT NOT NULL DEFAULT 'pending',
			output_json TEXT,
			error_json TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_names (
			workflow_id TEXT NOT NULL REFERENCES workflow_instances(workflow_id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			name TEXT NOT NULL,
			PRIMARY KEY (workflow_id, idx)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_entries (
			workflow_id TEXT NOT NULL REFERENCES workflow_instances(workflow_id) ON DELETE CASCADE,
			loc_key TEXT NOT NULL,
			entry_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			PRIMARY KEY (workflow_id, loc_key)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_metadata (
			workflow_id TEXT NOT NULL REFERENCES workflow_instances(workflow_id) ON DELETE CASCADE,
			entry_id TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TEXT,
			created_at TEXT,
			completed_at TEXT,
			rollback_completed_at TEXT,
			rollback_error TEXT,
			PRIMARY KEY (workflow_id, entry_id)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_messages (
			workflow_id TEXT NOT NULL REFERENCES workflow_instances(workflow_id) ON DELETE CASCADE,
			message_id TEXT NOT NULL,
			name TEXT NOT NULL,
			data_json TEXT,
			sent_at TEXT NOT NULL,
			PRIMARY KEY (workflow_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_entries_loc ON workflow_entries(workflow_id, loc_key)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_messages_name ON workflow_messages(workflow_id, name)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// WorkerPollInterval implements durable.PersistenceDriver.
func (s *Store) WorkerPollInterval() time.Duration { return s.pollInterval }

// Hydrate implements durable.PersistenceDriver.
func (s *Store) Hydrate(ctx context.Context, workflowID string) (*durable.Snapshot, error) {
	snap := &durable.Snapshot{State: durable.StatePending}

	var stateStr string
	var outputJSON, errJSON sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT state, output_json, error_json FROM workflow_instances WHERE workflow_id = ?`, workflowID)
	switch err := row.Scan(&stateStr, &outputJSON, &errJSON); {
	case err == sql.ErrNoRows:
		return snap, nil
	case err != nil:
		return nil, fmt.Errorf("hydrate %s: %w", workflowID, err)
	}
	snap.State = durable.WorkflowState(stateStr)
	if outputJSON.Valid && outputJSON.String != "" {
		if err := json.Unmarshal([]byte(outputJSON.String), &snap.Output); err != nil {
			return nil, fmt.Errorf("decode output: %w", err)
		}
	}
	if errJSON.Valid && errJSON.String != "" {
		var werr durable.WorkflowError
		if err := json.Unmarshal([]byte(errJSON.String), &werr); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
		snap.Err = &werr
	}

	nameRows, err := s.db.QueryContext(ctx, `SELECT name FROM workflow_names WHERE workflow_id = ? ORDER BY idx ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load names: %w", err)
	}
	defer nameRows.Close()
	for nameRows.Next() {
		var n string
		if err := nameRows.Scan(&n); err != nil {
			return nil, err
		}
		snap.Names = append(snap.Names, n)
	}

	entryRows, err := s.db.QueryContext(ctx, `SELECT entry_id, loc_key, kind, payload_json FROM workflow_entries WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	defer entryRows.Close()
	for entryRows.Next() {
		var id, locKey, kind, payload string
		if err := entryRows.Scan(&id, &locKey, &kind, &payload); err != nil {
			return nil, err
		}
		entry, err := decodeEntry(id, locKey, durable.EntryKind(kind), payload)
		if err != nil {
			return nil, err
		}
		snap.Entries = append(snap.Entries, entry)
	}

	metaRows, err := s.db.QueryContext(ctx, `SELECT entry_id, status, error, attempts, last_attempt_at, created_at, completed_at, rollback_completed_at, rollback_error FROM workflow_metadata WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	defer metaRows.Close()
	for metaRows.Next() {
		md := &durable.EntryMetadata{}
		var lastAttempt, created, completed, rollbackCompleted sql.NullString
		var status string
		if err := metaRows.Scan(&md.EntryID, &status, &md.Error, &md.Attempts, &lastAttempt, &created, &completed, &rollbackCompleted, &md.RollbackError); err != nil {
			return nil, err
		}
		md.Status = durable.MetadataStatus(status)
		md.LastAttemptAt = parseTimeOrZero(lastAttempt)
		md.CreatedAt = parseTimeOrZero(created)
		md.CompletedAt = parseTimeOrZero(completed)
		md.RollbackCompletedAt = parseTimeOrZero(rollbackCompleted)
		snap.Metadata = append(snap.Metadata, md)
	}

	msgRows, err := s.db.QueryContext(ctx, `SELECT message_id, name, data_json, sent_at FROM workflow_messages WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		var id, name, sentAt string
		var dataJSON sql.NullString
		if err := msgRows.Scan(&id, &name, &dataJSON, &sentAt); err != nil {
			return nil, err
		}
		msg := &durable.Message{ID: id, Name: name, SentAt: parseTimeOrZero(sql.NullString{String: sentAt, Valid: true})}
		if dataJSON.Valid && dataJSON.String != "" {
			if err := json.Unmarshal([]byte(dataJSON.String), &msg.Data); err != nil {
				return nil, fmt.Errorf("decode message %s: %w", id, err)
			}
		}
		snap.Messages = append(snap.Messages, msg)
	}

	return snap, nil
}

// Flush implements durable.PersistenceDriver. The whole diff is applied
// inside one transaction so readers never observe a partially-applied
// flush.
func (s *Store) Flush(ctx context.Context, workflowID string, diff *durable.Diff) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_instances (workflow_id, state) VALUES (?, ?)
		 ON CONFLICT(workflow_id) DO NOTHING`, workflowID, string(durable.StatePending)); err != nil {
		return fmt.Errorf("ensure instance row: %w", err)
	}

	existingNames, err := tx.QueryContext(ctx, `SELECT COALESCE(MAX(idx), -1) FROM workflow_names WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return err
	}
	var maxIdx int
	if existingNames.Next() {
		if err := existingNames.Scan(&maxIdx); err != nil {
			existingNames.Close()
			return err
		}
	}
	existingNames.Close()

	for i, n := range diff.AppendedNames {
		if _, err := tx.ExecContext(ctx, `INSERT INTO workflow_names (workflow_id, idx, name) VALUES (?, ?, ?)`, workflowID, maxIdx+1+i, n); err != nil {
			return fmt.Errorf("append name %q: %w", n, err)
		}
	}

	for _, e := range diff.UpsertEntries {
		payload, err := encodeEntry(e)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_entries (workflow_id, loc_key, entry_id, kind, payload_json) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(workflow_id, loc_key) DO UPDATE SET entry_id = excluded.entry_id, kind = excluded.kind, payload_json = excluded.payload_json`,
			workflowID, e.Location.Key(), e.ID, string(e.Kind), payload); err != nil {
			return fmt.Errorf("upsert entry %s: %w", e.Location.Key(), err)
		}
	}

	for _, md := range diff.UpsertMeta {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_metadata (workflow_id, entry_id, status, error, attempts, last_attempt_at, created_at, completed_at, rollback_completed_at, rollback_error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(workflow_id, entry_id) DO UPDATE SET
			   status = excluded.status, error = excluded.error, attempts = excluded.attempts,
			   last_attempt_at = excluded.last_attempt_at, completed_at = excluded.completed_at,
			   rollback_completed_at = excluded.rollback_completed_at, rollback_error = excluded.rollback_error`,
			workflowID, md.EntryID, string(md.Status), md.Error, md.Attempts,
			formatTimeOrNull(md.LastAttemptAt), formatTimeOrNull(md.CreatedAt),
			formatTimeOrNull(md.CompletedAt), formatTimeOrNull(md.RollbackCompletedAt), md.RollbackError); err != nil {
			return fmt.Errorf("upsert metadata %s: %w", md.EntryID, err)
		}
	}

	for _, msg := range diff.AddedMessages {
		data, err := json.Marshal(msg.Data)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", msg.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_messages (workflow_id, message_id, name, data_json, sent_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(workflow_id, message_id) DO NOTHING`,
			workflowID, msg.ID, msg.Name, string(data), msg.SentAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert message %s: %w", msg.ID, err)
		}
	}

	for _, id := range diff.DeletedMessageIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_messages WHERE workflow_id = ? AND message_id = ?`, workflowID, id); err != nil {
			return fmt.Errorf("delete message %s: %w", id, err)
		}
	}

	if diff.StateChanged || diff.OutputChanged || diff.ErrChanged {
		var outputJSON, errJSON []byte
		if diff.OutputChanged {
			outputJSON, err = json.Marshal(diff.Output)
			if err != nil {
				return fmt.Errorf("encode output: %w", err)
			}
		}
		if diff.ErrChanged && diff.Err != nil {
			errJSON, err = json.Marshal(diff.Err)
			if err != nil {
				return fmt.Errorf("encode error: %w", err)
			}
		}
		switch {
		case diff.StateChanged && diff.OutputChanged && diff.ErrChanged:
			_, err = tx.ExecContext(ctx, `UPDATE workflow_instances SET state = ?, output_json = ?, error_json = ?, updated_at = datetime('now') WHERE workflow_id = ?`, string(diff.State), string(outputJSON), string(errJSON), workflowID)
		case diff.StateChanged && diff.OutputChanged:
			_, err = tx.ExecContext(ctx, `UPDATE workflow_instances SET state = ?, output_json = ?, updated_at = datetime('now') WHERE workflow_id = ?`, string(diff.State), string(outputJSON), workflowID)
		case diff.StateChanged && diff.ErrChanged:
			_, err = tx.ExecContext(ctx, `UPDATE workflow_instances SET state = ?, error_json = ?, updated_at = datetime('now') WHERE workflow_id = ?`, string(diff.State), string(errJSON), workflowID)
		case diff.StateChanged:
			_, err = tx.ExecContext(ctx, `UPDATE workflow_instances SET state = ?, updated_at = datetime('now') WHERE workflow_id = ?`, string(diff.State), workflowID)
		case diff.OutputChanged:
			_, err = tx.ExecContext(ctx, `UPDATE workflow_instances SET output_json = ?, updated_at = datetime('now') WHERE workflow_id = ?`, string(outputJSON), workflowID)
		case diff.ErrChanged:
			_, err = tx.ExecContext(ctx, `UPDATE workflow_instances SET error_json = ?, updated_at = datetime('now') WHERE workflow_id = ?`, string(errJSON), workflowID)
		}
		if err != nil {
			return fmt.Errorf("update instance state: %w", err)
		}
	}

	return tx.Commit()
}

// DeleteEntries implements durable.PersistenceDriver.
func (s *Store) DeleteEntries(ctx context.Context, workflowID string, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_entries WHERE workflow_id = ? AND loc_key = ?`, workflowID, k); err != nil {
			return fmt.Errorf("delete entry %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func parseTimeOrZero(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTimeOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
