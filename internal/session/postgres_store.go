package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists sessions as JSONB documents. The schema is created
// by database.Migrate.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) SaveSession(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deliberation_sessions (id, phase, record, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET phase = EXCLUDED.phase, record = EXCLUDED.record, updated_at = NOW()`,
		rec.ID, string(rec.Status.Phase), payload)
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) LoadSession(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT record, created_at, updated_at FROM deliberation_sessions WHERE id = $1`, id)
	return scanRecord(row)
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record, created_at, updated_at FROM deliberation_sessions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendMessage(ctx context.Context, sessionID string, m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deliberation_messages (id, session_id, round, turn, agent_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, sessionID, m.Round, m.Turn, m.AgentID, payload, m.Timestamp)
	if err != nil {
		return fmt.Errorf("append message to session %s: %w", sessionID, err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM deliberation_messages
		WHERE session_id = $1
		ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteMessages(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM deliberation_messages WHERE session_id = $1`, sessionID)
	return err
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap ResultSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deliberation_snapshots (session_id, phase, payload, captured_at)
		VALUES ($1, $2, $3, $4)`,
		snap.SessionID, string(snap.Status.Phase), payload, snap.CapturedAt)
	return err
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, sessionID string) (ResultSnapshot, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM deliberation_snapshots
		WHERE session_id = $1
		ORDER BY id DESC LIMIT 1`, sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ResultSnapshot{}, ErrNotFound
	}
	if err != nil {
		return ResultSnapshot{}, err
	}
	var snap ResultSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return ResultSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (Record, error) {
	var (
		payload []byte
		rec     Record
	)
	if err := scanner.Scan(&payload, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	created, updated := rec.CreatedAt, rec.UpdatedAt
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, fmt.Errorf("decode session: %w", err)
	}
	rec.CreatedAt, rec.UpdatedAt = created, updated
	return rec, nil
}
