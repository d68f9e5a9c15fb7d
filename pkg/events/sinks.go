package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// JSONLSink appends each event as one JSON line to a file.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLSink opens (or creates) the file in append mode.
func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open event sink: %w", err)
	}
	return &JSONLSink{file: f, enc: json.NewEncoder(f)}, nil
}

func (s *JSONLSink) Write(e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(e); err != nil {
		return fmt.Errorf("encode event %d: %w", e.Number, err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// SQLiteSink journals events to a SQLite table for offline queries.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens the database and ensures the journal table exists.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		event_number INTEGER PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		event_type TEXT NOT NULL,
		principal_id TEXT,
		artifact_id TEXT,
		action_type TEXT,
		error TEXT,
		payload JSON,
		payload_hash TEXT
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteSink) Write(e *Event) error {
	payloadJSON, _ := json.Marshal(e.Payload)
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO events (event_number, timestamp, event_type, principal_id, artifact_id, action_type, error, payload, payload_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Number, e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.Type),
		e.PrincipalID, e.ArtifactID, e.ActionType, e.Error, string(payloadJSON), e.PayloadHash,
	)
	if err != nil {
		return fmt.Errorf("journal event %d: %w", e.Number, err)
	}
	return nil
}
