// Package checkpoint snapshots the whole world into a SQLite bundle and
// restores it. A restore reproduces the public projection exactly: balances,
// quota windows, artifacts, triggers, reserved ids, mint state, and the event
// counter, so rate decisions after restore match the decisions the live world
// would have made.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/mint"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/triggers"
	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/world"
	"github.com/gowebpki/jcs"
	_ "modernc.org/sqlite"
)

// Bundle is the complete world snapshot.
type Bundle struct {
	SavedAt           time.Time            `json:"saved_at"`
	EventNumber       uint64               `json:"event_number"`
	ConfigFingerprint string               `json:"config_fingerprint"`
	Artifacts         []*artifacts.Artifact `json:"artifacts"`
	Ledger            *ledger.State        `json:"ledger"`
	Triggers          *triggers.State      `json:"triggers"`
	Mint              *mint.State          `json:"mint"`
	ReservedIDs       []string             `json:"reserved_ids"`
}

// World groups the live components a snapshot covers.
type World struct {
	Clock  *world.Clock
	IDs    *world.IDRegistry
	Store  *artifacts.Store
	Ledger *ledger.Ledger
	Trig   *triggers.Registry
	Mint   *mint.Engine
}

// Capture builds a bundle from the live world. The caller is responsible for
// quiescing the scheduler first; Capture itself takes each component's lock
// only briefly and does not produce a cross-component atomic cut under
// concurrent writes.
func Capture(w World, configFingerprint string) *Bundle {
	return &Bundle{
		SavedAt:           time.Now().UTC(),
		EventNumber:       w.Clock.CurrentEventNumber(),
		ConfigFingerprint: configFingerprint,
		Artifacts:         w.Store.Export(),
		Ledger:            w.Ledger.Export(),
		Triggers:          w.Trig.Export(),
		Mint:              w.Mint.Export(),
		ReservedIDs:       w.IDs.Export(),
	}
}

// Apply restores a bundle into the live world. Components must be freshly
// constructed; Apply does not clear prior state it does not overwrite.
func Apply(b *Bundle, w World) error {
	if err := w.Store.Import(b.Artifacts); err != nil {
		return fmt.Errorf("restore artifacts: %w", err)
	}
	if err := w.Ledger.Import(b.Ledger); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	w.Trig.Import(b.Triggers)
	w.Mint.Import(b.Mint)
	w.IDs.Import(b.ReservedIDs)
	w.Clock.Restore(b.EventNumber)
	return nil
}

// ConfigFingerprint hashes a canonicalized config document so a restore can
// detect configuration drift between save and load.
func ConfigFingerprint(config any) (string, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("sha256:%x", sum), nil
}

// Store persists bundles in a SQLite table, one row per named snapshot.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a checkpoint database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		name TEXT PRIMARY KEY,
		saved_at DATETIME NOT NULL,
		event_number INTEGER NOT NULL,
		config_fingerprint TEXT,
		bundle JSON NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Save writes or replaces a named snapshot.
func (s *Store) Save(ctx context.Context, name string, b *Bundle) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (name, saved_at, event_number, config_fingerprint, bundle)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   saved_at = excluded.saved_at,
		   event_number = excluded.event_number,
		   config_fingerprint = excluded.config_fingerprint,
		   bundle = excluded.bundle`,
		name, b.SavedAt.Format(time.RFC3339Nano), b.EventNumber, b.ConfigFingerprint, string(raw))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	return nil
}

// Load reads a named snapshot.
func (s *Store) Load(ctx context.Context, name string) (*Bundle, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT bundle FROM checkpoints WHERE name = ?`, name).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("checkpoint %s not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", name, err)
	}
	var b Bundle
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", name, err)
	}
	return &b, nil
}

// List returns snapshot names with their event numbers, newest first.
func (s *Store) List(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, event_number FROM checkpoints ORDER BY saved_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]uint64)
	for rows.Next() {
		var name string
		var eventNo uint64
		if err := rows.Scan(&name, &eventNo); err != nil {
			return nil, err
		}
		out[name] = eventNo
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
