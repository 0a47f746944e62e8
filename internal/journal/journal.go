// Package journal persists hub events to SQLite as an audit trail and keeps
// the most recent lifecycle phase of every extension.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/exthost/internal/events"
	"github.com/mattjoyce/exthost/internal/log"
)

// Phases written to extension_status.
const (
	PhaseRegistered = "registered"
	PhaseLoaded     = "loaded"
	PhaseActive     = "active"
	PhaseInactive   = "inactive"
	PhaseFailed     = "failed"
	PhaseUnloaded   = "unloaded"
)

var phaseByType = map[string]string{
	events.TypeRegistered:      PhaseRegistered,
	events.TypeLoaded:          PhaseLoaded,
	events.TypeLoadError:       PhaseFailed,
	events.TypeActivated:       PhaseActive,
	events.TypeActivationError: PhaseFailed,
	events.TypeDeactivated:     PhaseInactive,
	events.TypeUnloaded:        PhaseUnloaded,
}

// PhaseOf returns the phase an event type moves an extension into.
func PhaseOf(eventType string) (string, bool) {
	phase, ok := phaseByType[eventType]
	return phase, ok
}

// Fixed width so that ORDER BY on the text column is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Source is the subscription half of events.Hub.
type Source interface {
	Subscribe() (<-chan events.Event, func())
}

type Entry struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq"`
	ExtensionID string          `json:"extension_id"`
	Type        string          `json:"type"`
	At          time.Time       `json:"at"`
	Data        json.RawMessage `json:"data,omitempty"`
}

type Status struct {
	ExtensionID string    `json:"extension_id"`
	Phase       string    `json:"phase"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Store struct {
	db     *sql.DB
	logger *slog.Logger
	newID  func() string
}

func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = log.Discard()
	}
	return &Store{
		db:     db,
		logger: logger,
		newID:  func() string { return uuid.NewString() },
	}
}

// Record appends ev and, for lifecycle types, updates the extension's phase.
// Host-level events without an extension id are skipped.
func (s *Store) Record(ctx context.Context, ev events.Event) error {
	if ev.ExtensionID == "" {
		return nil
	}
	data := ev.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	at := ev.At.UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO extension_events(id, seq, extension_id, type, at, data)
VALUES(?, ?, ?, ?, ?, ?);
`, s.newID(), ev.ID, ev.ExtensionID, ev.Type, at, string(data))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if phase, ok := PhaseOf(ev.Type); ok {
		var lastErr sql.NullString
		if phase == PhaseFailed {
			lastErr = sql.NullString{String: errorField(data), Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO extension_status(extension_id, state, last_error, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(extension_id) DO UPDATE SET
  state = excluded.state,
  last_error = excluded.last_error,
  updated_at = excluded.updated_at;
`, ev.ExtensionID, phase, lastErr, at)
		if err != nil {
			return fmt.Errorf("upsert status: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Run records every event from src until ctx is done or the subscription
// closes. Events already queued when ctx ends are still written. Write
// failures are logged and do not stop the loop.
func (s *Store) Run(ctx context.Context, src Source) {
	ch, cancel := src.Subscribe()
	defer cancel()
	wctx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						return
					}
					s.write(wctx, ev)
				default:
					return
				}
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.write(wctx, ev)
		}
	}
}

func (s *Store) write(ctx context.Context, ev events.Event) {
	if err := s.Record(ctx, ev); err != nil {
		s.logger.Error("journal write failed", "event_id", ev.ID, "type", ev.Type, "error", err)
	}
}

// History returns up to limit events for id, newest first. A limit of zero
// or less means no limit. Order is insertion order, so a wall clock that
// steps backwards does not reorder entries.
func (s *Store) History(ctx context.Context, id string, limit int) ([]Entry, error) {
	if id == "" {
		return nil, fmt.Errorf("extension id is empty")
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, seq, extension_id, type, at, data
FROM extension_events
WHERE extension_id = ?
ORDER BY pos DESC
LIMIT ?;
`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			at   string
			data sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Seq, &e.ExtensionID, &e.Type, &at, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if e.At, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("parse event time %q: %w", at, err)
		}
		if data.Valid {
			e.Data = json.RawMessage(data.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Status returns the last recorded phase for id, or nil if none.
func (s *Store) Status(ctx context.Context, id string) (*Status, error) {
	var (
		st      Status
		lastErr sql.NullString
		at      string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT extension_id, state, last_error, updated_at FROM extension_status WHERE extension_id = ?;
`, id).Scan(&st.ExtensionID, &st.Phase, &lastErr, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	st.LastError = lastErr.String
	if st.UpdatedAt, err = time.Parse(timeLayout, at); err != nil {
		return nil, fmt.Errorf("parse status time %q: %w", at, err)
	}
	return &st, nil
}

func errorField(data []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(data, &payload)
	return payload.Error
}
