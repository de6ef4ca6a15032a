package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Kaffe-diem/kaffediem/internal/collection"
	"github.com/Kaffe-diem/kaffediem/internal/ir"
)

// ErrNoSession is returned when a journal has no sessions.
var ErrNoSession = errors.New("journal: no sessions recorded")

// Sessions returns all sessions, oldest first.
func (j *Journal) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, started_at, label
		FROM sessions
		ORDER BY started_at ASC, id ASC COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.StartedAt, &s.Label); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// LatestSession returns the most recently started session.
func (j *Journal) LatestSession(ctx context.Context) (Session, error) {
	sessions, err := j.Sessions(ctx)
	if err != nil {
		return Session{}, err
	}
	if len(sessions) == 0 {
		return Session{}, ErrNoSession
	}
	return sessions[len(sessions)-1], nil
}

// Collections returns the collections recorded in a session, by name.
func (j *Journal) Collections(ctx context.Context, session string) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT DISTINCT collection
		FROM events
		WHERE session_id = ?
		ORDER BY collection ASC COLLATE BINARY
	`, session)
	if err != nil {
		return nil, fmt.Errorf("query collections: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collections: %w", err)
	}
	return names, nil
}

// Entries returns the entries of a session ordered by seq. An empty
// collection selects every collection.
func (j *Journal) Entries(ctx context.Context, session, coll string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, session_id, collection, source, action, record_id, outcome, version, record, diagnostics
		FROM events
		WHERE session_id = ? AND (? = '' OR collection = ?)
		ORDER BY seq ASC
	`, session, coll, coll)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	rows.Close()

	for i := range entries {
		if entries[i].Source != collection.SourceSnapshot || entries[i].Outcome != collection.OutcomeApplied {
			continue
		}
		recs, err := j.snapshotRecords(ctx, entries[i].Seq)
		if err != nil {
			return nil, err
		}
		entries[i].Records = recs
	}
	return entries, nil
}

func (j *Journal) snapshotRecords(ctx context.Context, seq int64) ([]json.RawMessage, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT record
		FROM snapshot_records
		WHERE event_seq = ?
		ORDER BY position ASC
	`, seq)
	if err != nil {
		return nil, fmt.Errorf("query snapshot %d: %w", seq, err)
	}
	defer rows.Close()

	recs := []json.RawMessage{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan snapshot %d: %w", seq, err)
		}
		recs = append(recs, json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot %d: %w", seq, err)
	}
	return recs, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e        Entry
		source   string
		recordID string
		outcome  string
		version  int64
		record   sql.NullString
		diags    string
	)
	if err := rows.Scan(&e.Seq, &e.Session, &e.Collection, &source, &e.Action, &recordID, &outcome, &version, &record, &diags); err != nil {
		return Entry{}, fmt.Errorf("scan entry: %w", err)
	}
	e.Source = collection.Source(source)
	e.ID = ir.RecordID(recordID)
	e.Outcome = collection.Outcome(outcome)
	e.Version = uint64(version)
	if record.Valid {
		e.Record = json.RawMessage(record.String)
	}
	d, err := unmarshalDiagnostics(diags)
	if err != nil {
		return Entry{}, fmt.Errorf("entry %d: %w", e.Seq, err)
	}
	e.Diagnostics = d
	return e, nil
}
