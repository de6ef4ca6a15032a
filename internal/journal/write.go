package journal

import (
	"context"
	"fmt"
)

// WriteSession inserts a session row. Duplicate ids are ignored.
func (j *Journal) WriteSession(ctx context.Context, s Session) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO sessions (id, started_at, label)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, s.ID, s.StartedAt, s.Label)
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// WriteEntry inserts an entry and its snapshot records in one transaction.
// Uses ON CONFLICT(seq) DO NOTHING, so rewriting a seq is a no-op.
func (j *Journal) WriteEntry(ctx context.Context, e Entry) error {
	diags, err := marshalDiagnostics(e.Diagnostics)
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	var record any
	if len(e.Record) > 0 {
		record = string(e.Record)
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events
		(seq, session_id, collection, source, action, record_id, outcome, version, record, diagnostics)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO NOTHING
	`,
		e.Seq,
		e.Session,
		e.Collection,
		string(e.Source),
		e.Action,
		string(e.ID),
		string(e.Outcome),
		int64(e.Version),
		record,
		diags,
	)
	if err != nil {
		return fmt.Errorf("write entry %d: %w", e.Seq, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}

	for i, raw := range e.Records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshot_records (event_seq, position, record)
			VALUES (?, ?, ?)
		`, e.Seq, i, string(raw)); err != nil {
			return fmt.Errorf("write snapshot record %d/%d: %w", e.Seq, i, err)
		}
	}
	return tx.Commit()
}
