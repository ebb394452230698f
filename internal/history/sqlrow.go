package history

import (
	"database/sql"
	"time"
)

// Columns is the column order shared by the SQL sinks.
const Columns = "occurred_at, event, name, pid, state, exit_code, signal, error, restarts, started_at, stopped_at"

// SQLArgs returns e as arguments matching Columns. Empty strings and zero
// times become NULL.
func SQLArgs(e Event) []any {
	r := e.Record
	return []any{
		e.OccurredAt.UTC(), string(e.Type), r.Name, r.PID, r.State, r.ExitCode,
		nullString(r.Signal), nullString(r.Error), r.Restarts, nullTime(r.StartedAt), nullTime(r.StoppedAt),
	}
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
