package repo

import (
	"context"
	"database/sql"

	"humanrpc/internal/domain"
)

// EventsAfter returns up to limit events with id greater than cursor,
// oldest first. The webhook dispatcher pages through the stream with this.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,task_id,voter_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// LatestEventID returns the current head of the event stream, 0 when empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// TailEvents returns the newest events, most recent first.
func (r Repo) TailEvents(ctx context.Context, limit int, taskID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,task_id,voter_id,payload_json FROM events`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id=?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var evt domain.Event
		var taskID, voterID sql.NullString
		if err := rows.Scan(&evt.ID, &evt.TS, &evt.Type, &taskID, &voterID, &evt.Payload); err != nil {
			return nil, err
		}
		evt.TaskID = taskID.String
		evt.VoterID = voterID.String
		res = append(res, evt)
	}
	return res, rows.Err()
}
