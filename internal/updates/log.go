// Package updates is the append-only per-mission progress log. It lives in its own database
// file and never reads or writes mission records.
package updates

import (
	"context"
	"database/sql"
	"time"

	"missionline/internal/domain"
	"missionline/internal/repo"
)

type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) Log {
	return Log{DB: db, Now: time.Now}
}

func (l Log) now() string {
	if l.Now != nil {
		return domain.FormatTime(l.Now())
	}
	return domain.FormatTime(time.Now())
}

// Append adds an entry to the mission's timeline. The mission is not required to exist.
// Sequence numbers start at 1 and timestamps never go backwards within a mission.
func (l Log) Append(ctx context.Context, missionID, message, updateType string) (domain.MissionUpdate, error) {
	u := domain.MissionUpdate{
		MissionID:  missionID,
		Message:    message,
		UpdateType: domain.NormalizeUpdateType(updateType),
		Timestamp:  l.now(),
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MissionUpdate{}, &repo.StorageError{Op: "begin append update", Err: err}
	}
	defer tx.Rollback()

	var (
		lastSeq int64
		lastTS  sql.NullString
	)
	err = tx.QueryRowContext(ctx, `SELECT seq, ts FROM mission_updates WHERE mission_id=? ORDER BY seq DESC LIMIT 1`, missionID).
		Scan(&lastSeq, &lastTS)
	if err != nil && err != sql.ErrNoRows {
		return domain.MissionUpdate{}, &repo.StorageError{Op: "read last update", Err: err}
	}
	u.Seq = lastSeq + 1
	if lastTS.Valid && lastTS.String > u.Timestamp {
		u.Timestamp = lastTS.String
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO mission_updates(mission_id,seq,message,update_type,ts) VALUES (?,?,?,?,?)`,
		u.MissionID, u.Seq, u.Message, u.UpdateType, u.Timestamp); err != nil {
		return domain.MissionUpdate{}, &repo.StorageError{Op: "insert update", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.MissionUpdate{}, &repo.StorageError{Op: "commit update", Err: err}
	}
	return u, nil
}

// List returns every update of the mission in insertion order.
func (l Log) List(ctx context.Context, missionID string) ([]domain.MissionUpdate, error) {
	return l.ListAfter(ctx, missionID, 0, 0)
}

// ListAfter returns updates with seq greater than afterSeq. A non-positive limit means no limit.
func (l Log) ListAfter(ctx context.Context, missionID string, afterSeq int64, limit int) ([]domain.MissionUpdate, error) {
	query := `SELECT mission_id,seq,message,update_type,ts FROM mission_updates WHERE mission_id=? AND seq>? ORDER BY seq ASC`
	args := []any{missionID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &repo.StorageError{Op: "list updates", Err: err}
	}
	defer rows.Close()
	res := []domain.MissionUpdate{}
	for rows.Next() {
		var u domain.MissionUpdate
		if err := rows.Scan(&u.MissionID, &u.Seq, &u.Message, &u.UpdateType, &u.Timestamp); err != nil {
			return nil, &repo.StorageError{Op: "scan update", Err: err}
		}
		res = append(res, u)
	}
	if err := rows.Err(); err != nil {
		return nil, &repo.StorageError{Op: "list updates", Err: err}
	}
	return res, nil
}
