package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"missionline/internal/domain"
	"missionline/internal/events"
)

const defaultPageSize = 50

// Repo is the mission store. It exclusively owns mission rows; every status change goes through
// UpdateMissionStatus.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
	NewID  func() string
}

func New(db *sql.DB) Repo {
	return Repo{DB: db, Events: events.Writer{Now: time.Now}, Now: time.Now, NewID: uuid.NewString}
}

func (r Repo) now() string {
	if r.Now != nil {
		return domain.FormatTime(r.Now())
	}
	return domain.FormatTime(time.Now())
}

func (r Repo) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}

func (r Repo) events() events.Writer {
	w := r.Events
	if w.Now == nil {
		w.Now = r.Now
	}
	return w
}

type scanner interface {
	Scan(dest ...any) error
}

const missionColumns = `id,prompt,agent,status,result,error_message,metadata_json,created_at,updated_at,completed_at`

func scanMission(row scanner) (domain.Mission, error) {
	var (
		m                          domain.Mission
		status                     string
		result, errMsg, meta, done sql.NullString
	)
	err := row.Scan(&m.ID, &m.Prompt, &m.Agent, &status, &result, &errMsg, &meta, &m.CreatedAt, &m.UpdatedAt, &done)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Status = domain.MissionStatus(status)
	if result.Valid {
		m.Result = &result.String
	}
	if errMsg.Valid {
		m.ErrorMessage = &errMsg.String
	}
	if done.Valid {
		m.CompletedAt = &done.String
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &m.Metadata); err != nil {
			return m, fmt.Errorf("decode metadata for mission %s: %w", m.ID, err)
		}
	}
	return m, nil
}

// CreateMission inserts a pending mission and its mission.created event.
func (r Repo) CreateMission(ctx context.Context, prompt, agent string) (domain.Mission, error) {
	now := r.now()
	m := domain.Mission{
		ID:        r.newID(),
		Prompt:    prompt,
		Agent:     agent,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, storageErr("begin create mission", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO missions(id,prompt,agent,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		m.ID, m.Prompt, m.Agent, string(m.Status), m.CreatedAt, m.UpdatedAt); err != nil {
		return domain.Mission{}, storageErr("insert mission", err)
	}
	if err := r.events().Append(ctx, tx, events.MissionCreated, "mission", m.ID, events.EventPayload{
		"status": m.Status,
		"agent":  m.Agent,
	}); err != nil {
		return domain.Mission{}, storageErr("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, storageErr("commit create mission", err)
	}
	return m, nil
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	m, err := scanMission(r.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
	return m, storageErr("get mission", err)
}

func getMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	return scanMission(tx.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

// MissionFilters selects a page of missions, newest first.
type MissionFilters struct {
	Status          domain.MissionStatus
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + missionColumns + ` FROM missions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list missions", err)
	}
	defer rows.Close()
	res := []domain.Mission{}
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, storageErr("scan mission", err)
		}
		res = append(res, m)
	}
	return res, storageErr("list missions", rows.Err())
}

// Missions returns a lazy sequence over every mission matching f, fetched page by page.
// Each range over the sequence starts again from the newest mission.
func (r Repo) Missions(ctx context.Context, f MissionFilters) iter.Seq2[domain.Mission, error] {
	return func(yield func(domain.Mission, error) bool) {
		page := f
		if page.Limit <= 0 {
			page.Limit = defaultPageSize
		}
		for {
			items, err := r.ListMissions(ctx, page)
			if err != nil {
				yield(domain.Mission{}, err)
				return
			}
			for _, m := range items {
				if !yield(m, nil) {
					return
				}
			}
			if len(items) < page.Limit {
				return
			}
			last := items[len(items)-1]
			page.CursorCreatedAt, page.CursorID = last.CreatedAt, last.ID
		}
	}
}

func (r Repo) CountMissionsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM missions GROUP BY status`)
	if err != nil {
		return nil, storageErr("count missions", err)
	}
	defer rows.Close()
	counts := make(map[string]int, len(domain.AllStatuses))
	for _, s := range domain.AllStatuses {
		counts[string(s)] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("count missions", err)
		}
		counts[status] = n
	}
	return counts, storageErr("count missions", rows.Err())
}

// StatusChange is a requested transition. Result applies to completed, Error to failed.
// When From is set the mission must currently be in that status.
type StatusChange struct {
	ID       string
	From     domain.MissionStatus
	To       domain.MissionStatus
	Result   *string
	Error    *string
	Metadata map[string]string
	// OnApply runs once the row has been swapped, before commit, while the transaction holds
	// the write lock. It is not called when the transition is rejected.
	OnApply func(ctx context.Context)
}

const unknownError = "unknown error"

// UpdateMissionStatus moves a mission along one edge of the state machine. The write is a
// compare-and-swap on the status read in the same transaction, so two writers racing for the
// same edge cannot both succeed.
func (r Repo) UpdateMissionStatus(ctx context.Context, ch StatusChange) (domain.Mission, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, storageErr("begin update status", err)
	}
	defer tx.Rollback()

	cur, err := getMissionTx(ctx, tx, ch.ID)
	if err != nil {
		return domain.Mission{}, storageErr("get mission", err)
	}
	if (ch.From != "" && cur.Status != ch.From) || !cur.Status.CanTransitionTo(ch.To) {
		return cur, &TransitionError{MissionID: cur.ID, From: cur.Status, To: ch.To}
	}
	now := r.now()
	next := cur
	next.Status = ch.To
	next.UpdatedAt = now
	switch ch.To {
	case domain.StatusCompleted:
		result := ""
		if ch.Result != nil {
			result = *ch.Result
		}
		next.Result, next.ErrorMessage = &result, nil
		next.Metadata = ch.Metadata
	case domain.StatusFailed:
		msg := unknownError
		if ch.Error != nil && strings.TrimSpace(*ch.Error) != "" {
			msg = *ch.Error
		}
		next.Result, next.ErrorMessage = nil, &msg
		next.Metadata = ch.Metadata
	}
	if next.Status.IsTerminal() && next.CompletedAt == nil {
		next.CompletedAt = &now
	}
	meta, err := marshalMetadata(next.Metadata)
	if err != nil {
		return cur, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE missions SET status=?, result=?, error_message=?, metadata_json=?, updated_at=?, completed_at=? WHERE id=? AND status=?`,
		string(next.Status), nullableStringPtr(next.Result), nullableStringPtr(next.ErrorMessage), meta, next.UpdatedAt,
		nullableStringPtr(next.CompletedAt), next.ID, string(cur.Status))
	if err != nil {
		return cur, storageErr("update mission status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cur, &TransitionError{MissionID: cur.ID, From: cur.Status, To: ch.To}
	}
	if ch.OnApply != nil {
		ch.OnApply(ctx)
	}
	payload := events.EventPayload{"from": cur.Status, "to": next.Status}
	if next.ErrorMessage != nil {
		payload["error"] = *next.ErrorMessage
	}
	if err := r.events().Append(ctx, tx, events.TypeForStatus(next.Status), "mission", next.ID, payload); err != nil {
		return cur, storageErr("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return cur, storageErr("commit update status", err)
	}
	return next, nil
}

func marshalMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
