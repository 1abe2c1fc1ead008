package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"missionline/internal/domain"
)

// Lifecycle event types written alongside mission transitions.
const (
	MissionCreated   = "mission.created"
	MissionExecuting = "mission.executing"
	MissionCompleted = "mission.completed"
	MissionFailed    = "mission.failed"
)

// TypeForStatus returns the lifecycle event emitted on arrival at status.
func TypeForStatus(status domain.MissionStatus) string {
	switch status {
	case domain.StatusPending:
		return MissionCreated
	case domain.StatusExecuting:
		return MissionExecuting
	case domain.StatusCompleted:
		return MissionCompleted
	default:
		return MissionFailed
	}
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside tx so it commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := domain.FormatTime(w.Now())
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
