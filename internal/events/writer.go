// Package events appends rows to the append-only settlement stream. Writers
// run inside the caller's transaction so an event commits with the state
// change it describes; consumers (webhooks, log tail) poll the table.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted by the engine.
const (
	TaskCreated       = "task.created"
	TaskAborted       = "task.aborted"
	VoteAccepted      = "vote.accepted"
	PhaseEscalated    = "phase.escalated"
	ConsensusWin      = "consensus.win"
	ConsensusLoss     = "consensus.loss"
	ConsensusNone     = "consensus.none"
	PenaltyEntryReset = "penalty.entry_reset"
	PenaltyMidBurn    = "penalty.mid_stake_burn"
	PenaltySeniorBan  = "penalty.senior_ban"
	RewardPaid        = "reward.paid"
	BadgeAwarded      = "badge.awarded"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event. When tx is nil the write goes straight to the DB;
// settlement fan-out uses that path so a notification failure cannot roll
// back the verdict.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, taskID, voterID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	query := `INSERT INTO events(ts,type,task_id,voter_id,payload_json) VALUES (?,?,?,?,?)`
	args := []any{ts, evtType, nullable(taskID), nullable(voterID), string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, query, args...)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
