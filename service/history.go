package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"devicegate/models"
)

// HistoryStore persists executed actions and agent runs to sqlite. All
// writes are best-effort from the caller's point of view: history failures
// are logged, never propagated into the control path.
type HistoryStore struct {
	db *sql.DB
}

func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// RecordAction upserts an action row; called once when the action is
// queued and again with the final status.
func (h *HistoryStore) RecordAction(ctx context.Context, a *models.Action) error {
	params, err := json.Marshal(a.Params)
	if err != nil {
		params = []byte("{}")
	}
	_, err = h.db.ExecContext(ctx, `
		INSERT INTO actions (id, device_id, type, params, status, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, result = excluded.result`,
		a.ID, a.DeviceID, a.Type, string(params), a.Status, a.Result, a.Timestamp)
	return err
}

// ListActions returns the most recent actions for a device, newest first.
func (h *HistoryStore) ListActions(ctx context.Context, deviceID string, limit int) ([]*models.Action, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, device_id, type, params, status, result, created_at
		FROM actions WHERE device_id = ?
		ORDER BY created_at DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*models.Action
	for rows.Next() {
		var a models.Action
		var params string
		var result sql.NullString
		if err := rows.Scan(&a.ID, &a.DeviceID, &a.Type, &params, &a.Status, &result, &a.Timestamp); err != nil {
			return nil, err
		}
		a.Result = result.String
		json.Unmarshal([]byte(params), &a.Params)
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}

// StartAgentRun records a new agent run in the running state.
func (h *HistoryStore) StartAgentRun(ctx context.Context, run *models.AgentRun) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, device_id, instruction, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.DeviceID, run.Instruction, run.Status, run.StartedAt)
	return err
}

// FinishAgentRun stamps the terminal status of an agent run.
func (h *HistoryStore) FinishAgentRun(ctx context.Context, id, status, result string) error {
	_, err := h.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = ?, result = ?, finished_at = ? WHERE id = ?`,
		status, result, time.Now().Unix(), id)
	return err
}

// ListAgentRuns returns the most recent agent runs for a device.
func (h *HistoryStore) ListAgentRuns(ctx context.Context, deviceID string, limit int) ([]*models.AgentRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, device_id, instruction, status, result, started_at, finished_at
		FROM agent_runs WHERE device_id = ?
		ORDER BY started_at DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.AgentRun
	for rows.Next() {
		var r models.AgentRun
		var result sql.NullString
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Instruction, &r.Status, &result, &r.StartedAt, &finished); err != nil {
			return nil, err
		}
		r.Result = result.String
		r.FinishedAt = finished.Int64
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
