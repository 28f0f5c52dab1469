package rqlite

import (
	"context"
	ssql "database/sql"
	"encoding/json"
	"fmt"

	"github.com/pbinitiative/zenrepo/internal/sql"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
)

const processInstanceColumns = `key, definition_id, tenant_id, business_key, activity_id, variables, suspension_state, created_at`

func scanProcessInstance(row scanner) (runtime.ProcessInstance, error) {
	var pi runtime.ProcessInstance
	var tenantId ssql.NullString
	var variables string
	err := row.Scan(&pi.Key, &pi.DefinitionId, &tenantId, &pi.BusinessKey, &pi.ActivityId, &variables, &pi.SuspensionState, &pi.CreatedAt)
	if err != nil {
		return pi, err
	}
	pi.TenantId = sql.FromNullString(tenantId)
	pi.Variables = map[string]any{}
	if variables != "" {
		if err := json.Unmarshal([]byte(variables), &pi.Variables); err != nil {
			return pi, fmt.Errorf("failed to unmarshal variables of process instance %d: %w", pi.Key, err)
		}
	}
	return pi, nil
}

var _ storage.ProcessInstanceStorageReader = &DB{}

func (rq *DB) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	row := rq.QueryRowContext(ctx, `SELECT `+processInstanceColumns+` FROM process_instance WHERE key = ?`, processInstanceKey)
	pi, err := scanProcessInstance(row)
	if err != nil {
		return pi, fmt.Errorf("failed to find process instance %d: %w", processInstanceKey, err)
	}
	return pi, nil
}

func (rq *DB) FindProcessInstancesByDefinitionId(ctx context.Context, definitionId string) ([]runtime.ProcessInstance, error) {
	rows, err := rq.QueryContext(ctx, `SELECT `+processInstanceColumns+` FROM process_instance WHERE definition_id = ? ORDER BY created_at`, definitionId)
	if err != nil {
		return nil, fmt.Errorf("failed to find process instances of %s: %w", definitionId, err)
	}
	defer rows.Close()
	res := make([]runtime.ProcessInstance, 0)
	for rows.Next() {
		pi, err := scanProcessInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, pi)
	}
	return res, nil
}

func (rq *DB) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	return rq.exec(ctx, func(b *DBBatch) error { return b.SaveProcessInstance(ctx, processInstance) })
}

func (rq *DB) DeleteProcessInstance(ctx context.Context, processInstanceKey int64) error {
	return rq.exec(ctx, func(b *DBBatch) error { return b.DeleteProcessInstance(ctx, processInstanceKey) })
}

var _ storage.ProcessInstanceStorageWriter = &DBBatch{}

func (b *DBBatch) SaveProcessInstance(ctx context.Context, pi runtime.ProcessInstance) error {
	variables := pi.Variables
	if variables == nil {
		variables = map[string]any{}
	}
	varBytes, err := json.Marshal(variables)
	if err != nil {
		return fmt.Errorf("failed to marshal variables of process instance %d: %w", pi.Key, err)
	}
	return b.add(`INSERT OR REPLACE INTO process_instance (`+processInstanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pi.Key,
		pi.DefinitionId,
		sql.ToNullString(pi.TenantId),
		pi.BusinessKey,
		pi.ActivityId,
		string(varBytes),
		int(pi.SuspensionState),
		pi.CreatedAt.UnixNano(),
	)
}

func (b *DBBatch) DeleteProcessInstance(ctx context.Context, processInstanceKey int64) error {
	return b.add(`DELETE FROM process_instance WHERE key = ?`, processInstanceKey)
}

const taskColumns = `key, process_instance_key, definition_id, activity_id, name, suspension_state, created_at`

var _ storage.TaskStorageReader = &DB{}

func (rq *DB) FindTasksByProcessInstanceKey(ctx context.Context, processInstanceKey int64) ([]runtime.Task, error) {
	rows, err := rq.QueryContext(ctx, `SELECT `+taskColumns+` FROM task WHERE process_instance_key = ? ORDER BY created_at`, processInstanceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to find tasks of process instance %d: %w", processInstanceKey, err)
	}
	defer rows.Close()
	res := make([]runtime.Task, 0)
	for rows.Next() {
		var t runtime.Task
		err := rows.Scan(&t.Key, &t.ProcessInstanceKey, &t.DefinitionId, &t.ActivityId, &t.Name, &t.SuspensionState, &t.CreatedAt)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

func (rq *DB) SaveTask(ctx context.Context, task runtime.Task) error {
	return rq.exec(ctx, func(b *DBBatch) error { return b.SaveTask(ctx, task) })
}

func (rq *DB) DeleteTask(ctx context.Context, key int64) error {
	return rq.exec(ctx, func(b *DBBatch) error { return b.DeleteTask(ctx, key) })
}

var _ storage.TaskStorageWriter = &DBBatch{}

func (b *DBBatch) SaveTask(ctx context.Context, t runtime.Task) error {
	return b.add(`INSERT OR REPLACE INTO task (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.Key, t.ProcessInstanceKey, t.DefinitionId, t.ActivityId, t.Name, int(t.SuspensionState), t.CreatedAt.UnixNano())
}

func (b *DBBatch) DeleteTask(ctx context.Context, key int64) error {
	return b.add(`DELETE FROM task WHERE key = ?`, key)
}

const historyEventColumns = `key, definition_id, process_instance_key, type, details, created_at`

var _ storage.HistoryStorageReader = &DB{}

func (rq *DB) FindHistoryEventsByDefinitionId(ctx context.Context, definitionId string) ([]runtime.HistoryEvent, error) {
	rows, err := rq.QueryContext(ctx, `SELECT `+historyEventColumns+` FROM history_event WHERE definition_id = ? ORDER BY created_at`, definitionId)
	if err != nil {
		return nil, fmt.Errorf("failed to find history of %s: %w", definitionId, err)
	}
	defer rows.Close()
	res := make([]runtime.HistoryEvent, 0)
	for rows.Next() {
		var e runtime.HistoryEvent
		var processInstanceKey ssql.NullInt64
		err := rows.Scan(&e.Key, &e.DefinitionId, &processInstanceKey, &e.Type, &e.Details, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		e.ProcessInstanceKey = sql.FromNullInt64(processInstanceKey)
		res = append(res, e)
	}
	return res, nil
}

func (rq *DB) SaveHistoryEvent(ctx context.Context, event runtime.HistoryEvent) error {
	return rq.exec(ctx, func(b *DBBatch) error { return b.SaveHistoryEvent(ctx, event) })
}

func (rq *DB) DeleteHistoryEventsByDefinitionId(ctx context.Context, definitionId string) error {
	return rq.exec(ctx, func(b *DBBatch) error { return b.DeleteHistoryEventsByDefinitionId(ctx, definitionId) })
}

var _ storage.HistoryStorageWriter = &DBBatch{}

func (b *DBBatch) SaveHistoryEvent(ctx context.Context, e runtime.HistoryEvent) error {
	return b.add(`INSERT OR REPLACE INTO history_event (`+historyEventColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Key, e.DefinitionId, sql.ToNullInt64(e.ProcessInstanceKey), string(e.Type), e.Details, e.CreatedAt.UnixNano())
}

func (b *DBBatch) DeleteHistoryEventsByDefinitionId(ctx context.Context, definitionId string) error {
	return b.add(`DELETE FROM history_event WHERE definition_id = ?`, definitionId)
}
