package rqlite

import (
	"context"
	ssql "database/sql"
	"fmt"
	"time"

	"github.com/pbinitiative/zenrepo/internal/sql"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
)

const jobDefinitionColumns = `key, definition_id, activity_id, handler_type, configuration, suspension_state`

func scanJobDefinition(row scanner) (runtime.JobDefinition, error) {
	var jd runtime.JobDefinition
	err := row.Scan(&jd.Key, &jd.DefinitionId, &jd.ActivityId, &jd.HandlerType, &jd.Configuration, &jd.SuspensionState)
	return jd, err
}

var _ storage.JobDefinitionStorageReader = &DB{}

func (rq *DB) FindJobDefinitionByKey(ctx context.Context, key int64) (runtime.JobDefinition, error) {
	row := rq.QueryRowContext(ctx, `SELECT `+jobDefinitionColumns+` FROM job_definition WHERE key = ?`, key)
	jd, err := scanJobDefinition(row)
	if err != nil {
		return jd, fmt.Errorf("failed to find job definition %d: %w", key, err)
	}
	return jd, nil
}

func (rq *DB) FindJobDefinitionsByDefinitionId(ctx context.Context, definitionId string) ([]runtime.JobDefinition, error) {
	rows, err := rq.QueryContext(ctx, `SELECT `+jobDefinitionColumns+` FROM job_definition WHERE definition_id = ? ORDER BY activity_id`, definitionId)
	if err != nil {
		return nil, fmt.Errorf("failed to find job definitions of %s: %w", definitionId, err)
	}
	defer rows.Close()
	res := make([]runtime.JobDefinition, 0)
	for rows.Next() {
		jd, err := scanJobDefinition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, jd)
	}
	return res, nil
}

func (rq *DB) SaveJobDefinition(ctx context.Context, jobDefinition runtime.JobDefinition) error {
	return rq.exec(ctx, func(b *DBBatch) error { return b.SaveJobDefinition(ctx, jobDefinition) })
}

func (rq *DB) DeleteJobDefinition(ctx context.Context, key int64) error {
	return rq.exec(ctx, func(b *DBBatch) error { return b.DeleteJobDefinition(ctx, key) })
}

var _ storage.JobDefinitionStorageWriter = &DBBatch{}

func (b *DBBatch) SaveJobDefinition(ctx context.Context, jd runtime.JobDefinition) error {
	return b.add(`INSERT OR REPLACE INTO job_definition (`+jobDefinitionColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		jd.Key, jd.DefinitionId, jd.ActivityId, jd.HandlerType, jd.Configuration, int(jd.SuspensionState))
}

func (b *DBBatch) DeleteJobDefinition(ctx context.Context, key int64) error {
	return b.add(`DELETE FROM job_definition WHERE key = ?`, key)
}

const jobColumns = `key, type, job_definition_key, definition_id, deployment_id, process_instance_key, handler_type, handler_config, due_date, retries, suspension_state, tenant_id, created_at`

func scanJob(row scanner) (runtime.Job, error) {
	var j runtime.Job
	var jobDefinitionKey, processInstanceKey, dueDate ssql.NullInt64
	var definitionId, deploymentId, tenantId ssql.NullString
	err := row.Scan(&j.Key, &j.Type, &jobDefinitionKey, &definitionId, &deploymentId, &processInstanceKey, &j.HandlerType,
		&j.HandlerConfig, &dueDate, &j.Retries, &j.SuspensionState, &tenantId, &j.CreatedAt)
	if err != nil {
		return j, err
	}
	j.JobDefinitionKey = sql.FromNullInt64(jobDefinitionKey)
	j.DefinitionId = sql.FromNullString(definitionId)
	j.DeploymentId = sql.FromNullString(deploymentId)
	j.ProcessInstanceKey = sql.FromNullInt64(processInstanceKey)
	j.DueDate = sql.FromNullTime(dueDate)
	j.TenantId = sql.FromNullString(tenantId)
	return j, nil
}

func (rq *DB) queryJobs(ctx context.Context, query string, args ...interface{}) ([]runtime.Job, error) {
	rows, err := rq.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]runtime.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, nil
}

var _ storage.JobStorageReader = &DB{}

func (rq *DB) FindJobByKey(ctx context.Context, key int64) (runtime.Job, error) {
	row := rq.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job WHERE key = ?`, key)
	j, err := scanJob(row)
	if err != nil {
		return j, fmt.Errorf("failed to find job %d: %w", key, err)
	}
	return j, nil
}

func (rq *DB) FindJobsByDefinitionId(ctx context.Context, definitionId string) ([]runtime.Job, error) {
	jobs, err := rq.queryJobs(ctx, `SELECT `+jobColumns+` FROM job WHERE definition_id = ? ORDER BY created_at`, definitionId)
	if err != nil {
		return nil, fmt.Errorf("failed to find jobs of definition %s: %w", definitionId, err)
	}
	return jobs, nil
}

func (rq *DB) FindJobsByProcessInstanceKey(ctx context.Context, processInstanceKey int64) ([]runtime.Job, error) {
	jobs, err := rq.queryJobs(ctx, `SELECT `+jobColumns+` FROM job WHERE process_instance_key = ? ORDER BY created_at`, processInstanceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to find jobs of process instance %d: %w", processInstanceKey, err)
	}
	return jobs, nil
}

func (rq *DB) FindJobsByHandlerType(ctx context.Context, handlerType string) ([]runtime.Job, error) {
	jobs, err := rq.queryJobs(ctx, `SELECT `+jobColumns+` FROM job WHERE handler_type = ? ORDER BY created_at`, handlerType)
	if err != nil {
		return nil, fmt.Errorf("failed to find jobs with handler %s: %w", handlerType, err)
	}
	return jobs, nil
}

func (rq *DB) FindDueJobs(ctx context.Context, now time.Time, limit int) ([]runtime.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job WHERE suspension_state = ? AND retries > 0 AND (due_date IS NULL OR due_date <= ?)
		ORDER BY due_date IS NOT NULL, due_date, created_at`
	args := []interface{}{int(runtime.SuspensionStateActive), now.UnixNano()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	jobs, err := rq.queryJobs(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find due jobs: %w", err)
	}
	return jobs, nil
}

func (rq *DB) SaveJob(ctx context.Context, job runtime.Job) error {
	return rq.exec(ctx, func(b *DBBatch) error { return b.SaveJob(ctx, job) })
}

func (rq *DB) DeleteJob(ctx context.Context, key int64) error {
	return rq.exec(ctx, func(b *DBBatch) error { return b.DeleteJob(ctx, key) })
}

var _ storage.JobStorageWriter = &DBBatch{}

func (b *DBBatch) SaveJob(ctx context.Context, job runtime.Job) error {
	return b.add(`INSERT OR REPLACE INTO job (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.Key,
		string(job.Type),
		sql.ToNullInt64(job.JobDefinitionKey),
		sql.ToNullString(job.DefinitionId),
		sql.ToNullString(job.DeploymentId),
		sql.ToNullInt64(job.ProcessInstanceKey),
		job.HandlerType,
		job.HandlerConfig,
		sql.ToNullTime(job.DueDate),
		job.Retries,
		int(job.SuspensionState),
		sql.ToNullString(job.TenantId),
		job.CreatedAt.UnixNano(),
	)
}

func (b *DBBatch) DeleteJob(ctx context.Context, key int64) error {
	return b.add(`DELETE FROM job WHERE key = ?`, key)
}
