package rqlite

import (
	"context"
	ssql "database/sql"
	"fmt"

	"github.com/pbinitiative/zenrepo/internal/sql"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
)

const definitionColumns = `id, kind, key, version, tenant_id, deployment_id, category, name, resource_name, history_time_to_live, version_tag, suspension_state`

func scanDefinition(row scanner) (runtime.Definition, error) {
	var d runtime.Definition
	var tenantId string
	var historyTimeToLive ssql.NullInt64
	var versionTag ssql.NullString
	err := row.Scan(&d.Id, &d.Kind, &d.Key, &d.Version, &tenantId, &d.DeploymentId, &d.Category, &d.Name, &d.ResourceName,
		&historyTimeToLive, &versionTag, &d.SuspensionState)
	if err != nil {
		return d, err
	}
	d.TenantId = tenantFromColumn(tenantId)
	d.HistoryTimeToLive = sql.FromNullInt32(historyTimeToLive)
	d.VersionTag = sql.FromNullString(versionTag)
	return d, nil
}

func (rq *DB) queryDefinitions(ctx context.Context, query string, args ...interface{}) ([]runtime.Definition, error) {
	rows, err := rq.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]runtime.Definition, 0)
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, nil
}

var _ storage.DefinitionStorageReader = &DB{}

func (rq *DB) FindDefinitionById(ctx context.Context, definitionId string) (runtime.Definition, error) {
	row := rq.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM definition WHERE id = ?`, definitionId)
	d, err := scanDefinition(row)
	if err != nil {
		return d, fmt.Errorf("failed to find definition %s: %w", definitionId, err)
	}
	return d, nil
}

func (rq *DB) FindDefinitions(ctx context.Context, filter storage.DefinitionFilter) ([]runtime.Definition, error) {
	query := `SELECT ` + definitionColumns + ` FROM definition WHERE kind = ? AND key = ?`
	args := []interface{}{string(filter.Kind), filter.Key}
	switch {
	case filter.TenantId != nil:
		query += ` AND tenant_id = ?`
		args = append(args, *filter.TenantId)
	case filter.WithoutTenant:
		query += ` AND tenant_id = ''`
	}
	query += ` ORDER BY tenant_id, version`
	defs, err := rq.queryDefinitions(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find definitions %s %s: %w", filter.Kind, filter.Key, err)
	}
	return defs, nil
}

func (rq *DB) FindLatestDefinition(ctx context.Context, kind runtime.DefinitionKind, key string, tenantId *string) (runtime.Definition, error) {
	row := rq.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM definition WHERE kind = ? AND key = ? AND tenant_id = ?
		ORDER BY version DESC LIMIT 1`, string(kind), key, tenantColumn(tenantId))
	d, err := scanDefinition(row)
	if err != nil {
		return d, fmt.Errorf("failed to find latest definition %s %s: %w", kind, key, err)
	}
	return d, nil
}

func (rq *DB) FindDefinitionsByDeploymentId(ctx context.Context, deploymentId string) ([]runtime.Definition, error) {
	defs, err := rq.queryDefinitions(ctx, `SELECT `+definitionColumns+` FROM definition WHERE deployment_id = ?
		ORDER BY key, tenant_id, version`, deploymentId)
	if err != nil {
		return nil, fmt.Errorf("failed to find definitions of deployment %s: %w", deploymentId, err)
	}
	return defs, nil
}

func (rq *DB) FindLatestDefinitionVersion(ctx context.Context, kind runtime.DefinitionKind, key string, tenantId *string) (int32, error) {
	var version int32
	err := rq.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM definition_version WHERE kind = ? AND key = ? AND tenant_id = ?`,
		string(kind), key, tenantColumn(tenantId)).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest version of %s %s: %w", kind, key, err)
	}
	return version, nil
}

func (rq *DB) SaveDefinition(ctx context.Context, definition runtime.Definition) error {
	return rq.exec(ctx, func(b *DBBatch) error { return b.SaveDefinition(ctx, definition) })
}

func (rq *DB) UpdateDefinitionSuspensionState(ctx context.Context, definitionId string, state runtime.SuspensionState) error {
	return rq.exec(ctx, func(b *DBBatch) error { return b.UpdateDefinitionSuspensionState(ctx, definitionId, state) })
}

func (rq *DB) DeleteDefinition(ctx context.Context, definitionId string) error {
	return rq.exec(ctx, func(b *DBBatch) error { return b.DeleteDefinition(ctx, definitionId) })
}

var _ storage.DefinitionStorageWriter = &DBBatch{}

func (b *DBBatch) SaveDefinition(ctx context.Context, definition runtime.Definition) error {
	_ = b.add(`INSERT INTO definition_version (kind, key, tenant_id, version) VALUES (?, ?, ?, ?)`,
		string(definition.Kind), definition.Key, tenantColumn(definition.TenantId), definition.Version)
	return b.add(`INSERT INTO definition (`+definitionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		definition.Id,
		string(definition.Kind),
		definition.Key,
		definition.Version,
		tenantColumn(definition.TenantId),
		definition.DeploymentId,
		definition.Category,
		definition.Name,
		definition.ResourceName,
		sql.ToNullInt64(definition.HistoryTimeToLive),
		sql.ToNullString(definition.VersionTag),
		int(definition.SuspensionState),
	)
}

func (b *DBBatch) UpdateDefinitionSuspensionState(ctx context.Context, definitionId string, state runtime.SuspensionState) error {
	return b.add(`UPDATE definition SET suspension_state = ? WHERE id = ?`, int(state), definitionId)
}

func (b *DBBatch) DeleteDefinition(ctx context.Context, definitionId string) error {
	return b.add(`DELETE FROM definition WHERE id = ?`, definitionId)
}
