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

const deploymentColumns = `id, name, deployment_time, source, tenant_id, process_application`

func tenantColumn(tenantId *string) string {
	if tenantId == nil {
		return ""
	}
	return *tenantId
}

func tenantFromColumn(tenantId string) *string {
	if tenantId == "" {
		return nil
	}
	return &tenantId
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row scanner) (runtime.Deployment, error) {
	var d runtime.Deployment
	var deploymentTime int64
	var source, processApplication ssql.NullString
	var tenantId string
	err := row.Scan(&d.Id, &d.Name, &deploymentTime, &source, &tenantId, &processApplication)
	if err != nil {
		return d, err
	}
	d.DeploymentTime = time.Unix(0, deploymentTime)
	d.Source = sql.FromNullString(source)
	d.TenantId = tenantFromColumn(tenantId)
	d.ProcessApplication = sql.FromNullString(processApplication)
	return d, nil
}

var _ storage.DeploymentStorageReader = &DB{}

func (rq *DB) FindDeploymentById(ctx context.Context, deploymentId string) (runtime.Deployment, error) {
	row := rq.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployment WHERE id = ?`, deploymentId)
	d, err := scanDeployment(row)
	if err != nil {
		return d, fmt.Errorf("failed to find deployment %s: %w", deploymentId, err)
	}
	return d, nil
}

func (rq *DB) FindLatestDeploymentByName(ctx context.Context, name string, tenantId *string) (runtime.Deployment, error) {
	row := rq.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployment WHERE name = ? AND tenant_id = ?
		ORDER BY deployment_time DESC, rowid DESC LIMIT 1`, name, tenantColumn(tenantId))
	d, err := scanDeployment(row)
	if err != nil {
		return d, fmt.Errorf("failed to find latest deployment %s: %w", name, err)
	}
	return d, nil
}

func (rq *DB) FindDeploymentsByName(ctx context.Context, name string, tenantId *string) ([]runtime.Deployment, error) {
	rows, err := rq.QueryContext(ctx, `SELECT `+deploymentColumns+` FROM deployment WHERE name = ? AND tenant_id = ?
		ORDER BY deployment_time, rowid`, name, tenantColumn(tenantId))
	if err != nil {
		return nil, fmt.Errorf("failed to find deployments %s: %w", name, err)
	}
	defer rows.Close()
	res := make([]runtime.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, nil
}

func scanResource(row scanner) (runtime.Resource, error) {
	var r runtime.Resource
	err := row.Scan(&r.Id, &r.DeploymentId, &r.Name, &r.Bytes)
	return r, err
}

func (rq *DB) FindResourcesByDeploymentId(ctx context.Context, deploymentId string) ([]runtime.Resource, error) {
	rows, err := rq.QueryContext(ctx, `SELECT id, deployment_id, name, bytes FROM resource WHERE deployment_id = ? ORDER BY name`, deploymentId)
	if err != nil {
		return nil, fmt.Errorf("failed to find resources of deployment %s: %w", deploymentId, err)
	}
	defer rows.Close()
	res := make([]runtime.Resource, 0)
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, nil
}

func (rq *DB) FindResource(ctx context.Context, deploymentId string, resourceName string) (runtime.Resource, error) {
	row := rq.QueryRowContext(ctx, `SELECT id, deployment_id, name, bytes FROM resource WHERE deployment_id = ? AND name = ?`, deploymentId, resourceName)
	r, err := scanResource(row)
	if err != nil {
		return r, fmt.Errorf("failed to find resource %s of deployment %s: %w", resourceName, deploymentId, err)
	}
	return r, nil
}

func (rq *DB) SaveDeployment(ctx context.Context, deployment runtime.Deployment) error {
	return rq.exec(ctx, func(b *DBBatch) error { return b.SaveDeployment(ctx, deployment) })
}

func (rq *DB) SaveResource(ctx context.Context, resource runtime.Resource) error {
	return rq.exec(ctx, func(b *DBBatch) error { return b.SaveResource(ctx, resource) })
}

func (rq *DB) DeleteDeployment(ctx context.Context, deploymentId string) error {
	return rq.exec(ctx, func(b *DBBatch) error { return b.DeleteDeployment(ctx, deploymentId) })
}

var _ storage.DeploymentStorageWriter = &DBBatch{}

func (b *DBBatch) SaveDeployment(ctx context.Context, deployment runtime.Deployment) error {
	return b.add(`INSERT INTO deployment (`+deploymentColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		deployment.Id,
		deployment.Name,
		deployment.DeploymentTime.UnixNano(),
		sql.ToNullString(deployment.Source),
		tenantColumn(deployment.TenantId),
		sql.ToNullString(deployment.ProcessApplication),
	)
}

func (b *DBBatch) SaveResource(ctx context.Context, resource runtime.Resource) error {
	return b.add(`INSERT INTO resource (id, deployment_id, name, bytes) VALUES (?, ?, ?, ?)`,
		resource.Id, resource.DeploymentId, resource.Name, resource.Bytes)
}

func (b *DBBatch) DeleteDeployment(ctx context.Context, deploymentId string) error {
	_ = b.add(`DELETE FROM resource WHERE deployment_id = ?`, deploymentId)
	return b.add(`DELETE FROM deployment WHERE id = ?`, deploymentId)
}
