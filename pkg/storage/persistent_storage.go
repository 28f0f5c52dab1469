// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package storage

import (
	"context"
	"time"

	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
)

// Storage is the interface used by the repository to read and write deployment state.
// Several engine instances may share one Storage, it is the only source of truth between them.
//
// Methods that are expected to return exactly one match MUST return ErrNotFound when the result does not exist
type Storage interface {
	DeploymentStorageReader
	DeploymentStorageWriter
	DefinitionStorageReader
	DefinitionStorageWriter
	JobDefinitionStorageReader
	JobDefinitionStorageWriter
	JobStorageReader
	JobStorageWriter
	ProcessInstanceStorageReader
	ProcessInstanceStorageWriter
	TaskStorageReader
	TaskStorageWriter
	HistoryStorageReader
	HistoryStorageWriter

	GenerateId() int64
	NewBatch() Batch
}

// Batch collects writes and applies them in one transaction on Flush.
// Either every write of the batch is persisted or none is.
type Batch interface {
	DeploymentStorageWriter
	DefinitionStorageWriter
	JobDefinitionStorageWriter
	JobStorageWriter
	ProcessInstanceStorageWriter
	TaskStorageWriter
	HistoryStorageWriter

	// AddPreFlushAction registers f to run before the batch is written, an error aborts the flush
	AddPreFlushAction(ctx context.Context, f func() error)
	// AddPostFlushAction registers f to run after the batch was written successfully
	AddPostFlushAction(ctx context.Context, f func())

	// Flush writes the batch into the storage and prepares the batch for new statements
	Flush(ctx context.Context) error
}

type DeploymentStorageReader interface {
	FindDeploymentById(ctx context.Context, deploymentId string) (runtime.Deployment, error)

	// FindLatestDeploymentByName returns the most recent deployment with given name and tenant
	FindLatestDeploymentByName(ctx context.Context, name string, tenantId *string) (runtime.Deployment, error)

	// FindDeploymentsByName returns deployments with given name and tenant ordered by deployment time
	FindDeploymentsByName(ctx context.Context, name string, tenantId *string) ([]runtime.Deployment, error)

	FindResourcesByDeploymentId(ctx context.Context, deploymentId string) ([]runtime.Resource, error)

	FindResource(ctx context.Context, deploymentId string, resourceName string) (runtime.Resource, error)
}

type DeploymentStorageWriter interface {
	SaveDeployment(ctx context.Context, deployment runtime.Deployment) error

	SaveResource(ctx context.Context, resource runtime.Resource) error

	// DeleteDeployment removes the deployment together with its resources
	DeleteDeployment(ctx context.Context, deploymentId string) error
}

// DefinitionFilter selects definitions of one kind and key.
// A nil TenantId matches every tenant unless WithoutTenant is set, in which case only definitions without tenant match.
type DefinitionFilter struct {
	Kind          runtime.DefinitionKind
	Key           string
	TenantId      *string
	WithoutTenant bool
}

func (f DefinitionFilter) Matches(d runtime.Definition) bool {
	if d.Kind != f.Kind || d.Key != f.Key {
		return false
	}
	switch {
	case f.TenantId != nil:
		return d.TenantId != nil && *d.TenantId == *f.TenantId
	case f.WithoutTenant:
		return d.TenantId == nil
	}
	return true
}

type DefinitionStorageReader interface {
	FindDefinitionById(ctx context.Context, definitionId string) (runtime.Definition, error)

	// FindDefinitions returns definitions matching the filter ordered by version, from 1 (first) to the largest version (last)
	FindDefinitions(ctx context.Context, filter DefinitionFilter) ([]runtime.Definition, error)

	// FindLatestDefinition returns the definition with the highest version for kind, key and exact tenant (nil means no tenant)
	FindLatestDefinition(ctx context.Context, kind runtime.DefinitionKind, key string, tenantId *string) (runtime.Definition, error)

	FindDefinitionsByDeploymentId(ctx context.Context, deploymentId string) ([]runtime.Definition, error)

	// FindLatestDefinitionVersion returns the highest version ever assigned to kind, key and tenant, 0 when none was assigned.
	// Deleted definitions still count.
	FindLatestDefinitionVersion(ctx context.Context, kind runtime.DefinitionKind, key string, tenantId *string) (int32, error)
}

type DefinitionStorageWriter interface {
	// SaveDefinition inserts a new definition and records its version.
	// Flushing fails with ErrConflict when the version is already taken.
	SaveDefinition(ctx context.Context, definition runtime.Definition) error

	UpdateDefinitionSuspensionState(ctx context.Context, definitionId string, state runtime.SuspensionState) error

	DeleteDefinition(ctx context.Context, definitionId string) error
}

type JobDefinitionStorageReader interface {
	FindJobDefinitionByKey(ctx context.Context, key int64) (runtime.JobDefinition, error)

	FindJobDefinitionsByDefinitionId(ctx context.Context, definitionId string) ([]runtime.JobDefinition, error)
}

type JobDefinitionStorageWriter interface {
	// SaveJobDefinition persists the JobDefinition
	// and potentially overwrites prior data stored with given key
	SaveJobDefinition(ctx context.Context, jobDefinition runtime.JobDefinition) error

	DeleteJobDefinition(ctx context.Context, key int64) error
}

type JobStorageReader interface {
	FindJobByKey(ctx context.Context, key int64) (runtime.Job, error)

	// FindJobsByDefinitionId returns jobs that reference the definition directly (start timers, async continuations, delayed transitions)
	FindJobsByDefinitionId(ctx context.Context, definitionId string) ([]runtime.Job, error)

	FindJobsByProcessInstanceKey(ctx context.Context, processInstanceKey int64) ([]runtime.Job, error)

	FindJobsByHandlerType(ctx context.Context, handlerType string) ([]runtime.Job, error)

	// FindDueJobs returns up to limit active jobs with retries left whose due date is empty or not after now, ordered by due date
	FindDueJobs(ctx context.Context, now time.Time, limit int) ([]runtime.Job, error)
}

type JobStorageWriter interface {
	// SaveJob persists the Job
	// and potentially overwrites prior data stored with given key
	SaveJob(ctx context.Context, job runtime.Job) error

	DeleteJob(ctx context.Context, key int64) error
}

type ProcessInstanceStorageReader interface {
	FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error)

	FindProcessInstancesByDefinitionId(ctx context.Context, definitionId string) ([]runtime.ProcessInstance, error)
}

type ProcessInstanceStorageWriter interface {
	// SaveProcessInstance persists the instance
	// and potentially overwrites prior data stored with given process instance key
	SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error

	DeleteProcessInstance(ctx context.Context, processInstanceKey int64) error
}

type TaskStorageReader interface {
	FindTasksByProcessInstanceKey(ctx context.Context, processInstanceKey int64) ([]runtime.Task, error)
}

type TaskStorageWriter interface {
	SaveTask(ctx context.Context, task runtime.Task) error

	DeleteTask(ctx context.Context, key int64) error
}

type HistoryStorageReader interface {
	FindHistoryEventsByDefinitionId(ctx context.Context, definitionId string) ([]runtime.HistoryEvent, error)
}

type HistoryStorageWriter interface {
	SaveHistoryEvent(ctx context.Context, event runtime.HistoryEvent) error

	DeleteHistoryEventsByDefinitionId(ctx context.Context, definitionId string) error
}
