package inmemory

import (
	"context"
	"fmt"

	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
)

type StorageBatch struct {
	db               *Storage
	stmtToRun        []func(s *state) error
	preFlushActions  []func() error
	postFlushActions []func()
}

var _ storage.Batch = &StorageBatch{}

func (b *StorageBatch) AddPreFlushAction(ctx context.Context, f func() error) {
	b.preFlushActions = append(b.preFlushActions, f)
}

func (b *StorageBatch) AddPostFlushAction(ctx context.Context, f func()) {
	b.postFlushActions = append(b.postFlushActions, f)
}

// Flush applies all collected statements at once, a failing statement discards the whole batch
func (b *StorageBatch) Flush(ctx context.Context) error {
	defer b.reset()
	for _, action := range b.preFlushActions {
		if err := action(); err != nil {
			return fmt.Errorf("failed pre-flush action: %w", err)
		}
	}
	if err := b.db.apply(b.stmtToRun); err != nil {
		return err
	}
	for _, action := range b.postFlushActions {
		action()
	}
	return nil
}

func (b *StorageBatch) reset() {
	b.stmtToRun = make([]func(s *state) error, 0, 10)
	b.preFlushActions = nil
	b.postFlushActions = nil
}

func (b *StorageBatch) add(stmt func(s *state) error) error {
	b.stmtToRun = append(b.stmtToRun, stmt)
	return nil
}

var _ storage.DeploymentStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveDeployment(ctx context.Context, deployment runtime.Deployment) error {
	return b.add(saveDeployment(deployment))
}

func (b *StorageBatch) SaveResource(ctx context.Context, resource runtime.Resource) error {
	return b.add(saveResource(resource))
}

func (b *StorageBatch) DeleteDeployment(ctx context.Context, deploymentId string) error {
	return b.add(deleteDeployment(deploymentId))
}

var _ storage.DefinitionStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveDefinition(ctx context.Context, definition runtime.Definition) error {
	return b.add(saveDefinition(definition))
}

func (b *StorageBatch) UpdateDefinitionSuspensionState(ctx context.Context, definitionId string, suspensionState runtime.SuspensionState) error {
	return b.add(updateDefinitionSuspensionState(definitionId, suspensionState))
}

func (b *StorageBatch) DeleteDefinition(ctx context.Context, definitionId string) error {
	return b.add(deleteDefinition(definitionId))
}

var _ storage.JobDefinitionStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveJobDefinition(ctx context.Context, jobDefinition runtime.JobDefinition) error {
	return b.add(saveJobDefinition(jobDefinition))
}

func (b *StorageBatch) DeleteJobDefinition(ctx context.Context, key int64) error {
	return b.add(deleteJobDefinition(key))
}

var _ storage.JobStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveJob(ctx context.Context, job runtime.Job) error {
	return b.add(saveJob(job))
}

func (b *StorageBatch) DeleteJob(ctx context.Context, key int64) error {
	return b.add(deleteJob(key))
}

var _ storage.ProcessInstanceStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	return b.add(saveProcessInstance(processInstance))
}

func (b *StorageBatch) DeleteProcessInstance(ctx context.Context, processInstanceKey int64) error {
	return b.add(deleteProcessInstance(processInstanceKey))
}

var _ storage.TaskStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveTask(ctx context.Context, task runtime.Task) error {
	return b.add(saveTask(task))
}

func (b *StorageBatch) DeleteTask(ctx context.Context, key int64) error {
	return b.add(deleteTask(key))
}

var _ storage.HistoryStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveHistoryEvent(ctx context.Context, event runtime.HistoryEvent) error {
	return b.add(saveHistoryEvent(event))
}

func (b *StorageBatch) DeleteHistoryEventsByDefinitionId(ctx context.Context, definitionId string) error {
	return b.add(deleteHistoryEventsByDefinitionId(definitionId))
}
