package storagetest

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	stdruntime "runtime"

	"github.com/pbinitiative/zenrepo/pkg/ptr"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type StorageTestFunc func(s storage.Storage, t *testing.T) func(t *testing.T)

// StorageTester runs the same contract against every storage.Storage implementation
type StorageTester struct {
	deployment runtime.Deployment
	resource   runtime.Resource
	definition runtime.Definition
}

func (st *StorageTester) GetTests() map[string]StorageTestFunc {
	tests := map[string]StorageTestFunc{}

	// all test functions need to be registered here
	functions := []StorageTestFunc{
		st.TestDeploymentStorageReader,
		st.TestDeploymentStorageWriter,
		st.TestDefinitionStorageReader,
		st.TestDefinitionVersionConflict,
		st.TestDefinitionVersionSurvivesDelete,
		st.TestDefinitionSuspensionState,
		st.TestJobDefinitionStorage,
		st.TestJobStorage,
		st.TestDueJobs,
		st.TestProcessInstanceStorage,
		st.TestTaskStorage,
		st.TestHistoryStorage,
		st.TestBatchIsAtomic,
		st.TestBatchFlushActions,
	}

	for _, function := range functions {
		funcName := getFunctionName(function)
		strippedName := funcName[strings.LastIndex(funcName, ".")+1:]
		strippedName = strings.TrimSuffix(strippedName, "-fm")
		tests[strippedName] = function
	}
	return tests
}

func getFunctionName(i any) string {
	return stdruntime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}

func newDefinition(s storage.Storage, key string, version int32, deploymentId string) runtime.Definition {
	return runtime.Definition{
		Id:              runtime.DefinitionId(key, version, s.GenerateId()),
		Kind:            runtime.DefinitionKindProcess,
		Key:             key,
		Version:         version,
		DeploymentId:    deploymentId,
		Name:            "name of " + key,
		ResourceName:    "process.bpmn",
		VersionTag:      ptr.To("1.0.0"),
		SuspensionState: runtime.SuspensionStateActive,
	}
}

func (st *StorageTester) PrepareTestData(s storage.Storage, t *testing.T) {
	ctx := t.Context()
	r := s.GenerateId()
	st.deployment = runtime.Deployment{
		Id:             fmt.Sprintf("deployment-%d", r),
		Name:           fmt.Sprintf("deployment-name-%d", r),
		DeploymentTime: time.Now().Truncate(time.Millisecond),
		Source:         ptr.To("process application"),
	}
	st.resource = runtime.Resource{
		Id:           fmt.Sprintf("resource-%d", r),
		DeploymentId: st.deployment.Id,
		Name:         "process.bpmn",
		Bytes:        []byte(fmt.Sprintf("<definitions id=\"%d\"/>", r)),
	}
	st.definition = newDefinition(s, fmt.Sprintf("process-%d", r), 1, st.deployment.Id)

	batch := s.NewBatch()
	require.NoError(t, batch.SaveDeployment(ctx, st.deployment))
	require.NoError(t, batch.SaveResource(ctx, st.resource))
	require.NoError(t, batch.SaveDefinition(ctx, st.definition))
	require.NoError(t, batch.Flush(ctx))
}

func (st *StorageTester) TestDeploymentStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		d, err := s.FindDeploymentById(ctx, st.deployment.Id)
		assert.NoError(t, err)
		assert.Equal(t, st.deployment.Name, d.Name)
		assert.Equal(t, st.deployment.Source, d.Source)
		assert.Nil(t, d.TenantId)
		assert.WithinDuration(t, st.deployment.DeploymentTime, d.DeploymentTime, time.Millisecond)

		_, err = s.FindDeploymentById(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		resources, err := s.FindResourcesByDeploymentId(ctx, st.deployment.Id)
		assert.NoError(t, err)
		assert.Len(t, resources, 1)
		assert.Equal(t, st.resource.Bytes, resources[0].Bytes)

		res, err := s.FindResource(ctx, st.deployment.Id, st.resource.Name)
		assert.NoError(t, err)
		assert.Equal(t, st.resource.Id, res.Id)

		_, err = s.FindResource(ctx, st.deployment.Id, "other.bpmn")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestDeploymentStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		name := fmt.Sprintf("named-%d", s.GenerateId())
		first := runtime.Deployment{Id: fmt.Sprintf("first-%d", s.GenerateId()), Name: name, DeploymentTime: time.Now().Add(-time.Minute)}
		second := runtime.Deployment{Id: fmt.Sprintf("second-%d", s.GenerateId()), Name: name, DeploymentTime: time.Now()}
		tenant := runtime.Deployment{Id: fmt.Sprintf("tenant-%d", s.GenerateId()), Name: name, DeploymentTime: time.Now().Add(time.Minute), TenantId: ptr.To("tenant1")}
		assert.NoError(t, s.SaveDeployment(ctx, first))
		assert.NoError(t, s.SaveDeployment(ctx, second))
		assert.NoError(t, s.SaveDeployment(ctx, tenant))
		assert.NoError(t, s.SaveResource(ctx, runtime.Resource{Id: fmt.Sprintf("r-%d", s.GenerateId()), DeploymentId: second.Id, Name: "a.bpmn", Bytes: []byte("a")}))

		latest, err := s.FindLatestDeploymentByName(ctx, name, nil)
		assert.NoError(t, err)
		assert.Equal(t, second.Id, latest.Id)

		latest, err = s.FindLatestDeploymentByName(ctx, name, ptr.To("tenant1"))
		assert.NoError(t, err)
		assert.Equal(t, tenant.Id, latest.Id)

		all, err := s.FindDeploymentsByName(ctx, name, nil)
		assert.NoError(t, err)
		assert.Len(t, all, 2)
		assert.Equal(t, first.Id, all[0].Id)

		assert.NoError(t, s.DeleteDeployment(ctx, second.Id))
		_, err = s.FindDeploymentById(ctx, second.Id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		resources, err := s.FindResourcesByDeploymentId(ctx, second.Id)
		assert.NoError(t, err)
		assert.Empty(t, resources)

		_, err = s.FindLatestDeploymentByName(ctx, "never-deployed", nil)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestDefinitionStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		def, err := s.FindDefinitionById(ctx, st.definition.Id)
		assert.NoError(t, err)
		assert.Equal(t, st.definition, def)

		_, err = s.FindDefinitionById(ctx, "missing:1:1")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		key := fmt.Sprintf("versions-%d", s.GenerateId())
		deploymentId := fmt.Sprintf("versions-deployment-%d", s.GenerateId())
		batch := s.NewBatch()
		for v := int32(1); v <= 3; v++ {
			assert.NoError(t, batch.SaveDefinition(ctx, newDefinition(s, key, v, deploymentId)))
		}
		tenantDef := newDefinition(s, key, 1, deploymentId)
		tenantDef.TenantId = ptr.To("tenant1")
		assert.NoError(t, batch.SaveDefinition(ctx, tenantDef))
		assert.NoError(t, batch.Flush(ctx))

		all, err := s.FindDefinitions(ctx, storage.DefinitionFilter{Kind: runtime.DefinitionKindProcess, Key: key})
		assert.NoError(t, err)
		assert.Len(t, all, 4)

		withoutTenant, err := s.FindDefinitions(ctx, storage.DefinitionFilter{Kind: runtime.DefinitionKindProcess, Key: key, WithoutTenant: true})
		assert.NoError(t, err)
		assert.Len(t, withoutTenant, 3)
		assert.Equal(t, int32(1), withoutTenant[0].Version)
		assert.Equal(t, int32(3), withoutTenant[2].Version)

		forTenant, err := s.FindDefinitions(ctx, storage.DefinitionFilter{Kind: runtime.DefinitionKindProcess, Key: key, TenantId: ptr.To("tenant1")})
		assert.NoError(t, err)
		assert.Len(t, forTenant, 1)

		latest, err := s.FindLatestDefinition(ctx, runtime.DefinitionKindProcess, key, nil)
		assert.NoError(t, err)
		assert.Equal(t, int32(3), latest.Version)

		_, err = s.FindLatestDefinition(ctx, runtime.DefinitionKindDecision, key, nil)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		byDeployment, err := s.FindDefinitionsByDeploymentId(ctx, deploymentId)
		assert.NoError(t, err)
		assert.Len(t, byDeployment, 4)
	}
}

func (st *StorageTester) TestDefinitionVersionConflict(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		key := fmt.Sprintf("conflict-%d", s.GenerateId())
		assert.NoError(t, s.SaveDefinition(ctx, newDefinition(s, key, 1, st.deployment.Id)))

		batch := s.NewBatch()
		assert.NoError(t, batch.SaveDefinition(ctx, newDefinition(s, key, 1, st.deployment.Id)))
		err := batch.Flush(ctx)
		assert.ErrorIs(t, err, storage.ErrConflict)

		defs, err := s.FindDefinitions(ctx, storage.DefinitionFilter{Kind: runtime.DefinitionKindProcess, Key: key})
		assert.NoError(t, err)
		assert.Len(t, defs, 1)

		// same key in another tenant does not conflict
		other := newDefinition(s, key, 1, st.deployment.Id)
		other.TenantId = ptr.To("tenant1")
		assert.NoError(t, s.SaveDefinition(ctx, other))
	}
}

func (st *StorageTester) TestDefinitionVersionSurvivesDelete(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		key := fmt.Sprintf("deleted-%d", s.GenerateId())
		version, err := s.FindLatestDefinitionVersion(ctx, runtime.DefinitionKindProcess, key, nil)
		assert.NoError(t, err)
		assert.Equal(t, int32(0), version)

		def := newDefinition(s, key, 1, st.deployment.Id)
		assert.NoError(t, s.SaveDefinition(ctx, def))
		assert.NoError(t, s.DeleteDefinition(ctx, def.Id))

		_, err = s.FindDefinitionById(ctx, def.Id)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		version, err = s.FindLatestDefinitionVersion(ctx, runtime.DefinitionKindProcess, key, nil)
		assert.NoError(t, err)
		assert.Equal(t, int32(1), version)

		assert.ErrorIs(t, s.SaveDefinition(ctx, newDefinition(s, key, 1, st.deployment.Id)), storage.ErrConflict)
	}
}

func (st *StorageTester) TestDefinitionSuspensionState(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		def := newDefinition(s, fmt.Sprintf("suspension-%d", s.GenerateId()), 1, st.deployment.Id)
		assert.NoError(t, s.SaveDefinition(ctx, def))
		assert.NoError(t, s.UpdateDefinitionSuspensionState(ctx, def.Id, runtime.SuspensionStateSuspended))

		res, err := s.FindDefinitionById(ctx, def.Id)
		assert.NoError(t, err)
		assert.True(t, res.IsSuspended())
	}
}

func (st *StorageTester) TestJobDefinitionStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		jd := runtime.JobDefinition{
			Key:             s.GenerateId(),
			DefinitionId:    st.definition.Id,
			ActivityId:      "service-task",
			HandlerType:     runtime.HandlerTypeAsyncContinuation,
			Configuration:   "async-before",
			SuspensionState: runtime.SuspensionStateActive,
		}
		assert.NoError(t, s.SaveJobDefinition(ctx, jd))

		res, err := s.FindJobDefinitionByKey(ctx, jd.Key)
		assert.NoError(t, err)
		assert.Equal(t, jd, res)

		jd.SuspensionState = runtime.SuspensionStateSuspended
		assert.NoError(t, s.SaveJobDefinition(ctx, jd))
		byDefinition, err := s.FindJobDefinitionsByDefinitionId(ctx, st.definition.Id)
		assert.NoError(t, err)
		assert.Len(t, byDefinition, 1)
		assert.Equal(t, runtime.SuspensionStateSuspended, byDefinition[0].SuspensionState)

		assert.NoError(t, s.DeleteJobDefinition(ctx, jd.Key))
		_, err = s.FindJobDefinitionByKey(ctx, jd.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestJobStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		instanceKey := s.GenerateId()
		job := runtime.Job{
			Key:                s.GenerateId(),
			Type:               runtime.JobTypeMessage,
			JobDefinitionKey:   ptr.To(s.GenerateId()),
			DefinitionId:       ptr.To(st.definition.Id),
			DeploymentId:       ptr.To(st.deployment.Id),
			ProcessInstanceKey: ptr.To(instanceKey),
			HandlerType:        runtime.HandlerTypeAsyncContinuation,
			HandlerConfig:      `{"activityId":"service-task"}`,
			Retries:            3,
			SuspensionState:    runtime.SuspensionStateActive,
			CreatedAt:          time.Now(),
		}
		assert.NoError(t, s.SaveJob(ctx, job))

		res, err := s.FindJobByKey(ctx, job.Key)
		assert.NoError(t, err)
		assert.Equal(t, job.HandlerConfig, res.HandlerConfig)
		assert.Equal(t, job.ProcessInstanceKey, res.ProcessInstanceKey)
		assert.Equal(t, job.JobDefinitionKey, res.JobDefinitionKey)
		assert.Nil(t, res.DueDate)

		byInstance, err := s.FindJobsByProcessInstanceKey(ctx, instanceKey)
		assert.NoError(t, err)
		assert.Len(t, byInstance, 1)

		byDefinition, err := s.FindJobsByDefinitionId(ctx, st.definition.Id)
		assert.NoError(t, err)
		assert.Len(t, byDefinition, 1)

		byHandler, err := s.FindJobsByHandlerType(ctx, runtime.HandlerTypeAsyncContinuation)
		assert.NoError(t, err)
		assert.NotEmpty(t, byHandler)

		assert.NoError(t, s.DeleteJob(ctx, job.Key))
		_, err = s.FindJobByKey(ctx, job.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestDueJobs(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		now := time.Now()
		newTimer := func(due time.Time, state runtime.SuspensionState, retries int32) runtime.Job {
			return runtime.Job{
				Key:             s.GenerateId(),
				Type:            runtime.JobTypeTimer,
				HandlerType:     "due-jobs-test",
				DueDate:         ptr.To(due),
				Retries:         retries,
				SuspensionState: state,
				CreatedAt:       now,
			}
		}
		due := newTimer(now.Add(-time.Minute), runtime.SuspensionStateActive, 1)
		later := newTimer(now.Add(time.Hour), runtime.SuspensionStateActive, 1)
		suspended := newTimer(now.Add(-time.Minute), runtime.SuspensionStateSuspended, 1)
		noRetries := newTimer(now.Add(-time.Minute), runtime.SuspensionStateActive, 0)
		batch := s.NewBatch()
		for _, j := range []runtime.Job{due, later, suspended, noRetries} {
			assert.NoError(t, batch.SaveJob(ctx, j))
		}
		assert.NoError(t, batch.Flush(ctx))

		jobs, err := s.FindDueJobs(ctx, now, 100)
		assert.NoError(t, err)
		keys := make([]int64, 0, len(jobs))
		for _, j := range jobs {
			keys = append(keys, j.Key)
		}
		assert.Contains(t, keys, due.Key)
		assert.NotContains(t, keys, later.Key)
		assert.NotContains(t, keys, suspended.Key)
		assert.NotContains(t, keys, noRetries.Key)

		for _, j := range []runtime.Job{due, later, suspended, noRetries} {
			assert.NoError(t, s.DeleteJob(ctx, j.Key))
		}
	}
}

func (st *StorageTester) TestProcessInstanceStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		pi := runtime.ProcessInstance{
			Key:             s.GenerateId(),
			DefinitionId:    st.definition.Id,
			BusinessKey:     "order-1",
			ActivityId:      "user-task",
			Variables:       map[string]any{"customer": "ACME"},
			SuspensionState: runtime.SuspensionStateActive,
			CreatedAt:       time.Now(),
		}
		assert.NoError(t, s.SaveProcessInstance(ctx, pi))

		res, err := s.FindProcessInstanceByKey(ctx, pi.Key)
		assert.NoError(t, err)
		assert.Equal(t, pi.ActivityId, res.ActivityId)
		assert.Equal(t, pi.Variables, res.Variables)

		byDefinition, err := s.FindProcessInstancesByDefinitionId(ctx, st.definition.Id)
		assert.NoError(t, err)
		assert.Len(t, byDefinition, 1)

		assert.NoError(t, s.DeleteProcessInstance(ctx, pi.Key))
		_, err = s.FindProcessInstanceByKey(ctx, pi.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestTaskStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		instanceKey := s.GenerateId()
		task := runtime.Task{
			Key:                s.GenerateId(),
			ProcessInstanceKey: instanceKey,
			DefinitionId:       st.definition.Id,
			ActivityId:         "user-task",
			Name:               "Approve",
			SuspensionState:    runtime.SuspensionStateActive,
			CreatedAt:          time.Now(),
		}
		assert.NoError(t, s.SaveTask(ctx, task))

		tasks, err := s.FindTasksByProcessInstanceKey(ctx, instanceKey)
		assert.NoError(t, err)
		assert.Len(t, tasks, 1)
		assert.Equal(t, "Approve", tasks[0].Name)

		assert.NoError(t, s.DeleteTask(ctx, task.Key))
		tasks, err = s.FindTasksByProcessInstanceKey(ctx, instanceKey)
		assert.NoError(t, err)
		assert.Empty(t, tasks)
	}
}

func (st *StorageTester) TestHistoryStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		definitionId := runtime.DefinitionId("history", 1, s.GenerateId())
		event := runtime.HistoryEvent{
			Key:          s.GenerateId(),
			DefinitionId: definitionId,
			Type:         runtime.HistoryEventInstanceStarted,
			CreatedAt:    time.Now(),
		}
		assert.NoError(t, s.SaveHistoryEvent(ctx, event))

		events, err := s.FindHistoryEventsByDefinitionId(ctx, definitionId)
		assert.NoError(t, err)
		assert.Len(t, events, 1)
		assert.Equal(t, runtime.HistoryEventInstanceStarted, events[0].Type)

		assert.NoError(t, s.DeleteHistoryEventsByDefinitionId(ctx, definitionId))
		events, err = s.FindHistoryEventsByDefinitionId(ctx, definitionId)
		assert.NoError(t, err)
		assert.Empty(t, events)
	}
}

func (st *StorageTester) TestBatchIsAtomic(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		key := fmt.Sprintf("atomic-%d", s.GenerateId())
		assert.NoError(t, s.SaveDefinition(ctx, newDefinition(s, key, 1, st.deployment.Id)))

		deployment := runtime.Deployment{Id: fmt.Sprintf("atomic-%d", s.GenerateId()), Name: key, DeploymentTime: time.Now()}
		batch := s.NewBatch()
		assert.NoError(t, batch.SaveDeployment(ctx, deployment))
		assert.NoError(t, batch.SaveDefinition(ctx, newDefinition(s, key, 2, deployment.Id)))
		assert.NoError(t, batch.SaveDefinition(ctx, newDefinition(s, key, 1, deployment.Id)))
		err := batch.Flush(ctx)
		assert.ErrorIs(t, err, storage.ErrConflict)

		_, err = s.FindDeploymentById(ctx, deployment.Id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		version, err := s.FindLatestDefinitionVersion(ctx, runtime.DefinitionKindProcess, key, nil)
		assert.NoError(t, err)
		assert.Equal(t, int32(1), version)
	}
}

func (st *StorageTester) TestBatchFlushActions(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := t.Context()
		calls := []string{}
		batch := s.NewBatch()
		batch.AddPreFlushAction(ctx, func() error {
			calls = append(calls, "pre")
			return nil
		})
		batch.AddPostFlushAction(ctx, func() {
			calls = append(calls, "post")
		})
		assert.NoError(t, batch.Flush(ctx))
		assert.Equal(t, []string{"pre", "post"}, calls)

		failing := s.NewBatch()
		deployment := runtime.Deployment{Id: fmt.Sprintf("pre-flush-%d", s.GenerateId()), Name: "pre-flush", DeploymentTime: time.Now()}
		assert.NoError(t, failing.SaveDeployment(ctx, deployment))
		failing.AddPreFlushAction(ctx, func() error {
			return errors.New("refused")
		})
		assert.Error(t, failing.Flush(ctx))
		_, err := s.FindDeploymentById(ctx, deployment.Id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}
