package repository

import (
	"testing"
	"time"

	"github.com/pbinitiative/zenrepo/pkg/ptr"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) start(t *testing.T, def runtime.Definition) runtime.ProcessInstance {
	t.Helper()
	instance, err := f.repo.StartProcessInstance(t.Context(), StartRequest{DefinitionId: &def.Id})
	require.NoError(t, err)
	return instance
}

func (f *fixture) instanceState(t *testing.T, key int64) runtime.SuspensionState {
	t.Helper()
	instance, err := f.store.FindProcessInstanceByKey(t.Context(), key)
	require.NoError(t, err)
	return instance.SuspensionState
}

func (f *fixture) instanceJob(t *testing.T, key int64) runtime.Job {
	t.Helper()
	jobs, err := f.store.FindJobsByProcessInstanceKey(t.Context(), key)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}

func (f *fixture) jobDefinitionStates(t *testing.T, definitionId string) []runtime.SuspensionState {
	t.Helper()
	jobDefinitions, err := f.store.FindJobDefinitionsByDefinitionId(t.Context(), definitionId)
	require.NoError(t, err)
	res := make([]runtime.SuspensionState, 0, len(jobDefinitions))
	for _, jd := range jobDefinitions {
		res = append(res, jd.SuspensionState)
	}
	return res
}

func TestSuspendWithoutInstancesLeavesInstancesRunning(t *testing.T) {
	f := newFixture(t)
	def := f.deploy(t, "approvals", map[string][]byte{"approval.bpmn": asyncProcessBytes("approval")}).Definitions[0]
	instance := f.start(t, def)

	require.NoError(t, f.repo.Suspend(t.Context(), SuspensionRequest{Selector: ById(def.Id)}))

	assert.True(t, f.definition(t, def.Id).IsSuspended())
	assert.Equal(t, []runtime.SuspensionState{runtime.SuspensionStateSuspended}, f.jobDefinitionStates(t, def.Id))
	assert.Equal(t, runtime.SuspensionStateActive, f.instanceState(t, instance.Key))
	assert.Equal(t, runtime.SuspensionStateActive, f.instanceJob(t, instance.Key).SuspensionState)
}

func TestCascadingSuspensionAndActivation(t *testing.T) {
	f := newFixture(t)
	def := f.deploy(t, "approvals", map[string][]byte{"approval.bpmn": asyncProcessBytes("approval")}).Definitions[0]
	instance := f.start(t, def)

	require.NoError(t, f.repo.Suspend(t.Context(), SuspensionRequest{Selector: ById(def.Id), IncludeInstances: true}))
	assert.Equal(t, runtime.SuspensionStateSuspended, f.instanceState(t, instance.Key))
	assert.Equal(t, runtime.SuspensionStateSuspended, f.instanceJob(t, instance.Key).SuspensionState)

	// activating the definition alone keeps its instances suspended
	require.NoError(t, f.repo.Activate(t.Context(), SuspensionRequest{Selector: ById(def.Id)}))
	assert.False(t, f.definition(t, def.Id).IsSuspended())
	assert.Equal(t, []runtime.SuspensionState{runtime.SuspensionStateActive}, f.jobDefinitionStates(t, def.Id))
	assert.Equal(t, runtime.SuspensionStateSuspended, f.instanceState(t, instance.Key))
	assert.Equal(t, runtime.SuspensionStateSuspended, f.instanceJob(t, instance.Key).SuspensionState)

	require.NoError(t, f.repo.Activate(t.Context(), SuspensionRequest{Selector: ById(def.Id), IncludeInstances: true}))
	assert.Equal(t, runtime.SuspensionStateActive, f.instanceState(t, instance.Key))
	assert.Equal(t, runtime.SuspensionStateActive, f.instanceJob(t, instance.Key).SuspensionState)
}

func TestCascadingSuspensionFlipsTasks(t *testing.T) {
	f := newFixture(t)
	def := f.deployProcess(t, "order")
	instance := f.start(t, def)

	require.NoError(t, f.repo.Suspend(t.Context(), SuspensionRequest{Selector: ById(def.Id), IncludeInstances: true}))

	tasks, err := f.store.FindTasksByProcessInstanceKey(t.Context(), instance.Key)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, runtime.SuspensionStateSuspended, tasks[0].SuspensionState)
}

func TestSuspendByKeyCoversEveryVersion(t *testing.T) {
	f := newFixture(t)
	ids := make([]string, 0)
	for range 5 {
		ids = append(ids, f.deployProcess(t, "order").Id)
	}
	other := f.deployProcess(t, "invoice")

	require.NoError(t, f.repo.Suspend(t.Context(), SuspensionRequest{Selector: ByKey(runtime.DefinitionKindProcess, "order")}))

	for _, id := range ids {
		assert.True(t, f.definition(t, id).IsSuspended(), id)
		cached, err := f.repo.GetDefinition(t.Context(), id)
		require.NoError(t, err)
		assert.True(t, cached.IsSuspended(), id)
	}
	assert.False(t, f.definition(t, other.Id).IsSuspended())
}

func TestSuspendIsIdempotent(t *testing.T) {
	f := newFixture(t)
	def := f.deployProcess(t, "order")

	require.NoError(t, f.repo.Suspend(t.Context(), SuspensionRequest{Selector: ById(def.Id)}))
	require.NoError(t, f.repo.Suspend(t.Context(), SuspensionRequest{Selector: ById(def.Id)}))

	assert.True(t, f.definition(t, def.Id).IsSuspended())
	events, err := f.store.FindHistoryEventsByDefinitionId(t.Context(), def.Id)
	require.NoError(t, err)
	updates := 0
	for _, e := range events {
		if e.Type == runtime.HistoryEventDefinitionUpdated {
			updates++
		}
	}
	assert.Equal(t, 1, updates)
}

func TestSuspendUnknownDefinition(t *testing.T) {
	f := newFixture(t)
	f.deployProcess(t, "order")

	err := f.repo.Suspend(t.Context(), SuspensionRequest{Selector: ById("missing:1:1")})
	assert.True(t, IsNotFound(err))

	err = f.repo.Suspend(t.Context(), SuspensionRequest{Selector: ByKey(runtime.DefinitionKindProcess, "missing")})
	assert.True(t, IsNotFound(err))

	err = f.repo.Activate(t.Context(), SuspensionRequest{Selector: DefinitionSelector{}})
	assert.True(t, IsNotValid(err))
}

func TestSuspendDecisionDefinition(t *testing.T) {
	f := newFixture(t)
	def := f.deploy(t, "dishes", map[string][]byte{"dish.dmn": decisionBytes("dish")}).Definitions[0]

	require.NoError(t, f.repo.Suspend(t.Context(), SuspensionRequest{
		Selector:         ByKey(runtime.DefinitionKindDecision, "dish"),
		IncludeInstances: true,
	}))
	assert.True(t, f.definition(t, def.Id).IsSuspended())
}

func TestStartTimersFollowDefinitionState(t *testing.T) {
	f := newFixture(t)
	def := f.deploy(t, "report", map[string][]byte{"report.bpmn": timerProcessBytes("report")}).Definitions[0]

	require.NoError(t, f.repo.Suspend(t.Context(), SuspensionRequest{Selector: ById(def.Id)}))
	timers := f.startTimers(t, def.Id)
	require.Len(t, timers, 1)
	assert.Equal(t, runtime.SuspensionStateSuspended, timers[0].SuspensionState)

	require.NoError(t, f.repo.Activate(t.Context(), SuspensionRequest{Selector: ById(def.Id)}))
	timers = f.startTimers(t, def.Id)
	require.Len(t, timers, 1)
	assert.Equal(t, runtime.SuspensionStateActive, timers[0].SuspensionState)
}

func TestSuspendByKeyHonoursTenant(t *testing.T) {
	f := newFixture(t)
	deploy := func(tenant *string) runtime.Definition {
		set := NewResourceSet().AddResource("order.bpmn", processBytes("order"))
		if tenant != nil {
			set.TenantId(*tenant)
		}
		res, err := f.repo.Deploy(t.Context(), set, DeployOptions{})
		require.NoError(t, err)
		return res.Definitions[0]
	}
	acme := deploy(ptr.To("acme"))
	globex := deploy(ptr.To("globex"))
	shared := deploy(nil)

	require.NoError(t, f.repo.Suspend(t.Context(), SuspensionRequest{Selector: ByKey(runtime.DefinitionKindProcess, "order").ForTenant("acme")}))
	assert.True(t, f.definition(t, acme.Id).IsSuspended())
	assert.False(t, f.definition(t, globex.Id).IsSuspended())
	assert.False(t, f.definition(t, shared.Id).IsSuspended())

	require.NoError(t, f.repo.Suspend(t.Context(), SuspensionRequest{Selector: ByKey(runtime.DefinitionKindProcess, "order").WithoutTenantId()}))
	assert.False(t, f.definition(t, globex.Id).IsSuspended())
	assert.True(t, f.definition(t, shared.Id).IsSuspended())

	err := f.repo.Suspend(t.Context(), SuspensionRequest{Selector: ByKey(runtime.DefinitionKindProcess, "order").ForTenant("acme").WithoutTenantId()})
	assert.True(t, IsNotValid(err))
}

func TestDelayedSuspension(t *testing.T) {
	f := newFixture(t)
	def := f.deploy(t, "approvals", map[string][]byte{"approval.bpmn": asyncProcessBytes("approval")}).Definitions[0]
	instance := f.start(t, def)
	due := f.clock.Add(time.Hour)

	require.NoError(t, f.repo.Suspend(t.Context(), SuspensionRequest{
		Selector:         ById(def.Id),
		IncludeInstances: true,
		ExecutionDate:    &due,
	}))

	assert.False(t, f.definition(t, def.Id).IsSuspended())
	assert.Equal(t, runtime.SuspensionStateActive, f.instanceState(t, instance.Key))
	jobs, err := f.store.FindJobsByHandlerType(t.Context(), runtime.HandlerTypeSuspendDefinition)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, runtime.JobTypeTimer, job.Type)
	assert.Equal(t, due, *job.DueDate)
	assert.Equal(t, def.Id, *job.DefinitionId)
	assert.Equal(t, def.DeploymentId, *job.DeploymentId)

	f.clock = due
	f.runJob(t, job)

	assert.True(t, f.definition(t, def.Id).IsSuspended())
	assert.Equal(t, runtime.SuspensionStateSuspended, f.instanceState(t, instance.Key))
	cached, err := f.repo.GetDefinition(t.Context(), def.Id)
	require.NoError(t, err)
	assert.True(t, cached.IsSuspended())
	_, err = f.store.FindJobByKey(t.Context(), job.Key)
	assert.Error(t, err)
}

func TestDelayedActivationByKeySkipsDeletedDefinitions(t *testing.T) {
	f := newFixture(t)
	def := f.deployProcess(t, "order")
	due := f.clock.Add(time.Minute)

	require.NoError(t, f.repo.Activate(t.Context(), SuspensionRequest{
		Selector:      ByKey(runtime.DefinitionKindProcess, "order"),
		ExecutionDate: &due,
	}))
	jobs, err := f.store.FindJobsByHandlerType(t.Context(), runtime.HandlerTypeActivateDefinition)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Nil(t, jobs[0].DefinitionId)
	assert.Nil(t, jobs[0].DeploymentId)

	require.NoError(t, f.repo.Delete(t.Context(), DeleteRequest{Selector: ById(def.Id)}))

	f.clock = due
	f.runJob(t, jobs[0])
	jobs, err = f.store.FindJobsByHandlerType(t.Context(), runtime.HandlerTypeActivateDefinition)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestExecutionDateInThePastAppliesImmediately(t *testing.T) {
	f := newFixture(t)
	def := f.deployProcess(t, "order")
	past := f.clock.Add(-time.Hour)

	require.NoError(t, f.repo.Suspend(t.Context(), SuspensionRequest{Selector: ById(def.Id), ExecutionDate: &past}))

	assert.True(t, f.definition(t, def.Id).IsSuspended())
	jobs, err := f.store.FindJobsByHandlerType(t.Context(), runtime.HandlerTypeSuspendDefinition)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
