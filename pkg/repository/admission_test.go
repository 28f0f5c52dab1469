package repository

import (
	"testing"

	"github.com/pbinitiative/zenrepo/pkg/ptr"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartInstanceEntersUserTask(t *testing.T) {
	f := newFixture(t)
	def := f.deployProcess(t, "order")

	instance, err := f.repo.StartProcessInstance(t.Context(), StartRequest{
		DefinitionId: &def.Id,
		BusinessKey:  "order-42",
		Variables:    map[string]any{"amount": 42},
	})
	require.NoError(t, err)

	assert.Equal(t, def.Id, instance.DefinitionId)
	assert.Equal(t, "review", instance.ActivityId)
	assert.Equal(t, "order-42", instance.BusinessKey)
	assert.Equal(t, runtime.SuspensionStateActive, instance.SuspensionState)
	assert.Equal(t, f.clock, instance.CreatedAt)

	tasks, err := f.store.FindTasksByProcessInstanceKey(t.Context(), instance.Key)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "review", tasks[0].ActivityId)
	assert.Equal(t, "Review", tasks[0].Name)

	events, err := f.store.FindHistoryEventsByDefinitionId(t.Context(), def.Id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, runtime.HistoryEventInstanceStarted, events[0].Type)
	assert.Equal(t, instance.Key, *events[0].ProcessInstanceKey)
}

func TestStartInstanceBeforeAsyncActivityCreatesJob(t *testing.T) {
	f := newFixture(t)
	def := f.deploy(t, "approvals", map[string][]byte{"approval.bpmn": asyncProcessBytes("approval")}).Definitions[0]

	instance := f.start(t, def)

	assert.Equal(t, "approve", instance.ActivityId)
	tasks, err := f.store.FindTasksByProcessInstanceKey(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	job := f.instanceJob(t, instance.Key)
	jobDefinitions, err := f.store.FindJobDefinitionsByDefinitionId(t.Context(), def.Id)
	require.NoError(t, err)
	require.Len(t, jobDefinitions, 1)
	assert.Equal(t, jobDefinitions[0].Key, *job.JobDefinitionKey)
	assert.Equal(t, runtime.HandlerTypeAsyncContinuation, job.HandlerType)
	assert.Equal(t, runtime.JobTypeMessage, job.Type)
	assert.Equal(t, runtime.SuspensionStateActive, job.SuspensionState)

	f.runJob(t, job)
	tasks, err = f.store.FindTasksByProcessInstanceKey(t.Context(), instance.Key)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "approve", tasks[0].ActivityId)
}

func TestStartInstanceOfSuspendedDefinition(t *testing.T) {
	f := newFixture(t)
	def := f.deployProcess(t, "order")
	require.NoError(t, f.repo.Suspend(t.Context(), SuspensionRequest{Selector: ById(def.Id)}))

	_, err := f.repo.StartProcessInstance(t.Context(), StartRequest{DefinitionId: &def.Id})
	assert.True(t, IsSuspendedEntityInteraction(err))
	instances, err := f.store.FindProcessInstancesByDefinitionId(t.Context(), def.Id)
	require.NoError(t, err)
	assert.Empty(t, instances)

	require.NoError(t, f.repo.Activate(t.Context(), SuspensionRequest{Selector: ById(def.Id)}))
	_, err = f.repo.StartProcessInstance(t.Context(), StartRequest{DefinitionId: &def.Id})
	assert.NoError(t, err)
}

func TestStartInstanceByKeyUsesLatestVersion(t *testing.T) {
	f := newFixture(t)
	f.deployProcess(t, "order")
	latest := f.deployProcess(t, "order")

	instance, err := f.repo.StartProcessInstance(t.Context(), StartRequest{Key: "order"})
	require.NoError(t, err)
	assert.Equal(t, latest.Id, instance.DefinitionId)

	_, err = f.repo.StartProcessInstance(t.Context(), StartRequest{Key: "order", TenantId: ptr.To("acme")})
	assert.True(t, IsNotFound(err))
	_, err = f.repo.StartProcessInstance(t.Context(), StartRequest{})
	assert.True(t, IsNotValid(err))
}

func TestStartInstanceOfDecisionIsNotValid(t *testing.T) {
	f := newFixture(t)
	def := f.deploy(t, "dishes", map[string][]byte{"dish.dmn": decisionBytes("dish")}).Definitions[0]

	_, err := f.repo.StartProcessInstance(t.Context(), StartRequest{DefinitionId: &def.Id})
	assert.True(t, IsNotValid(err))
}

func TestStartTimerOfSuspendedDefinitionFails(t *testing.T) {
	f := newFixture(t)
	def := f.deploy(t, "report", map[string][]byte{"report.bpmn": timerProcessBytes("report")}).Definitions[0]
	timer := f.startTimers(t, def.Id)[0]
	require.NoError(t, f.repo.Suspend(t.Context(), SuspensionRequest{Selector: ById(def.Id)}))

	err := f.repo.JobHandlers()[runtime.HandlerTypeTimerStartEvent](t.Context(), f.store.NewBatch(), timer)
	assert.True(t, IsSuspendedEntityInteraction(err))
}
