package repository

import (
	"testing"
	"time"

	"github.com/pbinitiative/zenrepo/pkg/parser/bpmn"
	"github.com/pbinitiative/zenrepo/pkg/ptr"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) runJob(t *testing.T, job runtime.Job) {
	t.Helper()
	handler, ok := f.repo.JobHandlers()[job.HandlerType]
	require.True(t, ok, job.HandlerType)
	batch := f.store.NewBatch()
	require.NoError(t, handler(t.Context(), batch, job))
	require.NoError(t, batch.DeleteJob(t.Context(), job.Key))
	require.NoError(t, batch.Flush(t.Context()))
}

func (f *fixture) startTimers(t *testing.T, definitionId string) []runtime.Job {
	t.Helper()
	jobs, err := f.store.FindJobsByDefinitionId(t.Context(), definitionId)
	require.NoError(t, err)
	res := make([]runtime.Job, 0)
	for _, j := range jobs {
		if j.IsStartTimer() {
			res = append(res, j)
		}
	}
	return res
}

func TestDeployPersistsDeploymentWithDefinitionsAndJobDefinitions(t *testing.T) {
	f := newFixture(t)

	res, err := f.repo.Deploy(t.Context(), NewResourceSet().Name("orders").Source("modeler").TenantId("acme").
		AddResource("order.bpmn", taggedProcessBytes("order", "1.0")).
		AddResource("notes.txt", []byte("not a definition")), DeployOptions{})
	require.NoError(t, err)

	assert.Equal(t, "orders", res.Deployment.Name)
	assert.Equal(t, f.clock, res.Deployment.DeploymentTime)
	stored, err := f.store.FindDeploymentById(t.Context(), res.Deployment.Id)
	require.NoError(t, err)
	assert.Equal(t, "modeler", *stored.Source)
	assert.Equal(t, "acme", *stored.TenantId)

	resources, err := f.store.FindResourcesByDeploymentId(t.Context(), res.Deployment.Id)
	require.NoError(t, err)
	assert.Len(t, resources, 2)

	require.Len(t, res.Definitions, 1)
	def := res.Definitions[0]
	assert.Equal(t, runtime.DefinitionKindProcess, def.Kind)
	assert.Equal(t, "order", def.Key)
	assert.EqualValues(t, 1, def.Version)
	assert.Equal(t, "acme", *def.TenantId)
	assert.Equal(t, "1.0", *def.VersionTag)
	assert.Equal(t, "order.bpmn", def.ResourceName)
	assert.Equal(t, runtime.SuspensionStateActive, def.SuspensionState)
	assert.Equal(t, def, f.definition(t, def.Id))
	assert.True(t, f.repo.Cache().Contains(def.Id))

	jobDefinitions, err := f.store.FindJobDefinitionsByDefinitionId(t.Context(), def.Id)
	require.NoError(t, err)
	require.Len(t, jobDefinitions, 1)
	assert.Equal(t, "ship", jobDefinitions[0].ActivityId)
	assert.Equal(t, runtime.HandlerTypeAsyncContinuation, jobDefinitions[0].HandlerType)
	assert.Equal(t, runtime.SuspensionStateActive, jobDefinitions[0].SuspensionState)
}

func TestParseErrorAbortsTheWholeDeployment(t *testing.T) {
	f := newFixture(t)

	_, err := f.repo.Deploy(t.Context(), NewResourceSet().Name("orders").
		AddResource("order.bpmn", processBytes("order")).
		AddResource("broken.bpmn", []byte("<definitions><process id=")), DeployOptions{})

	assert.True(t, IsNotValid(err))
	defs, err := f.store.FindDefinitions(t.Context(), keyFilter("order"))
	require.NoError(t, err)
	assert.Empty(t, defs)
	deployments, err := f.store.FindDeploymentsByName(t.Context(), "orders", nil)
	require.NoError(t, err)
	assert.Empty(t, deployments)
}

func TestSameKeyInTwoResourcesIsNotValid(t *testing.T) {
	f := newFixture(t)

	_, err := f.repo.Deploy(t.Context(), NewResourceSet().
		AddResource("a.bpmn", processBytes("order")).
		AddResource("b.bpmn", taggedProcessBytes("order", "x")), DeployOptions{})
	assert.True(t, IsNotValid(err))
}

func TestUnknownResumeStrategyIsNotValid(t *testing.T) {
	f := newFixture(t)

	_, err := f.repo.Deploy(t.Context(), NewResourceSet().AddResource("a.bpmn", processBytes("order")), DeployOptions{
		ProcessApplication: ptr.To("app"),
		ResumeStrategy:     "BY_MOON_PHASE",
	})
	assert.True(t, IsNotValid(err))

	_, err = f.repo.Deploy(t.Context(), NewResourceSet().AddResource("a.bpmn", processBytes("order")), DeployOptions{
		ResumePreviousVersions: true,
	})
	assert.True(t, IsNotValid(err))
}

func TestActivateAfterCreatesSuspendedDefinitions(t *testing.T) {
	f := newFixture(t)
	due := f.clock.Add(time.Hour)

	res, err := f.repo.Deploy(t.Context(), NewResourceSet().Name("orders").
		AddResource("order.bpmn", processBytes("order")), DeployOptions{ActivateAfter: &due})
	require.NoError(t, err)
	def := res.Definitions[0]

	assert.True(t, f.definition(t, def.Id).IsSuspended())
	jobDefinitions, err := f.store.FindJobDefinitionsByDefinitionId(t.Context(), def.Id)
	require.NoError(t, err)
	assert.Equal(t, runtime.SuspensionStateSuspended, jobDefinitions[0].SuspensionState)

	jobs, err := f.store.FindJobsByHandlerType(t.Context(), runtime.HandlerTypeActivateDefinition)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, due, *job.DueDate)
	assert.Equal(t, def.Id, *job.DefinitionId)
	assert.Equal(t, res.Deployment.Id, *job.DeploymentId)

	_, err = f.repo.StartProcessInstance(t.Context(), StartRequest{DefinitionId: &def.Id})
	assert.True(t, IsSuspendedEntityInteraction(err))

	f.clock = due
	f.runJob(t, job)

	assert.False(t, f.definition(t, def.Id).IsSuspended())
	jobDefinitions, err = f.store.FindJobDefinitionsByDefinitionId(t.Context(), def.Id)
	require.NoError(t, err)
	assert.Equal(t, runtime.SuspensionStateActive, jobDefinitions[0].SuspensionState)
	_, err = f.repo.StartProcessInstance(t.Context(), StartRequest{DefinitionId: &def.Id})
	assert.NoError(t, err)
}

func TestActivateAfterInThePastActivatesImmediately(t *testing.T) {
	f := newFixture(t)
	past := f.clock.Add(-time.Minute)

	res, err := f.repo.Deploy(t.Context(), NewResourceSet().AddResource("order.bpmn", processBytes("order")), DeployOptions{ActivateAfter: &past})
	require.NoError(t, err)

	assert.False(t, res.Definitions[0].IsSuspended())
	jobs, err := f.store.FindJobsByHandlerType(t.Context(), runtime.HandlerTypeActivateDefinition)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestStartTimersFollowTheLatestVersion(t *testing.T) {
	f := newFixture(t)
	deploy := func() runtime.Definition {
		return f.deploy(t, "report", map[string][]byte{"report.bpmn": timerProcessBytes("report")}).Definitions[0]
	}

	first := deploy()
	timers := f.startTimers(t, first.Id)
	require.Len(t, timers, 1)
	assert.Equal(t, f.clock.Add(time.Hour), *timers[0].DueDate)
	assert.Equal(t, first.DeploymentId, *timers[0].DeploymentId)

	second := deploy()
	assert.Empty(t, f.startTimers(t, first.Id))
	assert.Len(t, f.startTimers(t, second.Id), 1)

	require.NoError(t, f.repo.Delete(t.Context(), DeleteRequest{Selector: ById(second.Id)}))
	assert.Len(t, f.startTimers(t, first.Id), 1)
}

func TestStartTimerStartsInstanceAndSchedulesNextCycle(t *testing.T) {
	f := newFixture(t)
	def := f.deploy(t, "report", map[string][]byte{"report.bpmn": timerProcessBytes("report")}).Definitions[0]
	timer := f.startTimers(t, def.Id)[0]

	f.clock = *timer.DueDate
	f.runJob(t, timer)

	instances, err := f.store.FindProcessInstancesByDefinitionId(t.Context(), def.Id)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "report", instances[0].ActivityId)

	next := f.startTimers(t, def.Id)
	require.Len(t, next, 1)
	assert.NotEqual(t, timer.Key, next[0].Key)
	assert.Equal(t, f.clock.Add(time.Hour), *next[0].DueDate)
	parsed, err := bpmn.UnmarshalTimer(next[0].HandlerConfig)
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.Remaining)

	// last repetition does not schedule another one
	f.clock = *next[0].DueDate
	f.runJob(t, next[0])
	assert.Empty(t, f.startTimers(t, def.Id))
}

func TestResumeByProcessDefinitionKey(t *testing.T) {
	f := newFixture(t)
	deploy := func(name string, content map[string][]byte) DeployedSet {
		set := NewResourceSet().Name(name)
		for n, c := range content {
			set.AddResource(n, c)
		}
		res, err := f.repo.Deploy(t.Context(), set, DeployOptions{
			ProcessApplication:     ptr.To("shop"),
			ResumePreviousVersions: true,
		})
		require.NoError(t, err)
		return res
	}

	first := deploy("orders", map[string][]byte{"order.bpmn": processBytes("order")})
	assert.Empty(t, first.ResumedDeploymentIds)

	unrelated := deploy("invoices", map[string][]byte{"invoice.bpmn": processBytes("invoice")})
	assert.Empty(t, unrelated.ResumedDeploymentIds)

	second := deploy("orders", map[string][]byte{"order.bpmn": taggedProcessBytes("order", "2")})
	assert.Equal(t, []string{first.Deployment.Id}, second.ResumedDeploymentIds)
	assert.ElementsMatch(t, []string{second.Deployment.Id, first.Deployment.Id}, f.repo.ProcessApplications().DeploymentIds("shop"))

	require.NoError(t, f.repo.Delete(t.Context(), DeleteRequest{Selector: ById(first.Definitions[0].Id)}))
	assert.Equal(t, []string{second.Deployment.Id}, f.repo.ProcessApplications().DeploymentIds("shop"))

	third := deploy("orders", map[string][]byte{"order.bpmn": taggedProcessBytes("order", "3")})
	assert.Equal(t, []string{second.Deployment.Id}, third.ResumedDeploymentIds)
}

func TestResumeByDeploymentName(t *testing.T) {
	f := newFixture(t)
	opts := DeployOptions{
		ProcessApplication:     ptr.To("shop"),
		ResumePreviousVersions: true,
		ResumeStrategy:         ResumeByDeploymentName,
	}

	first, err := f.repo.Deploy(t.Context(), NewResourceSet().Name("shop").AddResource("order.bpmn", processBytes("order")), opts)
	require.NoError(t, err)
	other, err := f.repo.Deploy(t.Context(), NewResourceSet().Name("other").AddResource("order.bpmn", taggedProcessBytes("order", "x")), DeployOptions{})
	require.NoError(t, err)
	second, err := f.repo.Deploy(t.Context(), NewResourceSet().Name("shop").AddResource("invoice.bpmn", processBytes("invoice")), opts)
	require.NoError(t, err)

	assert.Equal(t, []string{first.Deployment.Id}, second.ResumedDeploymentIds)
	assert.NotContains(t, second.ResumedDeploymentIds, other.Deployment.Id)
}

func TestResumptionIsScopedToTenant(t *testing.T) {
	f := newFixture(t)
	opts := DeployOptions{ProcessApplication: ptr.To("shop"), ResumePreviousVersions: true}

	_, err := f.repo.Deploy(t.Context(), NewResourceSet().TenantId("acme").AddResource("order.bpmn", processBytes("order")), opts)
	require.NoError(t, err)
	res, err := f.repo.Deploy(t.Context(), NewResourceSet().AddResource("order.bpmn", taggedProcessBytes("order", "2")), opts)
	require.NoError(t, err)

	assert.Empty(t, res.ResumedDeploymentIds)
}

func TestRegistrationWithoutResumeHoldsOnlyTheNewDeployment(t *testing.T) {
	f := newFixture(t)
	app := ptr.To("shop")

	first, err := f.repo.Deploy(t.Context(), NewResourceSet().AddResource("order.bpmn", processBytes("order")), DeployOptions{ProcessApplication: app})
	require.NoError(t, err)
	second, err := f.repo.Deploy(t.Context(), NewResourceSet().AddResource("order.bpmn", taggedProcessBytes("order", "2")), DeployOptions{ProcessApplication: app})
	require.NoError(t, err)

	assert.Equal(t, []string{second.Deployment.Id}, f.repo.ProcessApplications().DeploymentIds("shop"))
	assert.NotEqual(t, first.Deployment.Id, second.Deployment.Id)
	assert.Equal(t, "shop", *second.Deployment.ProcessApplication)
}

func TestProcessApplicationDefaultsApplyToDeployments(t *testing.T) {
	f := newFixture(t, WithProcessApplicationDefaults(map[string]ApplicationDefaults{
		"shop": {Resume: true, Strategy: ResumeByDeploymentName},
	}))
	opts := DeployOptions{ProcessApplication: ptr.To("shop")}

	first, err := f.repo.Deploy(t.Context(), NewResourceSet().Name("shop").AddResource("order.bpmn", processBytes("order")), opts)
	require.NoError(t, err)
	second, err := f.repo.Deploy(t.Context(), NewResourceSet().Name("shop").AddResource("invoice.bpmn", processBytes("invoice")), opts)
	require.NoError(t, err)

	assert.Equal(t, []string{first.Deployment.Id}, second.ResumedDeploymentIds)
	reg, ok := f.repo.ProcessApplications().Registration("shop")
	require.True(t, ok)
	assert.Equal(t, ResumeByDeploymentName, reg.Strategy)
}
