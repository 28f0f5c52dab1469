package repository

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/pbinitiative/zenrepo/pkg/parser/bpmn"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
	"go.opentelemetry.io/otel/codes"
)

type StartRequest struct {
	// DefinitionId starts exactly this version, otherwise the latest version of Key and TenantId is started
	DefinitionId *string
	Key          string
	TenantId     *string
	BusinessKey  string
	Variables    map[string]any
}

// InstanceAdmission creates process instances of active definitions.
// It reads the suspension state from the store, never from the cache.
type InstanceAdmission struct {
	*core
}

func (a *InstanceAdmission) StartProcessInstance(ctx context.Context, req StartRequest) (instance runtime.ProcessInstance, err error) {
	ctx, span := a.tracer.Start(ctx, "repository-start-instance")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var def runtime.Definition
	switch {
	case req.DefinitionId != nil:
		def, err = a.store.FindDefinitionById(ctx, *req.DefinitionId)
		if err != nil {
			return instance, notFoundOr(err, *req.DefinitionId, "definition not found")
		}
	case req.Key != "":
		def, err = a.store.FindLatestDefinition(ctx, runtime.DefinitionKindProcess, req.Key, req.TenantId)
		if err != nil {
			return instance, notFoundOr(err, req.Key, "no definition found")
		}
	default:
		return instance, newErrorf(ErrorKindNotValid, "", "definition id or key is required")
	}
	if def.Kind != runtime.DefinitionKindProcess {
		return instance, newErrorf(ErrorKindNotValid, def.Id, "only process definitions can be started")
	}
	batch := a.store.NewBatch()
	instance, err = a.start(ctx, batch, def, "", req.BusinessKey, req.Variables)
	if err != nil {
		return instance, err
	}
	if err := batch.Flush(ctx); err != nil {
		return instance, fmt.Errorf("failed to start instance of %s: %w", def.Id, err)
	}
	return instance, nil
}

// start positions a new instance at the element after the start event, the none start event when startEventId is empty
func (a *InstanceAdmission) start(ctx context.Context, batch storage.Batch, def runtime.Definition, startEventId string, businessKey string, variables map[string]any) (runtime.ProcessInstance, error) {
	if def.IsSuspended() {
		return runtime.ProcessInstance{}, newErrorf(ErrorKindSuspendedEntity, def.Id, "cannot start an instance of a suspended definition")
	}
	process, err := a.process(ctx, def.Id)
	if err != nil {
		return runtime.ProcessInstance{}, err
	}
	var activity bpmn.Activity
	if startEventId == "" {
		activity, err = process.FirstActivity()
	} else {
		activity, err = process.Next(startEventId)
	}
	if err != nil {
		return runtime.ProcessInstance{}, wrapError(ErrorKindNotValid, def.Id, err, "cannot start instance")
	}
	if variables == nil {
		variables = map[string]any{}
	}
	now := a.now()
	instance := runtime.ProcessInstance{
		Key:             a.store.GenerateId(),
		DefinitionId:    def.Id,
		TenantId:        def.TenantId,
		BusinessKey:     businessKey,
		ActivityId:      activity.Id,
		Variables:       maps.Clone(variables),
		SuspensionState: runtime.SuspensionStateActive,
		CreatedAt:       now,
	}
	if err := batch.SaveProcessInstance(ctx, instance); err != nil {
		return instance, err
	}
	if activity.AsyncBefore {
		if err := a.scheduleContinuation(ctx, batch, def, instance, activity); err != nil {
			return instance, err
		}
	} else if err := a.enter(ctx, batch, def, instance, activity); err != nil {
		return instance, err
	}
	if err := batch.SaveHistoryEvent(ctx, runtime.HistoryEvent{
		Key:                a.store.GenerateId(),
		DefinitionId:       def.Id,
		ProcessInstanceKey: &instance.Key,
		Type:               runtime.HistoryEventInstanceStarted,
		Details:            activity.Id,
		CreatedAt:          now,
	}); err != nil {
		return instance, err
	}
	return instance, nil
}

func (a *InstanceAdmission) process(ctx context.Context, definitionId string) (*bpmn.Process, error) {
	entry, err := a.cache.GetEntry(ctx, definitionId)
	if err != nil {
		return nil, notFoundOr(err, definitionId, "definition not found")
	}
	process, ok := entry.Model.(*bpmn.Process)
	if !ok {
		return nil, newErrorf(ErrorKindNotValid, definitionId, "definition has no process model")
	}
	return process, nil
}

func (a *InstanceAdmission) scheduleContinuation(ctx context.Context, batch storage.Batch, def runtime.Definition, instance runtime.ProcessInstance, activity bpmn.Activity) error {
	jobDefinitions, err := a.store.FindJobDefinitionsByDefinitionId(ctx, def.Id)
	if err != nil {
		return fmt.Errorf("failed to find job definitions of %s: %w", def.Id, err)
	}
	for _, jd := range jobDefinitions {
		if jd.ActivityId != activity.Id || jd.HandlerType != runtime.HandlerTypeAsyncContinuation {
			continue
		}
		return batch.SaveJob(ctx, runtime.Job{
			Key:                a.store.GenerateId(),
			Type:               runtime.JobTypeMessage,
			JobDefinitionKey:   &jd.Key,
			DefinitionId:       &def.Id,
			DeploymentId:       &def.DeploymentId,
			ProcessInstanceKey: &instance.Key,
			HandlerType:        runtime.HandlerTypeAsyncContinuation,
			HandlerConfig:      activity.Id,
			Retries:            runtime.DefaultJobRetries,
			// jobs of a suspended job definition are created suspended
			SuspensionState: jd.SuspensionState,
			TenantId:        def.TenantId,
			CreatedAt:       a.now(),
		})
	}
	return fmt.Errorf("no async continuation job definition for activity %s of %s", activity.Id, def.Id)
}

// enter creates what an instance waiting in the activity needs
func (a *InstanceAdmission) enter(ctx context.Context, batch storage.Batch, def runtime.Definition, instance runtime.ProcessInstance, activity bpmn.Activity) error {
	if activity.Type != bpmn.ElementTypeUserTask {
		return nil
	}
	return batch.SaveTask(ctx, runtime.Task{
		Key:                a.store.GenerateId(),
		ProcessInstanceKey: instance.Key,
		DefinitionId:       def.Id,
		ActivityId:         activity.Id,
		Name:               activity.Name,
		SuspensionState:    instance.SuspensionState,
		CreatedAt:          a.now(),
	})
}

// HandleStartTimerJob starts an instance from a timer start event and schedules the next cycle
func (a *InstanceAdmission) HandleStartTimerJob(ctx context.Context, batch storage.Batch, job runtime.Job) error {
	if job.DefinitionId == nil || job.JobDefinitionKey == nil {
		return fmt.Errorf("start timer job %d has no definition", job.Key)
	}
	def, err := a.store.FindDefinitionById(ctx, *job.DefinitionId)
	if errors.Is(err, storage.ErrNotFound) {
		a.logger.Warn("definition of start timer no longer exists", "job", job.Key, "definition", *job.DefinitionId)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read definition %s: %w", *job.DefinitionId, err)
	}
	timer, err := bpmn.UnmarshalTimer(job.HandlerConfig)
	if err != nil {
		return fmt.Errorf("failed to read timer of job %d: %w", job.Key, err)
	}
	if _, err := a.start(ctx, batch, def, timer.ActivityId, "", nil); err != nil {
		return err
	}
	now := a.now()
	if next, due, ok := timer.Next(now); ok {
		return batch.SaveJob(ctx, newStartTimerJob(a.store.GenerateId(), def, *job.JobDefinitionKey, next, due, now))
	}
	return nil
}

// HandleAsyncContinuationJob lets the instance enter the activity it was waiting before
func (a *InstanceAdmission) HandleAsyncContinuationJob(ctx context.Context, batch storage.Batch, job runtime.Job) error {
	if job.ProcessInstanceKey == nil {
		return fmt.Errorf("async continuation job %d has no instance", job.Key)
	}
	instance, err := a.store.FindProcessInstanceByKey(ctx, *job.ProcessInstanceKey)
	if err != nil {
		return fmt.Errorf("failed to read instance %d: %w", *job.ProcessInstanceKey, err)
	}
	def, err := a.store.FindDefinitionById(ctx, instance.DefinitionId)
	if err != nil {
		return fmt.Errorf("failed to read definition %s: %w", instance.DefinitionId, err)
	}
	process, err := a.process(ctx, def.Id)
	if err != nil {
		return err
	}
	activity, ok := process.Activity(job.HandlerConfig)
	if !ok {
		return fmt.Errorf("activity %s not found in %s", job.HandlerConfig, def.Id)
	}
	return a.enter(ctx, batch, def, instance, activity)
}
