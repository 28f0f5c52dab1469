package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/pbinitiative/zenrepo/pkg/parser/bpmn"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
)

// startTimerJobs creates one timer job per timer start event job definition of def.
// The jobs take the suspension state of the definition.
func startTimerJobs(store storage.Storage, def runtime.Definition, jobDefinitions []runtime.JobDefinition, now time.Time) ([]runtime.Job, error) {
	res := make([]runtime.Job, 0)
	for _, jd := range jobDefinitions {
		if jd.HandlerType != runtime.HandlerTypeTimerStartEvent {
			continue
		}
		timer, err := bpmn.UnmarshalTimer(jd.Configuration)
		if err != nil {
			return nil, fmt.Errorf("failed to read timer of job definition %d: %w", jd.Key, err)
		}
		due, err := timer.FirstDue(now)
		if err != nil {
			return nil, fmt.Errorf("failed to compute due date of timer %s in %s: %w", timer.ActivityId, def.Id, err)
		}
		res = append(res, newStartTimerJob(store.GenerateId(), def, jd.Key, timer, due, now))
	}
	return res, nil
}

func newStartTimerJob(key int64, def runtime.Definition, jobDefinitionKey int64, timer bpmn.Timer, due time.Time, now time.Time) runtime.Job {
	return runtime.Job{
		Key:              key,
		Type:             runtime.JobTypeTimer,
		JobDefinitionKey: &jobDefinitionKey,
		DefinitionId:     &def.Id,
		DeploymentId:     &def.DeploymentId,
		HandlerType:      runtime.HandlerTypeTimerStartEvent,
		HandlerConfig:    timer.Marshal(),
		DueDate:          &due,
		Retries:          runtime.DefaultJobRetries,
		SuspensionState:  def.SuspensionState,
		TenantId:         def.TenantId,
		CreatedAt:        now,
	}
}

// removeStartTimers deletes the start timer jobs of the definition in the batch
func removeStartTimers(ctx context.Context, store storage.Storage, batch storage.Batch, definitionId string) error {
	jobs, err := store.FindJobsByDefinitionId(ctx, definitionId)
	if err != nil {
		return fmt.Errorf("failed to find jobs of %s: %w", definitionId, err)
	}
	for _, j := range jobs {
		if !j.IsStartTimer() {
			continue
		}
		if err := batch.DeleteJob(ctx, j.Key); err != nil {
			return err
		}
	}
	return nil
}

// restoreStartTimers schedules the start timers of def unless it already has them
func restoreStartTimers(ctx context.Context, store storage.Storage, batch storage.Batch, def runtime.Definition, now time.Time) error {
	if def.Kind != runtime.DefinitionKindProcess {
		return nil
	}
	jobs, err := store.FindJobsByDefinitionId(ctx, def.Id)
	if err != nil {
		return fmt.Errorf("failed to find jobs of %s: %w", def.Id, err)
	}
	for _, j := range jobs {
		if j.IsStartTimer() {
			return nil
		}
	}
	jobDefinitions, err := store.FindJobDefinitionsByDefinitionId(ctx, def.Id)
	if err != nil {
		return fmt.Errorf("failed to find job definitions of %s: %w", def.Id, err)
	}
	timers, err := startTimerJobs(store, def, jobDefinitions, now)
	if err != nil {
		return err
	}
	for _, j := range timers {
		if err := batch.SaveJob(ctx, j); err != nil {
			return err
		}
	}
	return nil
}
