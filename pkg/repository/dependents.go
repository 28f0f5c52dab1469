package repository

import (
	"context"
	"fmt"

	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
)

type instanceDependents struct {
	instance runtime.ProcessInstance
	tasks    []runtime.Task
	jobs     []runtime.Job
}

// dependents is everything stored under one definition
type dependents struct {
	jobDefinitions []runtime.JobDefinition
	// jobs reference the definition directly, instance jobs are listed per instance
	jobs      []runtime.Job
	instances []instanceDependents
}

func (d dependents) startTimers() []runtime.Job {
	res := make([]runtime.Job, 0)
	for _, j := range d.jobs {
		if j.IsStartTimer() {
			res = append(res, j)
		}
	}
	return res
}

// kindDescriptor tells the state machine and the deletion engine where the dependents of a definition kind live
type kindDescriptor struct {
	kind    runtime.DefinitionKind
	collect func(ctx context.Context, store storage.Storage, def runtime.Definition, withInstances bool) (dependents, error)
}

var kindDescriptors = map[runtime.DefinitionKind]kindDescriptor{
	runtime.DefinitionKindProcess:              {kind: runtime.DefinitionKindProcess, collect: collectProcessDependents},
	runtime.DefinitionKindDecision:             {kind: runtime.DefinitionKindDecision, collect: collectNothing},
	runtime.DefinitionKindDecisionRequirements: {kind: runtime.DefinitionKindDecisionRequirements, collect: collectNothing},
}

func descriptorOf(kind runtime.DefinitionKind) (kindDescriptor, error) {
	d, ok := kindDescriptors[kind]
	if !ok {
		return kindDescriptor{}, fmt.Errorf("no descriptor for definition kind %q", kind)
	}
	return d, nil
}

func collectNothing(context.Context, storage.Storage, runtime.Definition, bool) (dependents, error) {
	return dependents{}, nil
}

func collectProcessDependents(ctx context.Context, store storage.Storage, def runtime.Definition, withInstances bool) (dependents, error) {
	var res dependents
	var err error
	res.jobDefinitions, err = store.FindJobDefinitionsByDefinitionId(ctx, def.Id)
	if err != nil {
		return res, fmt.Errorf("failed to find job definitions of %s: %w", def.Id, err)
	}
	res.jobs, err = store.FindJobsByDefinitionId(ctx, def.Id)
	if err != nil {
		return res, fmt.Errorf("failed to find jobs of %s: %w", def.Id, err)
	}
	if !withInstances {
		return res, nil
	}
	instances, err := store.FindProcessInstancesByDefinitionId(ctx, def.Id)
	if err != nil {
		return res, fmt.Errorf("failed to find instances of %s: %w", def.Id, err)
	}
	for _, instance := range instances {
		tasks, err := store.FindTasksByProcessInstanceKey(ctx, instance.Key)
		if err != nil {
			return res, fmt.Errorf("failed to find tasks of instance %d: %w", instance.Key, err)
		}
		jobs, err := store.FindJobsByProcessInstanceKey(ctx, instance.Key)
		if err != nil {
			return res, fmt.Errorf("failed to find jobs of instance %d: %w", instance.Key, err)
		}
		res.instances = append(res.instances, instanceDependents{instance: instance, tasks: tasks, jobs: jobs})
	}
	return res, nil
}

// hasRunningInstances checks the store without loading tasks and jobs
func hasRunningInstances(ctx context.Context, store storage.Storage, def runtime.Definition) (bool, error) {
	if def.Kind != runtime.DefinitionKindProcess {
		return false, nil
	}
	instances, err := store.FindProcessInstancesByDefinitionId(ctx, def.Id)
	if err != nil {
		return false, fmt.Errorf("failed to find instances of %s: %w", def.Id, err)
	}
	return len(instances) > 0, nil
}
