// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	otelPkg "github.com/pbinitiative/zenrepo/pkg/otel"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type SuspensionRequest struct {
	Selector DefinitionSelector
	// IncludeInstances also flips running instances with their tasks and jobs
	IncludeInstances bool
	// ExecutionDate delays the transition, nil or a date not after now applies it immediately
	ExecutionDate *time.Time
}

// transitionPayload is the handler configuration of a delayed suspension or activation job
type transitionPayload struct {
	Ids              []string               `json:"ids,omitempty"`
	Kind             runtime.DefinitionKind `json:"kind,omitempty"`
	Key              string                 `json:"key,omitempty"`
	TenantId         *string                `json:"tenantId,omitempty"`
	WithoutTenant    bool                   `json:"withoutTenantId,omitempty"`
	IncludeInstances bool                   `json:"includeInstances"`
}

func (p transitionPayload) selector() DefinitionSelector {
	return DefinitionSelector{
		Ids:           p.Ids,
		Kind:          p.Kind,
		Key:           p.Key,
		TenantId:      p.TenantId,
		WithoutTenant: p.WithoutTenant,
	}
}

func handlerTypeOf(target runtime.SuspensionState) string {
	if target == runtime.SuspensionStateSuspended {
		return runtime.HandlerTypeSuspendDefinition
	}
	return runtime.HandlerTypeActivateDefinition
}

// SuspensionStateMachine suspends and activates definitions of every kind.
// Kind specific lookups come from kindDescriptors.
type SuspensionStateMachine struct {
	*core
}

func (m *SuspensionStateMachine) Suspend(ctx context.Context, req SuspensionRequest) error {
	return m.transition(ctx, runtime.SuspensionStateSuspended, req)
}

func (m *SuspensionStateMachine) Activate(ctx context.Context, req SuspensionRequest) error {
	return m.transition(ctx, runtime.SuspensionStateActive, req)
}

func (m *SuspensionStateMachine) transition(ctx context.Context, target runtime.SuspensionState, req SuspensionRequest) (err error) {
	ctx, span := m.tracer.Start(ctx, "repository-"+handlerTypeOf(target), trace.WithAttributes(
		attribute.String(otelPkg.AttributeDefinitionId, req.Selector.String()),
		attribute.Bool(otelPkg.AttributeCascade, req.IncludeInstances),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	defs, err := req.Selector.resolve(ctx, m.store)
	if err != nil {
		return err
	}
	batch := m.store.NewBatch()
	if req.ExecutionDate != nil && req.ExecutionDate.After(m.now()) {
		var deploymentId *string
		if len(defs) == 1 && !req.Selector.byKey() {
			deploymentId = &defs[0].DeploymentId
		}
		if _, err := m.schedule(ctx, batch, target, req.Selector, req.IncludeInstances, *req.ExecutionDate, deploymentId, defs[0].TenantId); err != nil {
			return err
		}
		if err := batch.Flush(ctx); err != nil {
			return fmt.Errorf("failed to schedule %s of %s: %w", handlerTypeOf(target), req.Selector, err)
		}
		m.logger.Debug("scheduled definition state transition", "selector", req.Selector.String(), "target", target.String(), "due", *req.ExecutionDate)
		return nil
	}
	if err := m.apply(ctx, batch, defs, target, req.IncludeInstances); err != nil {
		return err
	}
	if err := batch.Flush(ctx); err != nil {
		return fmt.Errorf("failed to %s %s: %w", handlerTypeOf(target), req.Selector, err)
	}
	return nil
}

// schedule adds the job that applies the transition at due
func (m *SuspensionStateMachine) schedule(ctx context.Context, batch storage.Batch, target runtime.SuspensionState, selector DefinitionSelector, includeInstances bool, due time.Time, deploymentId *string, tenantId *string) (runtime.Job, error) {
	payload, err := json.Marshal(transitionPayload{
		Ids:              selector.Ids,
		Kind:             selector.Kind,
		Key:              selector.Key,
		TenantId:         selector.TenantId,
		WithoutTenant:    selector.WithoutTenant,
		IncludeInstances: includeInstances,
	})
	if err != nil {
		return runtime.Job{}, fmt.Errorf("failed to marshal transition of %s: %w", selector, err)
	}
	job := runtime.Job{
		Key:             m.store.GenerateId(),
		Type:            runtime.JobTypeTimer,
		DeploymentId:    deploymentId,
		HandlerType:     handlerTypeOf(target),
		HandlerConfig:   string(payload),
		DueDate:         &due,
		Retries:         runtime.DefaultJobRetries,
		SuspensionState: runtime.SuspensionStateActive,
		TenantId:        tenantId,
		CreatedAt:       m.now(),
	}
	if len(selector.Ids) == 1 {
		job.DefinitionId = &selector.Ids[0]
	}
	return job, batch.SaveJob(ctx, job)
}

// apply flips the definitions and their dependents in the batch.
// Job definitions and start timers always follow the definition, instances with their tasks and jobs only when includeInstances is set.
func (m *SuspensionStateMachine) apply(ctx context.Context, batch storage.Batch, defs []runtime.Definition, target runtime.SuspensionState, includeInstances bool) error {
	now := m.now()
	changed := make([]runtime.Definition, 0, len(defs))
	for _, def := range defs {
		desc, err := descriptorOf(def.Kind)
		if err != nil {
			return err
		}
		deps, err := desc.collect(ctx, m.store, def, includeInstances)
		if err != nil {
			return err
		}
		if def.SuspensionState != target {
			if err := batch.UpdateDefinitionSuspensionState(ctx, def.Id, target); err != nil {
				return err
			}
			if err := batch.SaveHistoryEvent(ctx, runtime.HistoryEvent{
				Key:          m.store.GenerateId(),
				DefinitionId: def.Id,
				Type:         runtime.HistoryEventDefinitionUpdated,
				Details:      target.String(),
				CreatedAt:    now,
			}); err != nil {
				return err
			}
			changed = append(changed, def)
		}
		for _, jd := range deps.jobDefinitions {
			if jd.SuspensionState == target {
				continue
			}
			jd.SuspensionState = target
			if err := batch.SaveJobDefinition(ctx, jd); err != nil {
				return err
			}
		}
		for _, j := range deps.startTimers() {
			if err := saveJobState(ctx, batch, j, target); err != nil {
				return err
			}
		}
		for _, inst := range deps.instances {
			if inst.instance.SuspensionState != target {
				inst.instance.SuspensionState = target
				if err := batch.SaveProcessInstance(ctx, inst.instance); err != nil {
					return err
				}
			}
			for _, task := range inst.tasks {
				if task.SuspensionState == target {
					continue
				}
				task.SuspensionState = target
				if err := batch.SaveTask(ctx, task); err != nil {
					return err
				}
			}
			for _, j := range inst.jobs {
				if err := saveJobState(ctx, batch, j, target); err != nil {
					return err
				}
			}
		}
	}
	batch.AddPostFlushAction(ctx, func() {
		for _, def := range defs {
			m.cache.UpdateSuspensionState(def.Id, target)
		}
		for _, def := range changed {
			m.metrics.SuspensionTransitions.Add(ctx, 1, metric.WithAttributes(
				attribute.String(otelPkg.AttributeDefinitionKind, string(def.Kind)),
				attribute.String("state", target.String()),
			))
		}
	})
	return nil
}

func saveJobState(ctx context.Context, batch storage.Batch, job runtime.Job, target runtime.SuspensionState) error {
	if job.SuspensionState == target {
		return nil
	}
	job.SuspensionState = target
	return batch.SaveJob(ctx, job)
}

// HandleTransitionJob runs a delayed suspension or activation in the executor's batch
func (m *SuspensionStateMachine) HandleTransitionJob(ctx context.Context, batch storage.Batch, job runtime.Job) error {
	var target runtime.SuspensionState
	switch job.HandlerType {
	case runtime.HandlerTypeSuspendDefinition:
		target = runtime.SuspensionStateSuspended
	case runtime.HandlerTypeActivateDefinition:
		target = runtime.SuspensionStateActive
	default:
		return fmt.Errorf("job %d has handler %s, not a definition state transition", job.Key, job.HandlerType)
	}
	var payload transitionPayload
	if err := json.Unmarshal([]byte(job.HandlerConfig), &payload); err != nil {
		return fmt.Errorf("failed to read transition of job %d: %w", job.Key, err)
	}
	defs, err := payload.selector().resolve(ctx, m.store)
	if IsNotFound(err) {
		m.logger.Warn("definitions of delayed transition no longer exist", "job", job.Key, "selector", payload.selector().String())
		return nil
	}
	if err != nil {
		return err
	}
	return m.apply(ctx, batch, defs, target, payload.IncludeInstances)
}
