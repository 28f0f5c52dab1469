// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package repository

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	otelPkg "github.com/pbinitiative/zenrepo/pkg/otel"
	"github.com/pbinitiative/zenrepo/pkg/parser/bpmn"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/script"
	"github.com/pbinitiative/zenrepo/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type DeleteRequest struct {
	Selector DefinitionSelector
	// Cascade tears down running instances, without it running instances block the deletion
	Cascade bool
	// SkipCustomListeners does not run end listeners of torn down instances
	SkipCustomListeners bool
	// SkipIoMappings does not evaluate output mappings of torn down instances
	SkipIoMappings bool
}

type DeletionEngine struct {
	*core
	applications *ProcessApplicationRegistry
	js           script.JsRuntime
	feel         script.FeelRuntime
}

func (e *DeletionEngine) Delete(ctx context.Context, req DeleteRequest) (err error) {
	ctx, span := e.tracer.Start(ctx, "repository-delete", trace.WithAttributes(
		attribute.String(otelPkg.AttributeDefinitionId, req.Selector.String()),
		attribute.Bool(otelPkg.AttributeCascade, req.Cascade),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	defs, err := req.Selector.resolve(ctx, e.store)
	if err != nil {
		return err
	}
	batch := e.store.NewBatch()
	if err := e.deleteDefinitions(ctx, batch, defs, req); err != nil {
		return err
	}
	if err := batch.Flush(ctx); err != nil {
		return fmt.Errorf("failed to delete %s: %w", req.Selector, err)
	}
	e.afterDelete(ctx, defs, nil)
	return nil
}

// DeleteDeployment removes the deployment with its resources and definitions
func (e *DeletionEngine) DeleteDeployment(ctx context.Context, deploymentId string, cascade, skipCustomListeners, skipIoMappings bool) (err error) {
	ctx, span := e.tracer.Start(ctx, "repository-delete-deployment", trace.WithAttributes(
		attribute.String(otelPkg.AttributeDeploymentId, deploymentId),
		attribute.Bool(otelPkg.AttributeCascade, cascade),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if deploymentId == "" {
		return newErrorf(ErrorKindNotValid, "", "deployment id is empty")
	}
	if _, err := e.store.FindDeploymentById(ctx, deploymentId); err != nil {
		return notFoundOr(err, deploymentId, "deployment not found")
	}
	defs, err := e.store.FindDefinitionsByDeploymentId(ctx, deploymentId)
	if err != nil {
		return fmt.Errorf("failed to find definitions of deployment %s: %w", deploymentId, err)
	}
	batch := e.store.NewBatch()
	req := DeleteRequest{Cascade: cascade, SkipCustomListeners: skipCustomListeners, SkipIoMappings: skipIoMappings}
	if err := e.deleteDefinitions(ctx, batch, defs, req); err != nil {
		return err
	}
	if err := batch.DeleteDeployment(ctx, deploymentId); err != nil {
		return err
	}
	if err := batch.Flush(ctx); err != nil {
		return fmt.Errorf("failed to delete deployment %s: %w", deploymentId, err)
	}
	e.logger.Info("deployment deleted", "id", deploymentId, "definitions", len(defs))
	e.afterDelete(ctx, defs, []string{deploymentId})
	return nil
}

// deleteDefinitions adds the deletion of defs and their dependents to the batch.
// Nothing is added when one of the definitions blocks the deletion.
func (e *DeletionEngine) deleteDefinitions(ctx context.Context, batch storage.Batch, defs []runtime.Definition, req DeleteRequest) error {
	if !req.Cascade {
		for _, def := range defs {
			running, err := hasRunningInstances(ctx, e.store, def)
			if err != nil {
				return err
			}
			if running {
				return newErrorf(ErrorKindBlockedByRunningInstances, def.Id, "deletion without cascading failed, definition has running instances")
			}
		}
	}
	deletedJobs := map[int64]bool{}
	deleteJob := func(key int64) error {
		if deletedJobs[key] {
			return nil
		}
		deletedJobs[key] = true
		return batch.DeleteJob(ctx, key)
	}
	for _, def := range defs {
		desc, err := descriptorOf(def.Kind)
		if err != nil {
			return err
		}
		deps, err := desc.collect(ctx, e.store, def, true)
		if err != nil {
			return err
		}
		if len(deps.instances) > 0 && !(req.SkipCustomListeners && req.SkipIoMappings) {
			entry, err := e.cache.GetEntry(ctx, def.Id)
			if err != nil {
				return fmt.Errorf("failed to load model of %s: %w", def.Id, err)
			}
			process, ok := entry.Model.(*bpmn.Process)
			if !ok {
				return newErrorf(ErrorKindNotValid, def.Id, "definition has no process model")
			}
			for _, inst := range deps.instances {
				if err := e.teardown(ctx, def, process, inst.instance, req); err != nil {
					return err
				}
			}
		}
		for _, inst := range deps.instances {
			for _, task := range inst.tasks {
				if err := batch.DeleteTask(ctx, task.Key); err != nil {
					return err
				}
			}
			for _, j := range inst.jobs {
				if err := deleteJob(j.Key); err != nil {
					return err
				}
			}
			if err := batch.DeleteProcessInstance(ctx, inst.instance.Key); err != nil {
				return err
			}
		}
		for _, j := range deps.jobs {
			if err := deleteJob(j.Key); err != nil {
				return err
			}
		}
		for _, jd := range deps.jobDefinitions {
			if err := batch.DeleteJobDefinition(ctx, jd.Key); err != nil {
				return err
			}
		}
		if err := batch.DeleteHistoryEventsByDefinitionId(ctx, def.Id); err != nil {
			return err
		}
		if err := batch.DeleteDefinition(ctx, def.Id); err != nil {
			return err
		}
	}
	return e.promoteLatest(ctx, batch, defs)
}

// promoteLatest gives the new latest version of every key that lost its latest version back its start timers
func (e *DeletionEngine) promoteLatest(ctx context.Context, batch storage.Batch, defs []runtime.Definition) error {
	deleted := make(map[string]bool, len(defs))
	for _, def := range defs {
		deleted[def.Id] = true
	}
	done := map[string]bool{}
	for _, def := range defs {
		if def.Kind != runtime.DefinitionKindProcess {
			continue
		}
		group := def.Key + "\x00" + tenantKey(def.TenantId)
		if done[group] {
			continue
		}
		done[group] = true
		versions, err := e.store.FindDefinitions(ctx, storage.DefinitionFilter{
			Kind:          def.Kind,
			Key:           def.Key,
			TenantId:      def.TenantId,
			WithoutTenant: def.TenantId == nil,
		})
		if err != nil {
			return fmt.Errorf("failed to find versions of %s: %w", def.Key, err)
		}
		if len(versions) == 0 || !deleted[versions[len(versions)-1].Id] {
			continue
		}
		versions = slices.DeleteFunc(versions, func(d runtime.Definition) bool { return deleted[d.Id] })
		if len(versions) == 0 {
			continue
		}
		latest := versions[len(versions)-1]
		if err := restoreStartTimers(ctx, e.store, batch, latest, e.now()); err != nil {
			return err
		}
		e.logger.Debug("latest version deleted, restored start timers of previous version", "key", def.Key, "definition", latest.Id)
	}
	return nil
}

func tenantKey(tenantId *string) string {
	if tenantId == nil {
		return ""
	}
	return "t:" + *tenantId
}

// teardown runs what ends an instance the way the engine would when cancelling it.
// Output mappings run before end listeners so listeners see the mapped variables.
func (e *DeletionEngine) teardown(ctx context.Context, def runtime.Definition, process *bpmn.Process, instance runtime.ProcessInstance, req DeleteRequest) error {
	variables := maps.Clone(instance.Variables)
	if variables == nil {
		variables = map[string]any{}
	}
	activity, ok := process.Activity(instance.ActivityId)
	if ok && !req.SkipIoMappings {
		for _, out := range activity.Outputs {
			value, err := e.feel.Evaluate(out.Source, variables)
			if err != nil {
				return wrapError(ErrorKindDependentOperationFailure, def.Id, err, "output mapping %s of activity %s failed for instance %d", out.Target, activity.Id, instance.Key)
			}
			variables[out.Target] = value
		}
	}
	if req.SkipCustomListeners {
		return nil
	}
	listeners := make([]bpmn.Listener, 0)
	if ok {
		listeners = append(listeners, activity.Listeners...)
	}
	listeners = append(listeners, process.Listeners...)
	for _, l := range listeners {
		if l.Event != bpmn.ListenerEventEnd {
			continue
		}
		if err := e.runListener(ctx, l, variables); err != nil {
			return wrapError(ErrorKindDependentOperationFailure, def.Id, err, "end listener failed for instance %d", instance.Key)
		}
	}
	return nil
}

func (e *DeletionEngine) runListener(ctx context.Context, l bpmn.Listener, variables map[string]any) error {
	switch strings.ToLower(l.ScriptFormat) {
	case "", "javascript", "js", "ecmascript":
		_, err := e.js.RunScript(ctx, l.Script, variables)
		return err
	}
	return fmt.Errorf("unsupported script format %q", l.ScriptFormat)
}

// afterDelete evicts deleted definitions and keeps process application registrations in line with the store
func (e *DeletionEngine) afterDelete(ctx context.Context, defs []runtime.Definition, deploymentIds []string) {
	keys := make([]DefinitionRef, 0, len(defs))
	for _, def := range defs {
		e.cache.Discard(def.Id)
		e.metrics.DefinitionsDeleted.Add(ctx, 1, metric.WithAttributes(attribute.String(otelPkg.AttributeDefinitionKind, string(def.Kind))))
		keys = append(keys, DefinitionRef{Kind: def.Kind, Key: def.Key})
		if !slices.Contains(deploymentIds, def.DeploymentId) {
			deploymentIds = append(deploymentIds, def.DeploymentId)
		}
	}
	if err := e.applications.refresh(ctx, e.store, deploymentIds, keys); err != nil {
		e.logger.Error("failed to refresh process application registrations", "err", err)
	}
}
