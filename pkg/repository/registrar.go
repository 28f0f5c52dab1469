// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	otelPkg "github.com/pbinitiative/zenrepo/pkg/otel"
	"github.com/pbinitiative/zenrepo/pkg/parser"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

type DeployOptions struct {
	DuplicateFiltering bool
	// DuplicateBaselineId compares against this deployment instead of the latest deployment with the same name
	DuplicateBaselineId    *string
	ProcessApplication     *string
	ResumePreviousVersions bool
	ResumeStrategy         ResumeStrategy
	// ActivateAfter creates the definitions suspended and schedules their activation
	ActivateAfter *time.Time
}

type DeployedSet struct {
	Deployment           runtime.Deployment
	Definitions          []runtime.Definition
	ResumedDeploymentIds []string
	// Duplicate is set when the request resolved to an existing deployment
	Duplicate bool
}

// ApplicationDefaults are the resume settings of a process application, used by deployments that do not set their own
type ApplicationDefaults struct {
	Resume   bool
	Strategy ResumeStrategy
}

type parsedResource struct {
	resource    runtime.Resource
	definitions []parser.ParsedDefinition
}

type createdDefinition struct {
	definition runtime.Definition
	model      any
}

// DeploymentRegistrar turns resource sets into deployments with versioned definitions
type DeploymentRegistrar struct {
	*core
	parsers       *parser.Registry
	versioning    *VersioningEngine
	suspension    *SuspensionStateMachine
	applications  *ProcessApplicationRegistry
	retryAttempts uint
	retryBackOff  func() backoff.BackOff

	defaultStrategy     ResumeStrategy
	applicationDefaults map[string]ApplicationDefaults
}

func defaultRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	return b
}

func (r *DeploymentRegistrar) Deploy(ctx context.Context, set *ResourceSet, opts DeployOptions) (res DeployedSet, err error) {
	ctx, span := r.tracer.Start(ctx, "repository-deploy")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	resolved, err := set.resolve(ctx, r.store)
	if err != nil {
		return res, err
	}
	if opts.DuplicateFiltering && resolved.name == "" && opts.DuplicateBaselineId == nil {
		return res, newErrorf(ErrorKindNotValid, "", "duplicate filtering requires a deployment name")
	}
	opts = r.withApplicationDefaults(opts)
	strategy, err := ParseResumeStrategy(string(opts.ResumeStrategy))
	if err != nil {
		return res, err
	}
	if opts.ResumePreviousVersions && opts.ProcessApplication == nil {
		return res, newErrorf(ErrorKindNotValid, resolved.name, "resuming previous versions requires a process application")
	}

	parsed, err := r.parse(resolved)
	if err != nil {
		return res, err
	}

	if opts.DuplicateFiltering {
		existing, err := r.versioning.FindDuplicate(ctx, duplicateCandidate(resolved, parsed), opts.DuplicateBaselineId)
		if err != nil {
			return res, err
		}
		if existing != nil {
			return r.resolveDuplicate(ctx, *existing, opts, strategy)
		}
	}

	now := r.now()
	deployment := runtime.Deployment{
		Id:                 uuid.NewString(),
		Name:               resolved.name,
		DeploymentTime:     now,
		Source:             resolved.source,
		TenantId:           resolved.tenantId,
		ProcessApplication: opts.ProcessApplication,
	}
	span.SetAttributes(attribute.String(otelPkg.AttributeDeploymentId, deployment.Id))

	created, err := backoff.Retry(ctx, func() ([]createdDefinition, error) {
		created, err := r.persist(ctx, deployment, parsed, opts)
		if errors.Is(err, storage.ErrConflict) {
			r.metrics.VersionConflicts.Add(ctx, 1)
			r.logger.Debug("definition version taken by a concurrent deployment, retrying", "deployment", deployment.Id)
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return created, nil
	}, backoff.WithBackOff(r.retryBackOff()), backoff.WithMaxTries(r.retryAttempts))
	if errors.Is(err, storage.ErrConflict) {
		return res, wrapError(ErrorKindConflict, deployment.Name, err, "failed to assign definition versions after %d attempts", r.retryAttempts)
	}
	if err != nil {
		return res, err
	}

	res = DeployedSet{
		Deployment:  deployment,
		Definitions: make([]runtime.Definition, 0, len(created)),
	}
	for _, c := range created {
		r.cache.Put(c.definition, c.model)
		res.Definitions = append(res.Definitions, c.definition)
		r.metrics.DefinitionsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String(otelPkg.AttributeDefinitionKind, string(c.definition.Kind))))
	}
	r.metrics.DeploymentsCreated.Add(ctx, 1)
	r.logger.Info("deployment created", "id", deployment.Id, "name", deployment.Name, "definitions", len(res.Definitions))

	if opts.ProcessApplication != nil {
		res.ResumedDeploymentIds, err = r.registerApplication(ctx, deployment, res.Definitions, opts, strategy)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (r *DeploymentRegistrar) withApplicationDefaults(opts DeployOptions) DeployOptions {
	if opts.ProcessApplication != nil {
		if d, ok := r.applicationDefaults[*opts.ProcessApplication]; ok {
			opts.ResumePreviousVersions = opts.ResumePreviousVersions || d.Resume
			if opts.ResumeStrategy == "" {
				opts.ResumeStrategy = d.Strategy
			}
		}
	}
	if opts.ResumeStrategy == "" {
		opts.ResumeStrategy = r.defaultStrategy
	}
	return opts
}

// parse runs every definition source through its parser, a resource failing to parse fails the deployment
func (r *DeploymentRegistrar) parse(resolved resolvedResourceSet) ([]parsedResource, error) {
	res := make([]parsedResource, 0, len(resolved.resources))
	seen := map[DefinitionRef]string{}
	for _, nr := range resolved.resources {
		resource := runtime.Resource{Name: nr.name, Bytes: nr.bytes}
		defs, err := r.parsers.Parse(resource)
		if err != nil {
			return nil, wrapError(ErrorKindNotValid, nr.name, err, "resource is not a valid definition source")
		}
		for _, d := range defs {
			ref := DefinitionRef{Kind: d.Kind, Key: d.Key}
			if other, ok := seen[ref]; ok {
				return nil, newErrorf(ErrorKindNotValid, d.Key, "%s declared in both %s and %s", d.Kind, other, nr.name)
			}
			seen[ref] = nr.name
		}
		res = append(res, parsedResource{resource: resource, definitions: defs})
	}
	return res, nil
}

func duplicateCandidate(resolved resolvedResourceSet, parsed []parsedResource) DuplicateCandidate {
	c := DuplicateCandidate{
		Name:     resolved.name,
		Source:   resolved.source,
		TenantId: resolved.tenantId,
	}
	for _, p := range parsed {
		c.Resources = append(c.Resources, p.resource)
		for _, d := range p.definitions {
			c.Definitions = append(c.Definitions, runtime.Definition{
				Kind:         d.Kind,
				Key:          d.Key,
				VersionTag:   d.VersionTag,
				ResourceName: p.resource.Name,
			})
		}
	}
	return c
}

func (r *DeploymentRegistrar) resolveDuplicate(ctx context.Context, existing runtime.Deployment, opts DeployOptions, strategy ResumeStrategy) (DeployedSet, error) {
	defs, err := r.store.FindDefinitionsByDeploymentId(ctx, existing.Id)
	if err != nil {
		return DeployedSet{}, fmt.Errorf("failed to read definitions of deployment %s: %w", existing.Id, err)
	}
	r.metrics.DuplicateDeployments.Add(ctx, 1)
	r.logger.Debug("deployment is a duplicate", "id", existing.Id, "name", existing.Name)
	res := DeployedSet{Deployment: existing, Definitions: defs, Duplicate: true}
	if opts.ProcessApplication != nil {
		res.ResumedDeploymentIds, err = r.registerApplication(ctx, existing, defs, opts, strategy)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// persist writes the whole deployment in one batch.
// It fails with storage.ErrConflict when a concurrent deployment took one of the assigned versions.
func (r *DeploymentRegistrar) persist(ctx context.Context, deployment runtime.Deployment, parsed []parsedResource, opts DeployOptions) ([]createdDefinition, error) {
	now := r.now()
	state := runtime.SuspensionStateActive
	if opts.ActivateAfter != nil && opts.ActivateAfter.After(now) {
		state = runtime.SuspensionStateSuspended
	}
	batch := r.store.NewBatch()
	if err := batch.SaveDeployment(ctx, deployment); err != nil {
		return nil, err
	}
	created := make([]createdDefinition, 0)
	for _, p := range parsed {
		resource := p.resource
		resource.Id = uuid.NewString()
		resource.DeploymentId = deployment.Id
		if err := batch.SaveResource(ctx, resource); err != nil {
			return nil, err
		}
		for _, pd := range p.definitions {
			def, err := r.newDefinition(ctx, deployment, resource.Name, pd, state)
			if err != nil {
				return nil, err
			}
			if err := r.replaceLatest(ctx, batch, def); err != nil {
				return nil, err
			}
			if err := batch.SaveDefinition(ctx, def); err != nil {
				return nil, err
			}
			jobDefinitions := make([]runtime.JobDefinition, 0, len(pd.JobDeclarations))
			for _, decl := range pd.JobDeclarations {
				jd := runtime.JobDefinition{
					Key:             r.store.GenerateId(),
					DefinitionId:    def.Id,
					ActivityId:      decl.ActivityId,
					HandlerType:     decl.HandlerType,
					Configuration:   decl.Configuration,
					SuspensionState: state,
				}
				if err := batch.SaveJobDefinition(ctx, jd); err != nil {
					return nil, err
				}
				jobDefinitions = append(jobDefinitions, jd)
			}
			timers, err := startTimerJobs(r.store, def, jobDefinitions, now)
			if err != nil {
				return nil, wrapError(ErrorKindNotValid, def.Key, err, "invalid timer start event")
			}
			for _, j := range timers {
				if err := batch.SaveJob(ctx, j); err != nil {
					return nil, err
				}
			}
			if state == runtime.SuspensionStateSuspended {
				if _, err := r.suspension.schedule(ctx, batch, runtime.SuspensionStateActive, ById(def.Id), false, *opts.ActivateAfter, &deployment.Id, def.TenantId); err != nil {
					return nil, err
				}
			}
			created = append(created, createdDefinition{definition: def, model: pd.Model})
		}
	}
	if err := batch.Flush(ctx); err != nil {
		return nil, fmt.Errorf("failed to persist deployment %s: %w", deployment.Id, err)
	}
	return created, nil
}

func (r *DeploymentRegistrar) newDefinition(ctx context.Context, deployment runtime.Deployment, resourceName string, pd parser.ParsedDefinition, state runtime.SuspensionState) (runtime.Definition, error) {
	version, err := r.versioning.AssignVersion(ctx, pd.Kind, pd.Key, deployment.TenantId)
	if err != nil {
		return runtime.Definition{}, err
	}
	return runtime.Definition{
		Id:                runtime.DefinitionId(pd.Key, version, r.store.GenerateId()),
		Kind:              pd.Kind,
		Key:               pd.Key,
		Version:           version,
		TenantId:          deployment.TenantId,
		DeploymentId:      deployment.Id,
		Category:          pd.Category,
		Name:              pd.Name,
		ResourceName:      resourceName,
		HistoryTimeToLive: pd.HistoryTimeToLive,
		VersionTag:        pd.VersionTag,
		SuspensionState:   state,
	}, nil
}

// replaceLatest removes the start timers of the version def replaces as the latest one
func (r *DeploymentRegistrar) replaceLatest(ctx context.Context, batch storage.Batch, def runtime.Definition) error {
	if def.Kind != runtime.DefinitionKindProcess {
		return nil
	}
	previous, err := r.store.FindLatestDefinition(ctx, def.Kind, def.Key, def.TenantId)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find latest version of %s: %w", def.Key, err)
	}
	return removeStartTimers(ctx, r.store, batch, previous.Id)
}

func (r *DeploymentRegistrar) registerApplication(ctx context.Context, deployment runtime.Deployment, defs []runtime.Definition, opts DeployOptions, strategy ResumeStrategy) ([]string, error) {
	reg := Registration{
		Application:    *opts.ProcessApplication,
		DeploymentId:   deployment.Id,
		DeploymentName: deployment.Name,
		TenantId:       deployment.TenantId,
		Resume:         opts.ResumePreviousVersions,
		Strategy:       strategy,
	}
	for _, d := range defs {
		reg.Keys = append(reg.Keys, DefinitionRef{Kind: d.Kind, Key: d.Key})
	}
	_, resumed, err := r.applications.register(ctx, r.store, reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register deployment %s with process application %s: %w", deployment.Id, reg.Application, err)
	}
	if len(resumed) > 0 {
		r.logger.Info("resumed previous deployments", "application", reg.Application, "deployments", resumed)
	}
	return resumed, nil
}

