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
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenrepo/pkg/cache"
	otelPkg "github.com/pbinitiative/zenrepo/pkg/otel"
	"github.com/pbinitiative/zenrepo/pkg/parser"
	"github.com/pbinitiative/zenrepo/pkg/parser/bpmn"
	"github.com/pbinitiative/zenrepo/pkg/parser/dmn"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/script"
	"github.com/pbinitiative/zenrepo/pkg/script/feel"
	"github.com/pbinitiative/zenrepo/pkg/script/js"
	"github.com/pbinitiative/zenrepo/pkg/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// core is shared by the components of one repository
type core struct {
	store   storage.Storage
	cache   *cache.DefinitionCache
	metrics *otelPkg.RepositoryMetrics
	logger  hclog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// JobHandler executes a job inside the batch that also removes the job
type JobHandler func(ctx context.Context, batch storage.Batch, job runtime.Job) error

type Option = func(*Repository)

// Repository is the entry point to deployments and definitions.
// Several repositories may share one storage, the storage is the only state they share.
type Repository struct {
	core          *core
	parsers       *parser.Registry
	cacheConfig   cache.Config
	filter        DuplicateFilter
	retryAttempts uint
	retryBackOff  func() backoff.BackOff
	js            script.JsRuntime
	feel          script.FeelRuntime
	strategy      ResumeStrategy
	appDefaults   map[string]ApplicationDefaults

	versioning   *VersioningEngine
	registrar    *DeploymentRegistrar
	suspension   *SuspensionStateMachine
	deletion     *DeletionEngine
	admission    *InstanceAdmission
	applications *ProcessApplicationRegistry
}

func DefaultCacheConfig() cache.Config {
	return cache.Config{
		Sizes: map[runtime.DefinitionKind]int{
			runtime.DefinitionKindProcess:              1000,
			runtime.DefinitionKindDecision:             1000,
			runtime.DefinitionKindDecisionRequirements: 1000,
		},
		ModelSize: 1000,
	}
}

// New creates a repository on top of store.
// ctx bounds the lifetime of the default script runner pool.
func New(ctx context.Context, store storage.Storage, options ...Option) (*Repository, error) {
	r := &Repository{
		core: &core{
			store:  store,
			logger: hclog.Default().Named("repository"),
			tracer: otel.GetTracerProvider().Tracer("zenrepo-repository"),
			now:    time.Now,
		},
		parsers:       parser.NewRegistry(bpmn.Parser{}, dmn.Parser{}),
		cacheConfig:   DefaultCacheConfig(),
		retryAttempts: 5,
		retryBackOff:  defaultRetryBackOff,
	}
	for _, option := range options {
		option(r)
	}
	if r.core.metrics == nil {
		metrics, err := otelPkg.NewMetrics(noop.NewMeterProvider().Meter("zenrepo-repository"))
		if err != nil {
			return nil, fmt.Errorf("failed to create repository metrics: %w", err)
		}
		r.core.metrics = metrics
	}
	if r.js == nil {
		r.js = js.NewJsRuntime(ctx, 10, 1, 5*time.Second)
	}
	if r.feel == nil {
		r.feel = feel.Runtime{}
	}
	if r.retryAttempts == 0 {
		r.retryAttempts = 1
	}
	r.core.cache = cache.New(store, r.parsers, r.cacheConfig, r.core.metrics, r.core.logger)
	r.applications = NewProcessApplicationRegistry()
	r.versioning = NewVersioningEngine(store, r.filter)
	r.suspension = &SuspensionStateMachine{core: r.core}
	r.registrar = &DeploymentRegistrar{
		core:          r.core,
		parsers:       r.parsers,
		versioning:    r.versioning,
		suspension:    r.suspension,
		applications:  r.applications,
		retryAttempts: r.retryAttempts,
		retryBackOff:  r.retryBackOff,

		defaultStrategy:     r.strategy,
		applicationDefaults: r.appDefaults,
	}
	r.deletion = &DeletionEngine{
		core:         r.core,
		applications: r.applications,
		js:           r.js,
		feel:         r.feel,
	}
	r.admission = &InstanceAdmission{core: r.core}
	return r, nil
}

func WithParsers(parsers *parser.Registry) Option {
	return func(r *Repository) { r.parsers = parsers }
}

func WithCacheConfig(conf cache.Config) Option {
	return func(r *Repository) { r.cacheConfig = conf }
}

func WithMetrics(metrics *otelPkg.RepositoryMetrics) Option {
	return func(r *Repository) { r.core.metrics = metrics }
}

func WithLogger(logger hclog.Logger) Option {
	return func(r *Repository) { r.core.logger = logger.Named("repository") }
}

func WithDuplicateFilter(filter DuplicateFilter) Option {
	return func(r *Repository) { r.filter = filter }
}

// WithVersionRetryAttempts bounds the deploy attempts made when a concurrent deployment takes a version
func WithVersionRetryAttempts(attempts uint) Option {
	return func(r *Repository) { r.retryAttempts = attempts }
}

func WithRetryBackOff(f func() backoff.BackOff) Option {
	return func(r *Repository) { r.retryBackOff = f }
}

// WithDefaultResumeStrategy sets the strategy of deployments that resume without naming one
func WithDefaultResumeStrategy(strategy ResumeStrategy) Option {
	return func(r *Repository) { r.strategy = strategy }
}

func WithProcessApplicationDefaults(defaults map[string]ApplicationDefaults) Option {
	return func(r *Repository) { r.appDefaults = defaults }
}

// WithScriptRuntimes replaces the runtimes of end listeners and output mappings, nil keeps the default
func WithScriptRuntimes(jsRuntime script.JsRuntime, feelRuntime script.FeelRuntime) Option {
	return func(r *Repository) {
		if jsRuntime != nil {
			r.js = jsRuntime
		}
		if feelRuntime != nil {
			r.feel = feelRuntime
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.core.now = now }
}

func (r *Repository) Deploy(ctx context.Context, set *ResourceSet, opts DeployOptions) (DeployedSet, error) {
	return r.registrar.Deploy(ctx, set, opts)
}

func (r *Repository) Suspend(ctx context.Context, req SuspensionRequest) error {
	return r.suspension.Suspend(ctx, req)
}

func (r *Repository) Activate(ctx context.Context, req SuspensionRequest) error {
	return r.suspension.Activate(ctx, req)
}

func (r *Repository) Delete(ctx context.Context, req DeleteRequest) error {
	return r.deletion.Delete(ctx, req)
}

func (r *Repository) DeleteDeployment(ctx context.Context, deploymentId string, cascade, skipCustomListeners, skipIoMappings bool) error {
	return r.deletion.DeleteDeployment(ctx, deploymentId, cascade, skipCustomListeners, skipIoMappings)
}

func (r *Repository) StartProcessInstance(ctx context.Context, req StartRequest) (runtime.ProcessInstance, error) {
	return r.admission.StartProcessInstance(ctx, req)
}

// GetDefinition reads through the cache, a deleted definition is NotFound
func (r *Repository) GetDefinition(ctx context.Context, id string) (runtime.Definition, error) {
	def, err := r.core.cache.Get(ctx, id)
	if err != nil {
		return def, notFoundOr(err, id, "definition not found")
	}
	return def, nil
}

func (r *Repository) DiscardCache(kind runtime.DefinitionKind) {
	r.core.cache.DiscardAll(kind)
	r.core.logger.Info("definition cache discarded", "kind", kind)
}

func (r *Repository) PurgeCache() {
	r.core.cache.Purge()
	r.core.logger.Info("definition cache purged")
}

func (r *Repository) Cache() *cache.DefinitionCache {
	return r.core.cache
}

func (r *Repository) ProcessApplications() *ProcessApplicationRegistry {
	return r.applications
}

func (r *Repository) Versioning() *VersioningEngine {
	return r.versioning
}

// JobHandlers returns the handlers of every job type the repository creates, keyed by handler type
func (r *Repository) JobHandlers() map[string]JobHandler {
	return map[string]JobHandler{
		runtime.HandlerTypeSuspendDefinition:  r.suspension.HandleTransitionJob,
		runtime.HandlerTypeActivateDefinition: r.suspension.HandleTransitionJob,
		runtime.HandlerTypeTimerStartEvent:    r.admission.HandleStartTimerJob,
		runtime.HandlerTypeAsyncContinuation:  r.admission.HandleAsyncContinuationJob,
	}
}
