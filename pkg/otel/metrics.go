package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
)

type RepositoryMetrics struct {
	DeploymentsCreated    metric.Int64Counter
	DuplicateDeployments  metric.Int64Counter
	DefinitionsCreated    metric.Int64Counter
	VersionConflicts      metric.Int64Counter
	CacheHits             metric.Int64Counter
	CacheMisses           metric.Int64Counter
	SuspensionTransitions metric.Int64Counter
	DefinitionsDeleted    metric.Int64Counter
	JobsExecuted          metric.Int64Counter
	JobsFailed            metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*RepositoryMetrics, error) {
	var errJoin error

	deploymentsCreated, err := meter.Int64Counter("deployments_created", metric.WithDescription("Number of deployments created"))
	errJoin = errors.Join(errJoin, err)

	duplicateDeployments, err := meter.Int64Counter("deployments_duplicate", metric.WithDescription("Number of deploy requests resolved to an existing deployment"))
	errJoin = errors.Join(errJoin, err)

	definitionsCreated, err := meter.Int64Counter("definitions_created", metric.WithDescription("Number of definitions created"))
	errJoin = errors.Join(errJoin, err)

	versionConflicts, err := meter.Int64Counter("definition_version_conflicts", metric.WithDescription("Number of version assignment races retried"))
	errJoin = errors.Join(errJoin, err)

	cacheHits, err := meter.Int64Counter("definition_cache_hits", metric.WithDescription("Number of definition cache hits"))
	errJoin = errors.Join(errJoin, err)

	cacheMisses, err := meter.Int64Counter("definition_cache_misses", metric.WithDescription("Number of definition cache misses"))
	errJoin = errors.Join(errJoin, err)

	suspensionTransitions, err := meter.Int64Counter("suspension_transitions", metric.WithDescription("Number of definitions suspended or activated"))
	errJoin = errors.Join(errJoin, err)

	definitionsDeleted, err := meter.Int64Counter("definitions_deleted", metric.WithDescription("Number of definitions deleted"))
	errJoin = errors.Join(errJoin, err)

	jobsExecuted, err := meter.Int64Counter("jobs_executed", metric.WithDescription("Number of jobs executed"))
	errJoin = errors.Join(errJoin, err)

	jobsFailed, err := meter.Int64Counter("jobs_failed", metric.WithDescription("Number of jobs failed"))
	errJoin = errors.Join(errJoin, err)

	metrics := RepositoryMetrics{
		DeploymentsCreated:    deploymentsCreated,
		DuplicateDeployments:  duplicateDeployments,
		DefinitionsCreated:    definitionsCreated,
		VersionConflicts:      versionConflicts,
		CacheHits:             cacheHits,
		CacheMisses:           cacheMisses,
		SuspensionTransitions: suspensionTransitions,
		DefinitionsDeleted:    definitionsDeleted,
		JobsExecuted:          jobsExecuted,
		JobsFailed:            jobsFailed,
	}
	return &metrics, errJoin
}
