package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
)

type ResumeStrategy string

const (
	ResumeByProcessDefinitionKey ResumeStrategy = "BY_PROCESS_DEFINITION_KEY"
	ResumeByDeploymentName       ResumeStrategy = "BY_DEPLOYMENT_NAME"
)

func ParseResumeStrategy(s string) (ResumeStrategy, error) {
	switch ResumeStrategy(s) {
	case "":
		return ResumeByProcessDefinitionKey, nil
	case ResumeByProcessDefinitionKey, ResumeByDeploymentName:
		return ResumeStrategy(s), nil
	}
	return "", newErrorf(ErrorKindNotValid, s, "unknown resume strategy")
}

type DefinitionRef struct {
	Kind runtime.DefinitionKind
	Key  string
}

// Registration is what a process application has registered with its latest deployment.
// DeploymentIds is the deployment itself (while it exists) plus the resumed deployments.
type Registration struct {
	Application    string
	DeploymentId   string
	DeploymentName string
	TenantId       *string
	Keys           []DefinitionRef
	Resume         bool
	Strategy       ResumeStrategy
	DeploymentIds  []string
}

// ProcessApplicationRegistry keeps the latest registration per process application.
// Registering replaces the previous registration of the application.
type ProcessApplicationRegistry struct {
	mu            sync.RWMutex
	registrations map[string]Registration
}

func NewProcessApplicationRegistry() *ProcessApplicationRegistry {
	return &ProcessApplicationRegistry{registrations: map[string]Registration{}}
}

func (r *ProcessApplicationRegistry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations[reg.Application] = reg
}

func (r *ProcessApplicationRegistry) Unregister(application string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.registrations, application)
}

func (r *ProcessApplicationRegistry) Registration(application string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.registrations[application]
	return reg, ok
}

// DeploymentIds returns the deployments registered for the application
func (r *ProcessApplicationRegistry) DeploymentIds(application string) []string {
	reg, _ := r.Registration(application)
	return slices.Clone(reg.DeploymentIds)
}

func (r *ProcessApplicationRegistry) all() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]Registration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		res = append(res, reg)
	}
	return res
}

// resumptionSet returns the ids of existing deployments related to the registration under its strategy,
// the registered deployment itself excluded. It reads the store only.
func resumptionSet(ctx context.Context, store storage.Storage, reg Registration) ([]string, error) {
	ids := make([]string, 0)
	switch reg.Strategy {
	case ResumeByDeploymentName:
		deployments, err := store.FindDeploymentsByName(ctx, reg.DeploymentName, reg.TenantId)
		if err != nil {
			return nil, fmt.Errorf("failed to find deployments named %s: %w", reg.DeploymentName, err)
		}
		for _, d := range deployments {
			ids = append(ids, d.Id)
		}
	default:
		for _, ref := range reg.Keys {
			defs, err := store.FindDefinitions(ctx, storage.DefinitionFilter{
				Kind:          ref.Kind,
				Key:           ref.Key,
				TenantId:      reg.TenantId,
				WithoutTenant: reg.TenantId == nil,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to find definitions of %s %s: %w", ref.Kind, ref.Key, err)
			}
			for _, d := range defs {
				ids = append(ids, d.DeploymentId)
			}
		}
	}
	ids = slices.DeleteFunc(ids, func(id string) bool { return id == reg.DeploymentId })
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// register computes the registration set from the store and replaces the application's registration
func (r *ProcessApplicationRegistry) register(ctx context.Context, store storage.Storage, reg Registration) (Registration, []string, error) {
	resumed := []string{}
	if reg.Resume {
		var err error
		resumed, err = resumptionSet(ctx, store, reg)
		if err != nil {
			return reg, nil, err
		}
	}
	ids := make([]string, 0, len(resumed)+1)
	_, err := store.FindDeploymentById(ctx, reg.DeploymentId)
	switch {
	case err == nil:
		ids = append(ids, reg.DeploymentId)
	case !errors.Is(err, storage.ErrNotFound):
		return reg, nil, fmt.Errorf("failed to read deployment %s: %w", reg.DeploymentId, err)
	}
	reg.DeploymentIds = append(ids, resumed...)
	r.Register(reg)
	return reg, resumed, nil
}

// refresh recomputes every registration that touches one of the deployments or keys
func (r *ProcessApplicationRegistry) refresh(ctx context.Context, store storage.Storage, deploymentIds []string, keys []DefinitionRef) error {
	var errJoin error
	for _, reg := range r.all() {
		affected := slices.ContainsFunc(reg.DeploymentIds, func(id string) bool { return slices.Contains(deploymentIds, id) })
		if !affected {
			affected = slices.ContainsFunc(reg.Keys, func(ref DefinitionRef) bool { return slices.Contains(keys, ref) })
		}
		if !affected {
			continue
		}
		if _, _, err := r.register(ctx, store, reg); err != nil {
			errJoin = errors.Join(errJoin, fmt.Errorf("failed to re-register process application %s: %w", reg.Application, err))
		}
	}
	return errJoin
}
