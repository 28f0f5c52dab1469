package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/pbinitiative/zenrepo/pkg/ptr"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
)

// DuplicateCandidate is a deploy request after validation and parsing.
// Definitions carry kind, key, version tag and resource name only.
type DuplicateCandidate struct {
	Name        string
	Source      *string
	TenantId    *string
	Resources   []runtime.Resource
	Definitions []runtime.Definition
}

// DuplicateBaseline is the stored deployment a candidate is compared with
type DuplicateBaseline struct {
	Deployment  runtime.Deployment
	Resources   []runtime.Resource
	Definitions []runtime.Definition
}

// DuplicateFilter decides whether a candidate deploys nothing new compared to the baseline
type DuplicateFilter interface {
	IsDuplicate(candidate DuplicateCandidate, baseline DuplicateBaseline) bool
}

const (
	DuplicateFilterSource     = "source"
	DuplicateFilterVersionTag = "versionTag"
)

// DuplicateFilterByName returns the policy configured under name, an empty name selects the source policy
func DuplicateFilterByName(name string) (DuplicateFilter, error) {
	switch name {
	case "", DuplicateFilterSource:
		return SourceDuplicateFilter{}, nil
	case DuplicateFilterVersionTag:
		return VersionTagDuplicateFilter{}, nil
	}
	return nil, fmt.Errorf("unknown duplicate filter %q", name)
}

func resourcesByName(resources []runtime.Resource) map[string][]byte {
	res := make(map[string][]byte, len(resources))
	for _, r := range resources {
		res[r.Name] = r.Bytes
	}
	return res
}

// SourceDuplicateFilter compares resource bytes name by name
type SourceDuplicateFilter struct{}

func (SourceDuplicateFilter) IsDuplicate(candidate DuplicateCandidate, baseline DuplicateBaseline) bool {
	if !ptr.Equal(candidate.Source, baseline.Deployment.Source) {
		return false
	}
	if len(candidate.Resources) != len(baseline.Resources) {
		return false
	}
	stored := resourcesByName(baseline.Resources)
	for _, r := range candidate.Resources {
		b, ok := stored[r.Name]
		if !ok || !bytes.Equal(b, r.Bytes) {
			return false
		}
	}
	return true
}

// VersionTagDuplicateFilter compares definitions by their declared version tag instead of bytes.
// Resources declaring no definition are still compared byte for byte, a definition without a tag is never a duplicate.
type VersionTagDuplicateFilter struct{}

func (VersionTagDuplicateFilter) IsDuplicate(candidate DuplicateCandidate, baseline DuplicateBaseline) bool {
	if !ptr.Equal(candidate.Source, baseline.Deployment.Source) {
		return false
	}
	if len(candidate.Resources) != len(baseline.Resources) || len(candidate.Definitions) != len(baseline.Definitions) {
		return false
	}
	type kindKey struct {
		kind runtime.DefinitionKind
		key  string
	}
	tags := make(map[kindKey]*string, len(baseline.Definitions))
	definitionResources := map[string]bool{}
	for _, d := range baseline.Definitions {
		tags[kindKey{d.Kind, d.Key}] = d.VersionTag
		definitionResources[d.ResourceName] = true
	}
	for _, d := range candidate.Definitions {
		tag, ok := tags[kindKey{d.Kind, d.Key}]
		if !ok || tag == nil || d.VersionTag == nil || *tag != *d.VersionTag {
			return false
		}
		definitionResources[d.ResourceName] = true
	}
	stored := resourcesByName(baseline.Resources)
	for _, r := range candidate.Resources {
		b, ok := stored[r.Name]
		if !ok {
			return false
		}
		if !definitionResources[r.Name] && !bytes.Equal(b, r.Bytes) {
			return false
		}
	}
	return true
}

// VersioningEngine hands out definition versions and detects duplicate deployments
type VersioningEngine struct {
	store  storage.Storage
	filter DuplicateFilter
}

func NewVersioningEngine(store storage.Storage, filter DuplicateFilter) *VersioningEngine {
	if filter == nil {
		filter = SourceDuplicateFilter{}
	}
	return &VersioningEngine{store: store, filter: filter}
}

// AssignVersion returns the next version for kind, key and tenant.
// The ledger behind FindLatestDefinitionVersion keeps versions of deleted definitions, so a version is never handed out twice.
// Two callers may still read the same maximum, the loser's flush fails with storage.ErrConflict and has to assign again.
func (v *VersioningEngine) AssignVersion(ctx context.Context, kind runtime.DefinitionKind, key string, tenantId *string) (int32, error) {
	latest, err := v.store.FindLatestDefinitionVersion(ctx, kind, key, tenantId)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest version of %s %s: %w", kind, key, err)
	}
	return latest + 1, nil
}

// FindDuplicate compares the candidate with the latest deployment of the same name and tenant,
// or with the deployment given by baselineId. It returns nil when the candidate is not a duplicate.
func (v *VersioningEngine) FindDuplicate(ctx context.Context, candidate DuplicateCandidate, baselineId *string) (*runtime.Deployment, error) {
	var baseline runtime.Deployment
	var err error
	if baselineId != nil {
		baseline, err = v.store.FindDeploymentById(ctx, *baselineId)
		if err != nil {
			return nil, notFoundOr(err, *baselineId, "duplicate filtering baseline deployment not found")
		}
	} else {
		baseline, err = v.store.FindLatestDeploymentByName(ctx, candidate.Name, candidate.TenantId)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to find latest deployment named %s: %w", candidate.Name, err)
		}
	}
	resources, err := v.store.FindResourcesByDeploymentId(ctx, baseline.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to read resources of deployment %s: %w", baseline.Id, err)
	}
	definitions, err := v.store.FindDefinitionsByDeploymentId(ctx, baseline.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions of deployment %s: %w", baseline.Id, err)
	}
	// a baseline that lost definitions to deletion cannot stand in for the candidate
	if len(definitions) != len(candidate.Definitions) {
		return nil, nil
	}
	if !v.filter.IsDuplicate(candidate, DuplicateBaseline{Deployment: baseline, Resources: resources, Definitions: definitions}) {
		return nil, nil
	}
	return &baseline, nil
}
