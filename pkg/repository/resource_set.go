package repository

import (
	"bytes"
	"context"
	"errors"

	"github.com/pbinitiative/zenrepo/pkg/storage"
)

// ResourceSet collects the resources of one deployment.
// Builder calls never fail, invalid input is reported by Deploy before anything is persisted.
type ResourceSet struct {
	name               *string
	nameFromDeployment *string
	source             *string
	tenantId           *string
	resources          []namedResource
	references         []deploymentReference
	errs               []error
}

type namedResource struct {
	name  string
	bytes []byte
}

// deploymentReference copies resources of a prior deployment into the new one
type deploymentReference struct {
	deploymentId  string
	all           bool
	resourceIds   []string
	resourceNames []string
}

func NewResourceSet() *ResourceSet {
	return &ResourceSet{}
}

func (r *ResourceSet) invalid(selector string, format string, a ...any) *ResourceSet {
	r.errs = append(r.errs, newErrorf(ErrorKindNotValid, selector, format, a...))
	return r
}

func (r *ResourceSet) Name(name string) *ResourceSet {
	r.name = &name
	return r
}

// NameFromDeployment names the new deployment after a prior one
func (r *ResourceSet) NameFromDeployment(deploymentId string) *ResourceSet {
	if deploymentId == "" {
		return r.invalid("", "deployment id of the name source is empty")
	}
	r.nameFromDeployment = &deploymentId
	return r
}

func (r *ResourceSet) Source(source string) *ResourceSet {
	r.source = &source
	return r
}

func (r *ResourceSet) TenantId(tenantId string) *ResourceSet {
	r.tenantId = &tenantId
	return r
}

func (r *ResourceSet) AddResource(name string, content []byte) *ResourceSet {
	if name == "" {
		return r.invalid("", "resource name is empty")
	}
	for _, res := range r.resources {
		if res.name == name {
			return r.invalid(name, "duplicate resource name")
		}
	}
	r.resources = append(r.resources, namedResource{name: name, bytes: content})
	return r
}

// AddDeploymentResources redeploys every resource of a prior deployment
func (r *ResourceSet) AddDeploymentResources(deploymentId string) *ResourceSet {
	if deploymentId == "" {
		return r.invalid("", "deployment id is empty")
	}
	r.references = append(r.references, deploymentReference{deploymentId: deploymentId, all: true})
	return r
}

func (r *ResourceSet) AddDeploymentResourcesById(deploymentId string, resourceIds ...string) *ResourceSet {
	if deploymentId == "" {
		return r.invalid("", "deployment id is empty")
	}
	if len(resourceIds) == 0 {
		return r.invalid(deploymentId, "resource ids are empty")
	}
	for _, id := range resourceIds {
		if id == "" {
			return r.invalid(deploymentId, "resource id is empty")
		}
	}
	r.references = append(r.references, deploymentReference{deploymentId: deploymentId, resourceIds: resourceIds})
	return r
}

func (r *ResourceSet) AddDeploymentResourcesByName(deploymentId string, resourceNames ...string) *ResourceSet {
	if deploymentId == "" {
		return r.invalid("", "deployment id is empty")
	}
	if len(resourceNames) == 0 {
		return r.invalid(deploymentId, "resource names are empty")
	}
	for _, name := range resourceNames {
		if name == "" {
			return r.invalid(deploymentId, "resource name is empty")
		}
	}
	r.references = append(r.references, deploymentReference{deploymentId: deploymentId, resourceNames: resourceNames})
	return r
}

type resolvedResourceSet struct {
	name      string
	source    *string
	tenantId  *string
	resources []namedResource
}

func (s *resolvedResourceSet) add(res namedResource, origin string) error {
	for _, existing := range s.resources {
		if existing.name != res.name {
			continue
		}
		if bytes.Equal(existing.bytes, res.bytes) {
			return nil
		}
		return newErrorf(ErrorKindNotValid, res.name, "resource from %s collides with a resource of the same name and different content", origin)
	}
	s.resources = append(s.resources, res)
	return nil
}

// resolve validates the set and loads referenced resources.
// Missing deployments and resources fail NotFound, everything else that is wrong fails NotValid.
func (r *ResourceSet) resolve(ctx context.Context, store storage.DeploymentStorageReader) (resolvedResourceSet, error) {
	if len(r.errs) > 0 {
		return resolvedResourceSet{}, errors.Join(r.errs...)
	}
	if r.name != nil && r.nameFromDeployment != nil {
		return resolvedResourceSet{}, newErrorf(ErrorKindNotValid, *r.nameFromDeployment, "cannot set both the deployment name and the deployment to take the name from")
	}
	res := resolvedResourceSet{
		source:    r.source,
		tenantId:  r.tenantId,
		resources: make([]namedResource, 0, len(r.resources)),
	}
	if r.name != nil {
		res.name = *r.name
	}
	if r.nameFromDeployment != nil {
		d, err := store.FindDeploymentById(ctx, *r.nameFromDeployment)
		if err != nil {
			return resolvedResourceSet{}, notFoundOr(err, *r.nameFromDeployment, "deployment to take the name from not found")
		}
		res.name = d.Name
	}
	res.resources = append(res.resources, r.resources...)

	for _, ref := range r.references {
		if _, err := store.FindDeploymentById(ctx, ref.deploymentId); err != nil {
			return resolvedResourceSet{}, notFoundOr(err, ref.deploymentId, "referenced deployment not found")
		}
		origin := "deployment " + ref.deploymentId
		switch {
		case ref.all:
			resources, err := store.FindResourcesByDeploymentId(ctx, ref.deploymentId)
			if err != nil {
				return resolvedResourceSet{}, err
			}
			for _, resource := range resources {
				if err := res.add(namedResource{name: resource.Name, bytes: resource.Bytes}, origin); err != nil {
					return resolvedResourceSet{}, err
				}
			}
		case len(ref.resourceIds) > 0:
			resources, err := store.FindResourcesByDeploymentId(ctx, ref.deploymentId)
			if err != nil {
				return resolvedResourceSet{}, err
			}
			for _, id := range ref.resourceIds {
				found := false
				for _, resource := range resources {
					if resource.Id != id {
						continue
					}
					found = true
					if err := res.add(namedResource{name: resource.Name, bytes: resource.Bytes}, origin); err != nil {
						return resolvedResourceSet{}, err
					}
				}
				if !found {
					return resolvedResourceSet{}, newErrorf(ErrorKindNotFound, id, "resource not found in deployment %s", ref.deploymentId)
				}
			}
		default:
			for _, name := range ref.resourceNames {
				resource, err := store.FindResource(ctx, ref.deploymentId, name)
				if err != nil {
					return resolvedResourceSet{}, notFoundOr(err, name, "resource not found in deployment %s", ref.deploymentId)
				}
				if err := res.add(namedResource{name: resource.Name, bytes: resource.Bytes}, origin); err != nil {
					return resolvedResourceSet{}, err
				}
			}
		}
	}
	if len(res.resources) == 0 {
		return resolvedResourceSet{}, newErrorf(ErrorKindNotValid, res.name, "deployment must contain at least one resource")
	}
	return res, nil
}
