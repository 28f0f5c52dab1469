package inmemory

import (
	"fmt"
	"maps"
	"slices"

	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
)

func saveDeployment(deployment runtime.Deployment) func(s *state) error {
	return func(s *state) error {
		if _, ok := s.deploymentOrder[deployment.Id]; !ok {
			s.seq++
			s.deploymentOrder[deployment.Id] = s.seq
		}
		s.Deployments[deployment.Id] = deployment
		return nil
	}
}

func saveResource(resource runtime.Resource) func(s *state) error {
	return func(s *state) error {
		for _, r := range s.Resources {
			if r.Id != resource.Id && r.DeploymentId == resource.DeploymentId && r.Name == resource.Name {
				return fmt.Errorf("resource %s already exists in deployment %s: %w", resource.Name, resource.DeploymentId, storage.ErrConflict)
			}
		}
		resource.Bytes = slices.Clone(resource.Bytes)
		s.Resources[resource.Id] = resource
		return nil
	}
}

func deleteDeployment(deploymentId string) func(s *state) error {
	return func(s *state) error {
		delete(s.Deployments, deploymentId)
		delete(s.deploymentOrder, deploymentId)
		maps.DeleteFunc(s.Resources, func(_ string, r runtime.Resource) bool {
			return r.DeploymentId == deploymentId
		})
		return nil
	}
}

func saveDefinition(definition runtime.Definition) func(s *state) error {
	return func(s *state) error {
		if _, ok := s.Definitions[definition.Id]; ok {
			return fmt.Errorf("definition %s already exists: %w", definition.Id, storage.ErrConflict)
		}
		vk := versionKey{kind: definition.Kind, key: definition.Key, tenantId: tenantString(definition.TenantId)}
		if slices.Contains(s.AssignedVersions[vk], definition.Version) {
			return fmt.Errorf("version %d of %s %s already assigned: %w", definition.Version, definition.Kind, definition.Key, storage.ErrConflict)
		}
		s.AssignedVersions[vk] = append(slices.Clone(s.AssignedVersions[vk]), definition.Version)
		s.Definitions[definition.Id] = definition
		return nil
	}
}

func updateDefinitionSuspensionState(definitionId string, suspensionState runtime.SuspensionState) func(s *state) error {
	return func(s *state) error {
		def, ok := s.Definitions[definitionId]
		if !ok {
			return fmt.Errorf("definition %s: %w", definitionId, storage.ErrNotFound)
		}
		def.SuspensionState = suspensionState
		s.Definitions[definitionId] = def
		return nil
	}
}

func deleteDefinition(definitionId string) func(s *state) error {
	return func(s *state) error {
		delete(s.Definitions, definitionId)
		return nil
	}
}

func saveJobDefinition(jobDefinition runtime.JobDefinition) func(s *state) error {
	return func(s *state) error {
		s.JobDefinitions[jobDefinition.Key] = jobDefinition
		return nil
	}
}

func deleteJobDefinition(key int64) func(s *state) error {
	return func(s *state) error {
		delete(s.JobDefinitions, key)
		return nil
	}
}

func saveJob(job runtime.Job) func(s *state) error {
	return func(s *state) error {
		s.Jobs[job.Key] = job
		return nil
	}
}

func deleteJob(key int64) func(s *state) error {
	return func(s *state) error {
		delete(s.Jobs, key)
		return nil
	}
}

func saveProcessInstance(processInstance runtime.ProcessInstance) func(s *state) error {
	return func(s *state) error {
		processInstance.Variables = maps.Clone(processInstance.Variables)
		s.ProcessInstances[processInstance.Key] = processInstance
		return nil
	}
}

func deleteProcessInstance(key int64) func(s *state) error {
	return func(s *state) error {
		delete(s.ProcessInstances, key)
		return nil
	}
}

func saveTask(task runtime.Task) func(s *state) error {
	return func(s *state) error {
		s.Tasks[task.Key] = task
		return nil
	}
}

func deleteTask(key int64) func(s *state) error {
	return func(s *state) error {
		delete(s.Tasks, key)
		return nil
	}
}

func saveHistoryEvent(event runtime.HistoryEvent) func(s *state) error {
	return func(s *state) error {
		s.HistoryEvents[event.Key] = event
		return nil
	}
}

func deleteHistoryEventsByDefinitionId(definitionId string) func(s *state) error {
	return func(s *state) error {
		maps.DeleteFunc(s.HistoryEvents, func(_ int64, e runtime.HistoryEvent) bool {
			return e.DefinitionId == definitionId
		})
		return nil
	}
}
