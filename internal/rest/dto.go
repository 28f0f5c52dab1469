package rest

import (
	"time"

	"github.com/pbinitiative/zenrepo/pkg/repository"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
)

type SuspensionStateRequest struct {
	IncludeInstances bool       `json:"includeInstances"`
	ExecutionDate    *time.Time `json:"executionDate,omitempty"`
}

type StartInstanceRequest struct {
	BusinessKey string         `json:"businessKey"`
	Variables   map[string]any `json:"variables"`
}

type DefinitionResponse struct {
	Id                string                  `json:"id"`
	Kind              runtime.DefinitionKind  `json:"kind"`
	Key               string                  `json:"key"`
	Version           int32                   `json:"version"`
	VersionTag        *string                 `json:"versionTag,omitempty"`
	Name              string                  `json:"name,omitempty"`
	Category          string                  `json:"category,omitempty"`
	TenantId          *string                 `json:"tenantId,omitempty"`
	DeploymentId      string                  `json:"deploymentId"`
	ResourceName      string                  `json:"resourceName"`
	HistoryTimeToLive *int32                  `json:"historyTimeToLive,omitempty"`
	SuspensionState   runtime.SuspensionState `json:"suspensionState"`
}

type DeploymentResponse struct {
	Id                   string               `json:"id"`
	Name                 string               `json:"name"`
	DeploymentTime       time.Time            `json:"deploymentTime"`
	Source               *string              `json:"source,omitempty"`
	TenantId             *string              `json:"tenantId,omitempty"`
	ProcessApplication   *string              `json:"processApplication,omitempty"`
	Duplicate            bool                 `json:"duplicate"`
	Definitions          []DefinitionResponse `json:"definitions"`
	ResumedDeploymentIds []string             `json:"resumedDeploymentIds,omitempty"`
}

type ProcessInstanceResponse struct {
	Key             int64                   `json:"key,string"`
	DefinitionId    string                  `json:"definitionId"`
	BusinessKey     string                  `json:"businessKey,omitempty"`
	ActivityId      string                  `json:"activityId"`
	TenantId        *string                 `json:"tenantId,omitempty"`
	SuspensionState runtime.SuspensionState `json:"suspensionState"`
	CreatedAt       time.Time               `json:"createdAt"`
}

func newDefinitionResponse(d runtime.Definition) DefinitionResponse {
	return DefinitionResponse{
		Id:                d.Id,
		Kind:              d.Kind,
		Key:               d.Key,
		Version:           d.Version,
		VersionTag:        d.VersionTag,
		Name:              d.Name,
		Category:          d.Category,
		TenantId:          d.TenantId,
		DeploymentId:      d.DeploymentId,
		ResourceName:      d.ResourceName,
		HistoryTimeToLive: d.HistoryTimeToLive,
		SuspensionState:   d.SuspensionState,
	}
}

func newDeploymentResponse(res repository.DeployedSet) DeploymentResponse {
	defs := make([]DefinitionResponse, 0, len(res.Definitions))
	for _, d := range res.Definitions {
		defs = append(defs, newDefinitionResponse(d))
	}
	return DeploymentResponse{
		Id:                   res.Deployment.Id,
		Name:                 res.Deployment.Name,
		DeploymentTime:       res.Deployment.DeploymentTime,
		Source:               res.Deployment.Source,
		TenantId:             res.Deployment.TenantId,
		ProcessApplication:   res.Deployment.ProcessApplication,
		Duplicate:            res.Duplicate,
		Definitions:          defs,
		ResumedDeploymentIds: res.ResumedDeploymentIds,
	}
}

func newProcessInstanceResponse(p runtime.ProcessInstance) ProcessInstanceResponse {
	return ProcessInstanceResponse{
		Key:             p.Key,
		DefinitionId:    p.DefinitionId,
		BusinessKey:     p.BusinessKey,
		ActivityId:      p.ActivityId,
		TenantId:        p.TenantId,
		SuspensionState: p.SuspensionState,
		CreatedAt:       p.CreatedAt,
	}
}
