package inmemory

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
	"github.com/pbinitiative/zenrepo/pkg/zenflake"
)

type versionKey struct {
	kind     runtime.DefinitionKind
	key      string
	tenantId string
}

type state struct {
	Deployments      map[string]runtime.Deployment
	deploymentOrder  map[string]int64
	Resources        map[string]runtime.Resource
	Definitions      map[string]runtime.Definition
	AssignedVersions map[versionKey][]int32
	JobDefinitions   map[int64]runtime.JobDefinition
	Jobs             map[int64]runtime.Job
	ProcessInstances map[int64]runtime.ProcessInstance
	Tasks            map[int64]runtime.Task
	HistoryEvents    map[int64]runtime.HistoryEvent
	seq              int64
}

func (s *state) clone() *state {
	versions := make(map[versionKey][]int32, len(s.AssignedVersions))
	for k, v := range s.AssignedVersions {
		versions[k] = slices.Clone(v)
	}
	return &state{
		Deployments:      maps.Clone(s.Deployments),
		deploymentOrder:  maps.Clone(s.deploymentOrder),
		Resources:        maps.Clone(s.Resources),
		Definitions:      maps.Clone(s.Definitions),
		AssignedVersions: versions,
		JobDefinitions:   maps.Clone(s.JobDefinitions),
		Jobs:             maps.Clone(s.Jobs),
		ProcessInstances: maps.Clone(s.ProcessInstances),
		Tasks:            maps.Clone(s.Tasks),
		HistoryEvents:    maps.Clone(s.HistoryEvents),
		seq:              s.seq,
	}
}

// Storage keeps repository state in memory,
// please use NewStorage to create a new object of this type.
//
// Writes are applied to a copy of the state and swapped in only when every write of a batch succeeded.
type Storage struct {
	mu    sync.RWMutex
	state *state
	keys  *zenflake.Generator
}

func NewStorage() *Storage {
	keys, err := zenflake.NewGenerator(0)
	if err != nil {
		panic(err)
	}
	return &Storage{
		keys: keys,
		state: &state{
			Deployments:      make(map[string]runtime.Deployment),
			deploymentOrder:  make(map[string]int64),
			Resources:        make(map[string]runtime.Resource),
			Definitions:      make(map[string]runtime.Definition),
			AssignedVersions: make(map[versionKey][]int32),
			JobDefinitions:   make(map[int64]runtime.JobDefinition),
			Jobs:             make(map[int64]runtime.Job),
			ProcessInstances: make(map[int64]runtime.ProcessInstance),
			Tasks:            make(map[int64]runtime.Task),
			HistoryEvents:    make(map[int64]runtime.HistoryEvent),
		},
	}
}

var _ storage.Storage = &Storage{}

func (mem *Storage) GenerateId() int64 {
	return mem.keys.Next()
}

func (mem *Storage) NewBatch() storage.Batch {
	return &StorageBatch{
		db:        mem,
		stmtToRun: make([]func(s *state) error, 0, 10),
	}
}

func (mem *Storage) read() *state {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return mem.state
}

// apply runs the statements against a copy of the state and swaps it in when all of them succeed.
func (mem *Storage) apply(stmts []func(s *state) error) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	next := mem.state.clone()
	for _, stmt := range stmts {
		if err := stmt(next); err != nil {
			return err
		}
	}
	mem.state = next
	return nil
}

func tenantString(tenantId *string) string {
	if tenantId == nil {
		return ""
	}
	return *tenantId
}

func sameTenant(a, b *string) bool {
	return tenantString(a) == tenantString(b)
}

var _ storage.DeploymentStorageReader = &Storage{}

func (mem *Storage) FindDeploymentById(ctx context.Context, deploymentId string) (runtime.Deployment, error) {
	res, ok := mem.read().Deployments[deploymentId]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindLatestDeploymentByName(ctx context.Context, name string, tenantId *string) (runtime.Deployment, error) {
	deployments, _ := mem.FindDeploymentsByName(ctx, name, tenantId)
	if len(deployments) == 0 {
		return runtime.Deployment{}, storage.ErrNotFound
	}
	return deployments[len(deployments)-1], nil
}

func (mem *Storage) FindDeploymentsByName(ctx context.Context, name string, tenantId *string) ([]runtime.Deployment, error) {
	s := mem.read()
	res := make([]runtime.Deployment, 0)
	for _, d := range s.Deployments {
		if d.Name != name || !sameTenant(d.TenantId, tenantId) {
			continue
		}
		res = append(res, d)
	}
	slices.SortFunc(res, func(a, b runtime.Deployment) int {
		if c := a.DeploymentTime.Compare(b.DeploymentTime); c != 0 {
			return c
		}
		return int(s.deploymentOrder[a.Id] - s.deploymentOrder[b.Id])
	})
	return res, nil
}

func (mem *Storage) FindResourcesByDeploymentId(ctx context.Context, deploymentId string) ([]runtime.Resource, error) {
	res := make([]runtime.Resource, 0)
	for _, r := range mem.read().Resources {
		if r.DeploymentId == deploymentId {
			res = append(res, r)
		}
	}
	slices.SortFunc(res, func(a, b runtime.Resource) int {
		return strings.Compare(a.Name, b.Name)
	})
	return res, nil
}

func (mem *Storage) FindResource(ctx context.Context, deploymentId string, resourceName string) (runtime.Resource, error) {
	for _, r := range mem.read().Resources {
		if r.DeploymentId == deploymentId && r.Name == resourceName {
			return r, nil
		}
	}
	return runtime.Resource{}, storage.ErrNotFound
}

var _ storage.DefinitionStorageReader = &Storage{}

func (mem *Storage) FindDefinitionById(ctx context.Context, definitionId string) (runtime.Definition, error) {
	res, ok := mem.read().Definitions[definitionId]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindDefinitions(ctx context.Context, filter storage.DefinitionFilter) ([]runtime.Definition, error) {
	res := make([]runtime.Definition, 0)
	for _, def := range mem.read().Definitions {
		if filter.Matches(def) {
			res = append(res, def)
		}
	}
	sortDefinitions(res)
	return res, nil
}

func (mem *Storage) FindLatestDefinition(ctx context.Context, kind runtime.DefinitionKind, key string, tenantId *string) (runtime.Definition, error) {
	var res runtime.Definition
	found := false
	for _, def := range mem.read().Definitions {
		if def.Kind != kind || def.Key != key || !sameTenant(def.TenantId, tenantId) {
			continue
		}
		if found && def.Version < res.Version {
			continue
		}
		found = true
		res = def
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindDefinitionsByDeploymentId(ctx context.Context, deploymentId string) ([]runtime.Definition, error) {
	res := make([]runtime.Definition, 0)
	for _, def := range mem.read().Definitions {
		if def.DeploymentId == deploymentId {
			res = append(res, def)
		}
	}
	sortDefinitions(res)
	return res, nil
}

func (mem *Storage) FindLatestDefinitionVersion(ctx context.Context, kind runtime.DefinitionKind, key string, tenantId *string) (int32, error) {
	versions := mem.read().AssignedVersions[versionKey{kind: kind, key: key, tenantId: tenantString(tenantId)}]
	if len(versions) == 0 {
		return 0, nil
	}
	return slices.Max(versions), nil
}

func sortDefinitions(defs []runtime.Definition) {
	slices.SortFunc(defs, func(a, b runtime.Definition) int {
		if c := strings.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		if c := strings.Compare(tenantString(a.TenantId), tenantString(b.TenantId)); c != 0 {
			return c
		}
		return int(a.Version - b.Version)
	})
}

var _ storage.JobDefinitionStorageReader = &Storage{}

func (mem *Storage) FindJobDefinitionByKey(ctx context.Context, key int64) (runtime.JobDefinition, error) {
	res, ok := mem.read().JobDefinitions[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindJobDefinitionsByDefinitionId(ctx context.Context, definitionId string) ([]runtime.JobDefinition, error) {
	res := make([]runtime.JobDefinition, 0)
	for _, jd := range mem.read().JobDefinitions {
		if jd.DefinitionId == definitionId {
			res = append(res, jd)
		}
	}
	slices.SortFunc(res, func(a, b runtime.JobDefinition) int {
		return strings.Compare(a.ActivityId, b.ActivityId)
	})
	return res, nil
}

var _ storage.JobStorageReader = &Storage{}

func (mem *Storage) FindJobByKey(ctx context.Context, key int64) (runtime.Job, error) {
	res, ok := mem.read().Jobs[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) findJobs(match func(j runtime.Job) bool) []runtime.Job {
	res := make([]runtime.Job, 0)
	for _, j := range mem.read().Jobs {
		if match(j) {
			res = append(res, j)
		}
	}
	slices.SortFunc(res, func(a, b runtime.Job) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return res
}

func (mem *Storage) FindJobsByDefinitionId(ctx context.Context, definitionId string) ([]runtime.Job, error) {
	return mem.findJobs(func(j runtime.Job) bool {
		return j.DefinitionId != nil && *j.DefinitionId == definitionId
	}), nil
}

func (mem *Storage) FindJobsByProcessInstanceKey(ctx context.Context, processInstanceKey int64) ([]runtime.Job, error) {
	return mem.findJobs(func(j runtime.Job) bool {
		return j.ProcessInstanceKey != nil && *j.ProcessInstanceKey == processInstanceKey
	}), nil
}

func (mem *Storage) FindJobsByHandlerType(ctx context.Context, handlerType string) ([]runtime.Job, error) {
	return mem.findJobs(func(j runtime.Job) bool {
		return j.HandlerType == handlerType
	}), nil
}

func (mem *Storage) FindDueJobs(ctx context.Context, now time.Time, limit int) ([]runtime.Job, error) {
	res := mem.findJobs(func(j runtime.Job) bool {
		if j.SuspensionState != runtime.SuspensionStateActive || j.Retries <= 0 {
			return false
		}
		return j.DueDate == nil || !j.DueDate.After(now)
	})
	slices.SortStableFunc(res, func(a, b runtime.Job) int {
		switch {
		case a.DueDate == nil && b.DueDate == nil:
			return 0
		case a.DueDate == nil:
			return -1
		case b.DueDate == nil:
			return 1
		}
		return a.DueDate.Compare(*b.DueDate)
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

var _ storage.ProcessInstanceStorageReader = &Storage{}

func (mem *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	res, ok := mem.read().ProcessInstances[processInstanceKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessInstancesByDefinitionId(ctx context.Context, definitionId string) ([]runtime.ProcessInstance, error) {
	res := make([]runtime.ProcessInstance, 0)
	for _, pi := range mem.read().ProcessInstances {
		if pi.DefinitionId == definitionId {
			res = append(res, pi)
		}
	}
	slices.SortFunc(res, func(a, b runtime.ProcessInstance) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return res, nil
}

var _ storage.TaskStorageReader = &Storage{}

func (mem *Storage) FindTasksByProcessInstanceKey(ctx context.Context, processInstanceKey int64) ([]runtime.Task, error) {
	res := make([]runtime.Task, 0)
	for _, t := range mem.read().Tasks {
		if t.ProcessInstanceKey == processInstanceKey {
			res = append(res, t)
		}
	}
	slices.SortFunc(res, func(a, b runtime.Task) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return res, nil
}

var _ storage.HistoryStorageReader = &Storage{}

func (mem *Storage) FindHistoryEventsByDefinitionId(ctx context.Context, definitionId string) ([]runtime.HistoryEvent, error) {
	res := make([]runtime.HistoryEvent, 0)
	for _, e := range mem.read().HistoryEvents {
		if e.DefinitionId == definitionId {
			res = append(res, e)
		}
	}
	slices.SortFunc(res, func(a, b runtime.HistoryEvent) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return res, nil
}

// Direct writes behave like a batch with a single statement.

func (mem *Storage) SaveDeployment(ctx context.Context, deployment runtime.Deployment) error {
	return mem.apply([]func(s *state) error{saveDeployment(deployment)})
}

func (mem *Storage) SaveResource(ctx context.Context, resource runtime.Resource) error {
	return mem.apply([]func(s *state) error{saveResource(resource)})
}

func (mem *Storage) DeleteDeployment(ctx context.Context, deploymentId string) error {
	return mem.apply([]func(s *state) error{deleteDeployment(deploymentId)})
}

func (mem *Storage) SaveDefinition(ctx context.Context, definition runtime.Definition) error {
	return mem.apply([]func(s *state) error{saveDefinition(definition)})
}

func (mem *Storage) UpdateDefinitionSuspensionState(ctx context.Context, definitionId string, suspensionState runtime.SuspensionState) error {
	return mem.apply([]func(s *state) error{updateDefinitionSuspensionState(definitionId, suspensionState)})
}

func (mem *Storage) DeleteDefinition(ctx context.Context, definitionId string) error {
	return mem.apply([]func(s *state) error{deleteDefinition(definitionId)})
}

func (mem *Storage) SaveJobDefinition(ctx context.Context, jobDefinition runtime.JobDefinition) error {
	return mem.apply([]func(s *state) error{saveJobDefinition(jobDefinition)})
}

func (mem *Storage) DeleteJobDefinition(ctx context.Context, key int64) error {
	return mem.apply([]func(s *state) error{deleteJobDefinition(key)})
}

func (mem *Storage) SaveJob(ctx context.Context, job runtime.Job) error {
	return mem.apply([]func(s *state) error{saveJob(job)})
}

func (mem *Storage) DeleteJob(ctx context.Context, key int64) error {
	return mem.apply([]func(s *state) error{deleteJob(key)})
}

func (mem *Storage) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	return mem.apply([]func(s *state) error{saveProcessInstance(processInstance)})
}

func (mem *Storage) DeleteProcessInstance(ctx context.Context, processInstanceKey int64) error {
	return mem.apply([]func(s *state) error{deleteProcessInstance(processInstanceKey)})
}

func (mem *Storage) SaveTask(ctx context.Context, task runtime.Task) error {
	return mem.apply([]func(s *state) error{saveTask(task)})
}

func (mem *Storage) DeleteTask(ctx context.Context, key int64) error {
	return mem.apply([]func(s *state) error{deleteTask(key)})
}

func (mem *Storage) SaveHistoryEvent(ctx context.Context, event runtime.HistoryEvent) error {
	return mem.apply([]func(s *state) error{saveHistoryEvent(event)})
}

func (mem *Storage) DeleteHistoryEventsByDefinitionId(ctx context.Context, definitionId string) error {
	return mem.apply([]func(s *state) error{deleteHistoryEventsByDefinitionId(definitionId)})
}
