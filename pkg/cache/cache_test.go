package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenrepo/pkg/parser"
	"github.com/pbinitiative/zenrepo/pkg/parser/bpmn"
	"github.com/pbinitiative/zenrepo/pkg/parser/dmn"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
	"github.com/pbinitiative/zenrepo/pkg/storage/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const processXml = `<?xml version="1.0" encoding="UTF-8"?>
<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL" id="defs">
  <process id="%s" name="Process %s" isExecutable="true">
    <startEvent id="start" />
    <sequenceFlow id="f1" sourceRef="start" targetRef="task" />
    <userTask id="task" />
  </process>
</definitions>`

const decisionXml = `<?xml version="1.0" encoding="UTF-8"?>
<definitions xmlns="https://www.omg.org/spec/DMN/20191111/MODEL/" id="drd" namespace="test">
  <decision id="%s"><decisionTable id="t" /></decision>
</definitions>`

func newCache(t *testing.T, store Store, conf Config) *DefinitionCache {
	t.Helper()
	return New(store, parser.NewRegistry(bpmn.Parser{}, dmn.Parser{}), conf, nil, hclog.NewNullLogger())
}

func deployDefinition(t *testing.T, s storage.Storage, kind runtime.DefinitionKind, key string) runtime.Definition {
	t.Helper()
	ctx := t.Context()
	deployment := runtime.Deployment{Id: fmt.Sprintf("d-%d", s.GenerateId()), Name: key, DeploymentTime: time.Now()}
	resource := runtime.Resource{Id: fmt.Sprintf("r-%d", s.GenerateId()), DeploymentId: deployment.Id}
	switch kind {
	case runtime.DefinitionKindProcess:
		resource.Name = key + ".bpmn"
		resource.Bytes = []byte(fmt.Sprintf(processXml, key, key))
	case runtime.DefinitionKindDecision:
		resource.Name = key + ".dmn"
		resource.Bytes = []byte(fmt.Sprintf(decisionXml, key))
	}
	def := runtime.Definition{
		Id:              runtime.DefinitionId(key, 1, s.GenerateId()),
		Kind:            kind,
		Key:             key,
		Version:         1,
		DeploymentId:    deployment.Id,
		ResourceName:    resource.Name,
		SuspensionState: runtime.SuspensionStateActive,
	}
	b := s.NewBatch()
	require.NoError(t, b.SaveDeployment(ctx, deployment))
	require.NoError(t, b.SaveResource(ctx, resource))
	require.NoError(t, b.SaveDefinition(ctx, def))
	require.NoError(t, b.Flush(ctx))
	return def
}

func TestGetLoadsOnMiss(t *testing.T) {
	s := inmemory.NewStorage()
	c := newCache(t, s, Config{})
	def := deployDefinition(t, s, runtime.DefinitionKindProcess, "order")

	assert.False(t, c.Contains(def.Id))
	res, err := c.Get(t.Context(), def.Id)
	require.NoError(t, err)
	assert.Equal(t, def.Id, res.Id)
	assert.True(t, c.Contains(def.Id))
	assert.Equal(t, 1, c.Len(runtime.DefinitionKindProcess))

	entry, err := c.GetEntry(t.Context(), def.Id)
	require.NoError(t, err)
	process := entry.Model.(*bpmn.Process)
	assert.Equal(t, "order", process.Id)
}

func TestGetUnknownIdIsNotFound(t *testing.T) {
	c := newCache(t, inmemory.NewStorage(), Config{})

	_, err := c.Get(t.Context(), "missing:1:1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.False(t, c.Contains("missing:1:1"))
}

func TestDiscardForcesReload(t *testing.T) {
	s := inmemory.NewStorage()
	c := newCache(t, s, Config{})
	def := deployDefinition(t, s, runtime.DefinitionKindProcess, "discard")
	_, err := c.Get(t.Context(), def.Id)
	require.NoError(t, err)

	require.NoError(t, s.DeleteDefinition(t.Context(), def.Id))
	// still served from this instance's cache until discarded
	_, err = c.Get(t.Context(), def.Id)
	assert.NoError(t, err)

	c.Discard(def.Id)
	_, err = c.Get(t.Context(), def.Id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInstancesSharingStoreDoNotShareCache(t *testing.T) {
	s := inmemory.NewStorage()
	a := newCache(t, s, Config{})
	b := newCache(t, s, Config{})
	def := deployDefinition(t, s, runtime.DefinitionKindProcess, "shared")

	_, err := a.Get(t.Context(), def.Id)
	require.NoError(t, err)
	require.NoError(t, s.DeleteDefinition(t.Context(), def.Id))
	a.Discard(def.Id)

	_, err = b.Get(t.Context(), def.Id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPutAndUpdateSuspensionState(t *testing.T) {
	c := newCache(t, inmemory.NewStorage(), Config{})
	def := runtime.Definition{Id: "put:1:1", Kind: runtime.DefinitionKindProcess, Key: "put", Version: 1, SuspensionState: runtime.SuspensionStateActive}
	c.Put(def, &bpmn.Process{Id: "put"})

	c.UpdateSuspensionState(def.Id, runtime.SuspensionStateSuspended)
	res, err := c.Get(t.Context(), def.Id)
	require.NoError(t, err)
	assert.True(t, res.IsSuspended())

	entry, err := c.GetEntry(t.Context(), def.Id)
	require.NoError(t, err)
	assert.Equal(t, "put", entry.Model.(*bpmn.Process).Id)

	c.UpdateSuspensionState("not-cached:1:1", runtime.SuspensionStateSuspended)
	assert.False(t, c.Contains("not-cached:1:1"))
}

func TestDiscardAllByKind(t *testing.T) {
	s := inmemory.NewStorage()
	c := newCache(t, s, Config{})
	process := deployDefinition(t, s, runtime.DefinitionKindProcess, "kind-process")
	decision := deployDefinition(t, s, runtime.DefinitionKindDecision, "kind-decision")
	_, err := c.Get(t.Context(), process.Id)
	require.NoError(t, err)
	_, err = c.Get(t.Context(), decision.Id)
	require.NoError(t, err)

	c.DiscardAll(runtime.DefinitionKindDecision)
	assert.True(t, c.Contains(process.Id))
	assert.False(t, c.Contains(decision.Id))

	c.Purge()
	assert.False(t, c.Contains(process.Id))
	assert.Equal(t, 0, c.Len(runtime.DefinitionKindProcess))
}

func TestLruEvictionPerKind(t *testing.T) {
	s := inmemory.NewStorage()
	c := newCache(t, s, Config{Sizes: map[runtime.DefinitionKind]int{runtime.DefinitionKindProcess: 2}})
	defs := []runtime.Definition{
		deployDefinition(t, s, runtime.DefinitionKindProcess, "lru-1"),
		deployDefinition(t, s, runtime.DefinitionKindProcess, "lru-2"),
		deployDefinition(t, s, runtime.DefinitionKindProcess, "lru-3"),
	}
	for _, d := range defs {
		_, err := c.Get(t.Context(), d.Id)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len(runtime.DefinitionKindProcess))
	assert.False(t, c.Contains(defs[0].Id))

	// evicted entries reload transparently
	_, err := c.Get(t.Context(), defs[0].Id)
	assert.NoError(t, err)
}

type blockingStore struct {
	Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) FindDefinitionById(ctx context.Context, id string) (runtime.Definition, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.Store.FindDefinitionById(ctx, id)
}

func TestDiscardDuringLoadDoesNotPopulate(t *testing.T) {
	s := inmemory.NewStorage()
	def := deployDefinition(t, s, runtime.DefinitionKindProcess, "in-flight")
	bs := &blockingStore{Store: s, entered: make(chan struct{}), release: make(chan struct{})}
	c := newCache(t, bs, Config{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := c.Get(context.Background(), def.Id)
		assert.NoError(t, err)
	}()
	<-bs.entered
	c.Discard(def.Id)
	close(bs.release)
	wg.Wait()

	assert.False(t, c.Contains(def.Id))
}

func TestConcurrentGets(t *testing.T) {
	s := inmemory.NewStorage()
	c := newCache(t, s, Config{Sizes: map[runtime.DefinitionKind]int{runtime.DefinitionKindProcess: 3}})
	defs := make([]runtime.Definition, 0, 5)
	for i := 0; i < 5; i++ {
		defs = append(defs, deployDefinition(t, s, runtime.DefinitionKindProcess, fmt.Sprintf("concurrent-%d", i)))
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := defs[i%len(defs)]
			res, err := c.Get(context.Background(), d.Id)
			assert.NoError(t, err)
			assert.Equal(t, d.Key, res.Key)
			if i%7 == 0 {
				c.Discard(d.Id)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(runtime.DefinitionKindProcess), 3)
}
