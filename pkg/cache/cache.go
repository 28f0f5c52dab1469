// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pbinitiative/zenrepo/pkg/otel"
	"github.com/pbinitiative/zenrepo/pkg/parser"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

// Store is the part of the storage the cache reloads definitions from
type Store interface {
	storage.DefinitionStorageReader
	storage.DeploymentStorageReader
}

type Config struct {
	// Sizes limits entries per kind, kinds missing from the map are unbounded
	Sizes     map[runtime.DefinitionKind]int
	ModelSize int
	// TTL expires entries after they were added, 0 keeps them until evicted
	TTL time.Duration
}

// Entry is a cached definition together with the parsed model derived from its resource
type Entry struct {
	Definition runtime.Definition
	Model      any
}

// DefinitionCache keeps parsed definitions per kind.
// A miss always reloads from the store, entries are a projection of the store and may be discarded at any time.
// Instances sharing the store do not invalidate each other's caches.
type DefinitionCache struct {
	store       Store
	parsers     *parser.Registry
	definitions map[runtime.DefinitionKind]*expirable.LRU[string, runtime.Definition]
	models      map[runtime.DefinitionKind]*expirable.LRU[string, any]
	loads       singleflight.Group
	// generation changes on every discard, loads started in an older generation do not populate the cache
	generation atomic.Uint64
	metrics    *otel.RepositoryMetrics
	logger     hclog.Logger
}

func New(store Store, parsers *parser.Registry, conf Config, metrics *otel.RepositoryMetrics, logger hclog.Logger) *DefinitionCache {
	c := DefinitionCache{
		store:       store,
		parsers:     parsers,
		definitions: make(map[runtime.DefinitionKind]*expirable.LRU[string, runtime.Definition], len(runtime.DefinitionKinds)),
		models:      make(map[runtime.DefinitionKind]*expirable.LRU[string, any], len(runtime.DefinitionKinds)),
		metrics:     metrics,
		logger:      logger.Named("definition-cache"),
	}
	for _, kind := range runtime.DefinitionKinds {
		c.definitions[kind] = expirable.NewLRU[string, runtime.Definition](conf.Sizes[kind], nil, conf.TTL)
		c.models[kind] = expirable.NewLRU[string, any](conf.ModelSize, nil, conf.TTL)
	}
	return &c
}

func (c *DefinitionCache) lookup(id string) (runtime.Definition, bool) {
	for _, kind := range runtime.DefinitionKinds {
		if def, ok := c.definitions[kind].Get(id); ok {
			return def, true
		}
	}
	return runtime.Definition{}, false
}

func (c *DefinitionCache) count(ctx context.Context, counter func(m *otel.RepositoryMetrics) metric.Int64Counter, kind runtime.DefinitionKind) {
	if c.metrics == nil {
		return
	}
	counter(c.metrics).Add(ctx, 1, metric.WithAttributes(attribute.String(otel.AttributeDefinitionKind, string(kind))))
}

// Get returns the definition with given id, loading and parsing it from the store on a miss.
// The error wraps storage.ErrNotFound when the store does not know the id.
func (c *DefinitionCache) Get(ctx context.Context, id string) (runtime.Definition, error) {
	if def, ok := c.lookup(id); ok {
		c.count(ctx, hits, def.Kind)
		return def, nil
	}
	entry, err := c.load(ctx, id)
	if err != nil {
		return runtime.Definition{}, err
	}
	return entry.Definition, nil
}

// GetEntry returns the definition and its parsed model
func (c *DefinitionCache) GetEntry(ctx context.Context, id string) (Entry, error) {
	if def, ok := c.lookup(id); ok {
		if model, ok := c.models[def.Kind].Get(id); ok {
			c.count(ctx, hits, def.Kind)
			return Entry{Definition: def, Model: model}, nil
		}
	}
	return c.load(ctx, id)
}

func hits(m *otel.RepositoryMetrics) metric.Int64Counter   { return m.CacheHits }
func misses(m *otel.RepositoryMetrics) metric.Int64Counter { return m.CacheMisses }

func (c *DefinitionCache) load(ctx context.Context, id string) (Entry, error) {
	generation := c.generation.Load()
	res, err, _ := c.loads.Do(id, func() (any, error) {
		def, err := c.store.FindDefinitionById(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load definition %s: %w", id, err)
		}
		resource, err := c.store.FindResource(ctx, def.DeploymentId, def.ResourceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load resource %s of definition %s: %w", def.ResourceName, id, err)
		}
		parsed, err := c.parsers.ParseDefinition(resource, def.Kind, def.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse definition %s: %w", id, err)
		}
		c.count(ctx, misses, def.Kind)
		entry := Entry{Definition: def, Model: parsed.Model}
		if c.generation.Load() == generation {
			c.definitions[def.Kind].Add(id, def)
			c.models[def.Kind].Add(id, parsed.Model)
		} else {
			c.logger.Debug("definition discarded while loading, not caching", "id", id)
		}
		return entry, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return res.(Entry), nil
}

// Put adds a definition that was just created, avoiding a reload on first access
func (c *DefinitionCache) Put(def runtime.Definition, model any) {
	c.definitions[def.Kind].Add(def.Id, def)
	if model != nil {
		c.models[def.Kind].Add(def.Id, model)
	}
}

// UpdateSuspensionState changes the state of a cached definition, a definition that is not cached is left alone
func (c *DefinitionCache) UpdateSuspensionState(id string, state runtime.SuspensionState) {
	for _, kind := range runtime.DefinitionKinds {
		if def, ok := c.definitions[kind].Peek(id); ok {
			def.SuspensionState = state
			c.definitions[kind].Add(id, def)
			return
		}
	}
}

// Contains reports whether the id is cached without touching recency
func (c *DefinitionCache) Contains(id string) bool {
	for _, kind := range runtime.DefinitionKinds {
		if c.definitions[kind].Contains(id) {
			return true
		}
	}
	return false
}

// Discard removes the definition and its model, the next Get reloads from the store
func (c *DefinitionCache) Discard(id string) {
	c.generation.Add(1)
	c.loads.Forget(id)
	for _, kind := range runtime.DefinitionKinds {
		c.definitions[kind].Remove(id)
		c.models[kind].Remove(id)
	}
}

// DiscardAll drops every cached definition of the kind
func (c *DefinitionCache) DiscardAll(kind runtime.DefinitionKind) {
	c.generation.Add(1)
	for _, id := range c.definitions[kind].Keys() {
		c.loads.Forget(id)
	}
	c.definitions[kind].Purge()
	c.models[kind].Purge()
}

// Purge drops every cached definition
func (c *DefinitionCache) Purge() {
	for _, kind := range runtime.DefinitionKinds {
		c.DiscardAll(kind)
	}
}

func (c *DefinitionCache) Len(kind runtime.DefinitionKind) int {
	return c.definitions[kind].Len()
}
