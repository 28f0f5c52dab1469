package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
)

// DefinitionSelector picks definitions either by id or by key.
// A key selector matches every version, restricted to TenantId when set or to definitions without tenant when WithoutTenant is set.
type DefinitionSelector struct {
	Ids           []string
	Kind          runtime.DefinitionKind
	Key           string
	TenantId      *string
	WithoutTenant bool
}

func ById(id string) DefinitionSelector {
	return DefinitionSelector{Ids: []string{id}}
}

func ByIds(ids ...string) DefinitionSelector {
	return DefinitionSelector{Ids: ids}
}

func ByKey(kind runtime.DefinitionKind, key string) DefinitionSelector {
	return DefinitionSelector{Kind: kind, Key: key}
}

func (s DefinitionSelector) ForTenant(tenantId string) DefinitionSelector {
	s.TenantId = &tenantId
	return s
}

func (s DefinitionSelector) WithoutTenantId() DefinitionSelector {
	s.WithoutTenant = true
	return s
}

func (s DefinitionSelector) byKey() bool {
	return len(s.Ids) == 0
}

func (s DefinitionSelector) String() string {
	if !s.byKey() {
		return strings.Join(s.Ids, ",")
	}
	switch {
	case s.TenantId != nil:
		return fmt.Sprintf("%s key=%s tenant=%s", s.kind(), s.Key, *s.TenantId)
	case s.WithoutTenant:
		return fmt.Sprintf("%s key=%s without tenant", s.kind(), s.Key)
	}
	return fmt.Sprintf("%s key=%s", s.kind(), s.Key)
}

func (s DefinitionSelector) kind() runtime.DefinitionKind {
	if s.Kind == "" {
		return runtime.DefinitionKindProcess
	}
	return s.Kind
}

func (s DefinitionSelector) validate() error {
	if len(s.Ids) > 0 {
		if s.Key != "" {
			return newErrorf(ErrorKindNotValid, s.String(), "select definitions either by id or by key")
		}
		for _, id := range s.Ids {
			if id == "" {
				return newErrorf(ErrorKindNotValid, s.String(), "definition id is empty")
			}
		}
		return nil
	}
	if s.Key == "" {
		return newErrorf(ErrorKindNotValid, "", "definition id or key is required")
	}
	if s.TenantId != nil && s.WithoutTenant {
		return newErrorf(ErrorKindNotValid, s.String(), "cannot select a tenant and definitions without tenant at once")
	}
	return nil
}

// resolve reads the selected definitions from the store.
// Every id has to exist and a key has to match at least one definition.
func (s DefinitionSelector) resolve(ctx context.Context, store storage.DefinitionStorageReader) ([]runtime.Definition, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	if !s.byKey() {
		res := make([]runtime.Definition, 0, len(s.Ids))
		for _, id := range s.Ids {
			def, err := store.FindDefinitionById(ctx, id)
			if err != nil {
				return nil, notFoundOr(err, id, "definition not found")
			}
			res = append(res, def)
		}
		return res, nil
	}
	defs, err := store.FindDefinitions(ctx, storage.DefinitionFilter{
		Kind:          s.kind(),
		Key:           s.Key,
		TenantId:      s.TenantId,
		WithoutTenant: s.WithoutTenant,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find definitions %s: %w", s, err)
	}
	if len(defs) == 0 {
		return nil, newErrorf(ErrorKindNotFound, s.String(), "no definition found")
	}
	return defs, nil
}
