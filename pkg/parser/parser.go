package parser

import (
	"errors"
	"fmt"

	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
)

// JobDeclaration is an asynchronous continuation point declared by a definition, one JobDefinition is stored per declaration
type JobDeclaration struct {
	ActivityId    string
	HandlerType   string
	Configuration string
}

// ParsedDefinition is one definition found in a resource.
// Model holds the parsed object graph handed to the execution side and cached next to the definition.
type ParsedDefinition struct {
	Kind              runtime.DefinitionKind
	Key               string
	Name              string
	Category          string
	VersionTag        *string
	HistoryTimeToLive *int32
	JobDeclarations   []JobDeclaration
	Model             any
}

// Parser turns resource bytes into definitions
type Parser interface {
	// Accepts reports whether the resource is a definition source this parser understands
	Accepts(resourceName string) bool
	Parse(resource runtime.Resource) ([]ParsedDefinition, error)
}

// ParseError aborts the deployment of the resource it was raised for
type ParseError struct {
	ResourceName string
	Err          error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse resource %s: %s", e.ResourceName, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var ErrDefinitionNotInResource = errors.New("definition not found in resource")

// Registry dispatches resources to the first parser accepting them
type Registry struct {
	parsers []Parser
}

func NewRegistry(parsers ...Parser) *Registry {
	return &Registry{parsers: parsers}
}

func (r *Registry) parserFor(resourceName string) Parser {
	for _, p := range r.parsers {
		if p.Accepts(resourceName) {
			return p
		}
	}
	return nil
}

// IsDefinitionSource reports whether any registered parser accepts the resource
func (r *Registry) IsDefinitionSource(resourceName string) bool {
	return r.parserFor(resourceName) != nil
}

// Parse returns the definitions of the resource, resources no parser accepts yield no definitions
func (r *Registry) Parse(resource runtime.Resource) ([]ParsedDefinition, error) {
	p := r.parserFor(resource.Name)
	if p == nil {
		return nil, nil
	}
	defs, err := p.Parse(resource)
	if err != nil {
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			return nil, err
		}
		return nil, &ParseError{ResourceName: resource.Name, Err: err}
	}
	return defs, nil
}

// ParseDefinition reparses the resource and returns the definition with given kind and key
func (r *Registry) ParseDefinition(resource runtime.Resource, kind runtime.DefinitionKind, key string) (ParsedDefinition, error) {
	defs, err := r.Parse(resource)
	if err != nil {
		return ParsedDefinition{}, err
	}
	for _, d := range defs {
		if d.Kind == kind && d.Key == key {
			return d, nil
		}
	}
	return ParsedDefinition{}, fmt.Errorf("%s %s in %s: %w", kind, key, resource.Name, ErrDefinitionNotInResource)
}
