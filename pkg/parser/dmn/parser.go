package dmn

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/pbinitiative/zenrepo/pkg/parser"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
)

var resourceSuffixes = []string{".dmn", ".dmn11.xml"}

// Decision is the parsed model cached next to a decision definition
type Decision struct {
	Id                string
	Name              string
	HitPolicy         string
	Literal           bool
	RequiredDecisions []string
}

// DecisionRequirements is the parsed model of a decision requirements definition
type DecisionRequirements struct {
	Id        string
	Name      string
	Decisions []string
}

// Parser reads DMN XML. A resource with more than one decision also yields a decision requirements definition.
type Parser struct{}

var _ parser.Parser = Parser{}

func (Parser) Accepts(resourceName string) bool {
	for _, s := range resourceSuffixes {
		if strings.HasSuffix(resourceName, s) {
			return true
		}
	}
	return false
}

func (Parser) Parse(resource runtime.Resource) ([]parser.ParsedDefinition, error) {
	var definitions TDefinitions
	if err := xml.Unmarshal(resource.Bytes, &definitions); err != nil {
		return nil, &parser.ParseError{ResourceName: resource.Name, Err: fmt.Errorf("failed to unmarshal xml data: %w", err)}
	}
	if len(definitions.Decisions) == 0 {
		return nil, &parser.ParseError{ResourceName: resource.Name, Err: fmt.Errorf("no decision declared")}
	}
	ids := map[string]struct{}{}
	for _, d := range definitions.Decisions {
		if d.Id == "" {
			return nil, &parser.ParseError{ResourceName: resource.Name, Err: fmt.Errorf("decision without id")}
		}
		if _, ok := ids[d.Id]; ok {
			return nil, &parser.ParseError{ResourceName: resource.Name, Err: fmt.Errorf("duplicate decision id %s", d.Id)}
		}
		ids[d.Id] = struct{}{}
	}

	res := make([]parser.ParsedDefinition, 0, len(definitions.Decisions)+1)
	decisionIds := make([]string, 0, len(definitions.Decisions))
	for _, d := range definitions.Decisions {
		if d.DecisionTable == nil && d.LiteralExpression == nil {
			return nil, &parser.ParseError{ResourceName: resource.Name, Err: fmt.Errorf("decision %s has neither decision table nor literal expression", d.Id)}
		}
		model := &Decision{
			Id:      d.Id,
			Name:    d.Name,
			Literal: d.LiteralExpression != nil,
		}
		if d.DecisionTable != nil {
			model.HitPolicy = d.DecisionTable.HitPolicy
			if model.HitPolicy == "" {
				model.HitPolicy = "UNIQUE"
			}
		}
		for _, ir := range d.InformationRequirement {
			required := strings.TrimPrefix(ir.RequiredDecision.Href, "#")
			if required == "" {
				continue
			}
			if _, ok := ids[required]; !ok {
				return nil, &parser.ParseError{ResourceName: resource.Name, Err: fmt.Errorf("decision %s requires unknown decision %s", d.Id, required)}
			}
			model.RequiredDecisions = append(model.RequiredDecisions, required)
		}
		ttl, err := parseHistoryTimeToLive(d.HistoryTimeToLive)
		if err != nil {
			return nil, &parser.ParseError{ResourceName: resource.Name, Err: fmt.Errorf("decision %s: %w", d.Id, err)}
		}
		def := parser.ParsedDefinition{
			Kind:              runtime.DefinitionKindDecision,
			Key:               d.Id,
			Name:              d.Name,
			Category:          definitions.Namespace,
			HistoryTimeToLive: ttl,
			Model:             model,
		}
		switch {
		case d.VersionTag != "":
			def.VersionTag = &d.VersionTag
		case d.ZeebeVersionTag.Value != "":
			def.VersionTag = &d.ZeebeVersionTag.Value
		}
		res = append(res, def)
		decisionIds = append(decisionIds, d.Id)
	}

	if len(definitions.Decisions) > 1 {
		if definitions.Id == "" {
			return nil, &parser.ParseError{ResourceName: resource.Name, Err: fmt.Errorf("definitions without id")}
		}
		res = append(res, parser.ParsedDefinition{
			Kind:     runtime.DefinitionKindDecisionRequirements,
			Key:      definitions.Id,
			Name:     definitions.Name,
			Category: definitions.Namespace,
			Model: &DecisionRequirements{
				Id:        definitions.Id,
				Name:      definitions.Name,
				Decisions: decisionIds,
			},
		})
	}
	return res, nil
}

func parseHistoryTimeToLive(value string) (*int32, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	days, err := strconv.ParseInt(value, 10, 32)
	if err != nil || days < 0 {
		return nil, fmt.Errorf("invalid historyTimeToLive %q", value)
	}
	res := int32(days)
	return &res, nil
}
