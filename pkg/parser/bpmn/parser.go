package bpmn

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/pbinitiative/zenrepo/pkg/parser"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
)

var resourceSuffixes = []string{".bpmn", ".bpmn20.xml"}

// Parser reads BPMN 2.0 XML with camunda and zeebe extension elements
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
	res := make([]parser.ParsedDefinition, 0, len(definitions.Processes))
	for _, p := range definitions.Processes {
		if !p.IsExecutable {
			continue
		}
		def, err := parseProcess(definitions, p)
		if err != nil {
			return nil, &parser.ParseError{ResourceName: resource.Name, Err: err}
		}
		res = append(res, def)
	}
	return res, nil
}

func parseProcess(definitions TDefinitions, p TProcess) (parser.ParsedDefinition, error) {
	if p.Id == "" {
		return parser.ParsedDefinition{}, fmt.Errorf("process without id")
	}
	ttl, err := parseHistoryTimeToLive(p.HistoryTimeToLive)
	if err != nil {
		return parser.ParsedDefinition{}, fmt.Errorf("process %s: %w", p.Id, err)
	}
	process := &Process{
		Id:         p.Id,
		Name:       p.Name,
		Listeners:  listeners(p.ExecutionListeners),
		Activities: map[string]Activity{},
		Flows:      map[string][]string{},
	}
	jobs := make([]parser.JobDeclaration, 0)

	addActivity := func(a TActivity, t ElementType) error {
		if a.Id == "" {
			return fmt.Errorf("process %s: %s without id", p.Id, t)
		}
		if _, ok := process.Activities[a.Id]; ok {
			return fmt.Errorf("process %s: duplicate element id %s", p.Id, a.Id)
		}
		activity := Activity{
			Id:          a.Id,
			Name:        a.Name,
			Type:        t,
			AsyncBefore: a.AsyncBefore,
			AsyncAfter:  a.AsyncAfter,
			Listeners:   listeners(a.ExecutionListeners),
		}
		for _, o := range a.Output {
			activity.Outputs = append(activity.Outputs, OutputMapping{Source: o.Source, Target: o.Target})
		}
		process.Activities[a.Id] = activity
		if a.AsyncBefore || a.AsyncAfter {
			jobs = append(jobs, parser.JobDeclaration{
				ActivityId:  a.Id,
				HandlerType: runtime.HandlerTypeAsyncContinuation,
			})
		}
		return nil
	}

	for _, se := range p.StartEvents {
		if err := addActivity(se.TActivity, ElementTypeStartEvent); err != nil {
			return parser.ParsedDefinition{}, err
		}
		startEvent := StartEvent{
			Id:   se.Id,
			None: se.TimerEventDefinition == nil && se.MessageEventDefinition == nil && se.SignalEventDefinition == nil,
		}
		if se.TimerEventDefinition != nil {
			timer, err := timerFromDefinition(se.Id, se.TimerEventDefinition)
			if err != nil {
				return parser.ParsedDefinition{}, fmt.Errorf("process %s: %w", p.Id, err)
			}
			startEvent.Timer = timer
			jobs = append(jobs, parser.JobDeclaration{
				ActivityId:    se.Id,
				HandlerType:   runtime.HandlerTypeTimerStartEvent,
				Configuration: timer.Marshal(),
			})
		}
		process.StartEvent = append(process.StartEvent, startEvent)
	}
	groups := []struct {
		elements []TActivity
		t        ElementType
	}{
		{p.EndEvents, ElementTypeEndEvent},
		{p.Tasks, ElementTypeTask},
		{p.ServiceTasks, ElementTypeServiceTask},
		{p.UserTasks, ElementTypeUserTask},
		{p.ScriptTasks, ElementTypeScriptTask},
		{p.BusinessRuleTasks, ElementTypeBusinessRuleTask},
		{p.SendTasks, ElementTypeSendTask},
		{p.ReceiveTasks, ElementTypeReceiveTask},
		{p.CallActivities, ElementTypeCallActivity},
		{p.ExclusiveGateways, ElementTypeExclusiveGateway},
		{p.ParallelGateways, ElementTypeParallelGateway},
		{p.InclusiveGateways, ElementTypeInclusiveGateway},
	}
	for _, g := range groups {
		for _, a := range g.elements {
			if err := addActivity(a, g.t); err != nil {
				return parser.ParsedDefinition{}, err
			}
		}
	}
	for _, ice := range p.IntermediateCatchEvent {
		if err := addActivity(ice.TActivity, ElementTypeIntermediateCatchEvent); err != nil {
			return parser.ParsedDefinition{}, err
		}
	}
	for _, f := range p.SequenceFlows {
		if _, ok := process.Activities[f.SourceRef]; !ok {
			return parser.ParsedDefinition{}, fmt.Errorf("process %s: sequence flow %s has unknown source %s", p.Id, f.Id, f.SourceRef)
		}
		if _, ok := process.Activities[f.TargetRef]; !ok {
			return parser.ParsedDefinition{}, fmt.Errorf("process %s: sequence flow %s has unknown target %s", p.Id, f.Id, f.TargetRef)
		}
		process.Flows[f.SourceRef] = append(process.Flows[f.SourceRef], f.TargetRef)
	}

	def := parser.ParsedDefinition{
		Kind:              runtime.DefinitionKindProcess,
		Key:               p.Id,
		Name:              p.Name,
		Category:          definitions.TargetNamespace,
		HistoryTimeToLive: ttl,
		JobDeclarations:   jobs,
		Model:             process,
	}
	switch {
	case p.VersionTag != "":
		def.VersionTag = &p.VersionTag
	case p.ZeebeVersionTag.Value != "":
		def.VersionTag = &p.ZeebeVersionTag.Value
	}
	return def, nil
}

func listeners(els []TExecutionListener) []Listener {
	res := make([]Listener, 0, len(els))
	for _, l := range els {
		script := strings.TrimSpace(l.Script.Text)
		if script == "" {
			continue
		}
		event := l.Event
		if event == "" {
			event = ListenerEventStart
		}
		res = append(res, Listener{Event: event, ScriptFormat: l.Script.ScriptFormat, Script: script})
	}
	return res
}
