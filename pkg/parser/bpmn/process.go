package bpmn

import (
	"errors"
	"fmt"
)

type ElementType string

const (
	ElementTypeStartEvent             ElementType = "START_EVENT"
	ElementTypeEndEvent               ElementType = "END_EVENT"
	ElementTypeTask                   ElementType = "TASK"
	ElementTypeServiceTask            ElementType = "SERVICE_TASK"
	ElementTypeUserTask               ElementType = "USER_TASK"
	ElementTypeScriptTask             ElementType = "SCRIPT_TASK"
	ElementTypeBusinessRuleTask       ElementType = "BUSINESS_RULE_TASK"
	ElementTypeSendTask               ElementType = "SEND_TASK"
	ElementTypeReceiveTask            ElementType = "RECEIVE_TASK"
	ElementTypeCallActivity           ElementType = "CALL_ACTIVITY"
	ElementTypeExclusiveGateway       ElementType = "EXCLUSIVE_GATEWAY"
	ElementTypeParallelGateway        ElementType = "PARALLEL_GATEWAY"
	ElementTypeInclusiveGateway       ElementType = "INCLUSIVE_GATEWAY"
	ElementTypeIntermediateCatchEvent ElementType = "INTERMEDIATE_CATCH_EVENT"
)

const (
	ListenerEventStart = "start"
	ListenerEventEnd   = "end"
)

// Listener is a custom execution listener implemented as a script
type Listener struct {
	Event        string
	ScriptFormat string
	Script       string
}

type OutputMapping struct {
	Source string
	Target string
}

type Activity struct {
	Id          string
	Name        string
	Type        ElementType
	AsyncBefore bool
	AsyncAfter  bool
	Listeners   []Listener
	Outputs     []OutputMapping
}

// IsWaitState reports whether an instance positioned at the activity stays there until triggered from outside
func (a Activity) IsWaitState() bool {
	switch a.Type {
	case ElementTypeUserTask, ElementTypeReceiveTask, ElementTypeIntermediateCatchEvent:
		return true
	}
	return false
}

type StartEvent struct {
	Id    string
	Timer *Timer
	// None is set for start events without an event definition
	None bool
}

// Process is the parsed model cached next to a process definition
type Process struct {
	Id         string
	Name       string
	Listeners  []Listener
	StartEvent []StartEvent
	Activities map[string]Activity
	// Flows maps an element id to the targets of its outgoing sequence flows in document order
	Flows map[string][]string
}

var ErrNoNoneStartEvent = errors.New("process has no none start event")

func (p *Process) NoneStartEvent() (StartEvent, bool) {
	for _, se := range p.StartEvent {
		if se.None {
			return se, true
		}
	}
	return StartEvent{}, false
}

func (p *Process) TimerStartEvents() []StartEvent {
	res := make([]StartEvent, 0)
	for _, se := range p.StartEvent {
		if se.Timer != nil {
			res = append(res, se)
		}
	}
	return res
}

// FirstActivity returns the element reached by the first outgoing flow of the none start event
func (p *Process) FirstActivity() (Activity, error) {
	se, ok := p.NoneStartEvent()
	if !ok {
		return Activity{}, fmt.Errorf("process %s: %w", p.Id, ErrNoNoneStartEvent)
	}
	return p.Next(se.Id)
}

// Next returns the element reached by the first outgoing flow of elementId
func (p *Process) Next(elementId string) (Activity, error) {
	targets := p.Flows[elementId]
	if len(targets) == 0 {
		return Activity{}, fmt.Errorf("process %s: element %s has no outgoing sequence flow", p.Id, elementId)
	}
	a, ok := p.Activities[targets[0]]
	if !ok {
		return Activity{}, fmt.Errorf("process %s: sequence flow target %s not found", p.Id, targets[0])
	}
	return a, nil
}

func (p *Process) Activity(id string) (Activity, bool) {
	a, ok := p.Activities[id]
	return a, ok
}
