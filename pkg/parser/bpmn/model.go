package bpmn

type TBaseElement struct {
	Id string `xml:"id,attr"`
}

type TDefinitions struct {
	TBaseElement
	Name            string     `xml:"name,attr"`
	TargetNamespace string     `xml:"targetNamespace,attr"`
	Processes       []TProcess `xml:"process"`
}

type TProcess struct {
	TBaseElement
	TFlowElementsContainer
	Name              string `xml:"name,attr"`
	IsExecutable      bool   `xml:"isExecutable,attr"`
	VersionTag        string `xml:"versionTag,attr"`
	HistoryTimeToLive string `xml:"historyTimeToLive,attr"`
	// zeebe style version tag
	ZeebeVersionTag    TVersionTag          `xml:"extensionElements>versionTag"`
	ExecutionListeners []TExecutionListener `xml:"extensionElements>executionListener"`
}

type TVersionTag struct {
	Value string `xml:"value,attr"`
}

type TFlowElementsContainer struct {
	StartEvents            []TStartEvent             `xml:"startEvent"`
	EndEvents              []TActivity               `xml:"endEvent"`
	SequenceFlows          []TSequenceFlow           `xml:"sequenceFlow"`
	Tasks                  []TActivity               `xml:"task"`
	ServiceTasks           []TActivity               `xml:"serviceTask"`
	UserTasks              []TActivity               `xml:"userTask"`
	ScriptTasks            []TActivity               `xml:"scriptTask"`
	BusinessRuleTasks      []TActivity               `xml:"businessRuleTask"`
	SendTasks              []TActivity               `xml:"sendTask"`
	ReceiveTasks           []TActivity               `xml:"receiveTask"`
	CallActivities         []TActivity               `xml:"callActivity"`
	ExclusiveGateways      []TActivity               `xml:"exclusiveGateway"`
	ParallelGateways       []TActivity               `xml:"parallelGateway"`
	InclusiveGateways      []TActivity               `xml:"inclusiveGateway"`
	IntermediateCatchEvent []TIntermediateCatchEvent `xml:"intermediateCatchEvent"`
}

type TSequenceFlow struct {
	TBaseElement
	SourceRef string `xml:"sourceRef,attr"`
	TargetRef string `xml:"targetRef,attr"`
}

type TActivity struct {
	TBaseElement
	Name               string               `xml:"name,attr"`
	AsyncBefore        bool                 `xml:"asyncBefore,attr"`
	AsyncAfter         bool                 `xml:"asyncAfter,attr"`
	ExecutionListeners []TExecutionListener `xml:"extensionElements>executionListener"`
	Output             []TIoMapping         `xml:"extensionElements>ioMapping>output"`
}

type TStartEvent struct {
	TActivity
	TimerEventDefinition   *TTimerEventDefinition `xml:"timerEventDefinition"`
	MessageEventDefinition *TEventDefinition      `xml:"messageEventDefinition"`
	SignalEventDefinition  *TEventDefinition      `xml:"signalEventDefinition"`
}

type TIntermediateCatchEvent struct {
	TActivity
	TimerEventDefinition *TTimerEventDefinition `xml:"timerEventDefinition"`
}

type TEventDefinition struct {
	TBaseElement
}

type TTimerEventDefinition struct {
	TBaseElement
	TimeDate     *TExpression `xml:"timeDate"`
	TimeDuration *TExpression `xml:"timeDuration"`
	TimeCycle    *TExpression `xml:"timeCycle"`
}

type TExpression struct {
	Text string `xml:",chardata"`
}

type TIoMapping struct {
	Source string `xml:"source,attr"`
	Target string `xml:"target,attr"`
}

type TExecutionListener struct {
	Event  string  `xml:"event,attr"`
	Script TScript `xml:"script"`
}

type TScript struct {
	ScriptFormat string `xml:"scriptFormat,attr"`
	Text         string `xml:",chardata"`
}
