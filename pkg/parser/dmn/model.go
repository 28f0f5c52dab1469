package dmn

type TDefinitions struct {
	Id        string      `xml:"id,attr"`
	Name      string      `xml:"name,attr"`
	Namespace string      `xml:"namespace,attr"`
	Decisions []TDecision `xml:"decision"`
}

type TDecision struct {
	Id                     string                    `xml:"id,attr"`
	Name                   string                    `xml:"name,attr"`
	VersionTag             string                    `xml:"versionTag,attr"`
	HistoryTimeToLive      string                    `xml:"historyTimeToLive,attr"`
	ZeebeVersionTag        TVersionTag               `xml:"extensionElements>versionTag"`
	DecisionTable          *TDecisionTable           `xml:"decisionTable"`
	LiteralExpression      *TLiteralExpression       `xml:"literalExpression"`
	InformationRequirement []TInformationRequirement `xml:"informationRequirement"`
}

type TVersionTag struct {
	Value string `xml:"value,attr"`
}

type TDecisionTable struct {
	Id        string `xml:"id,attr"`
	HitPolicy string `xml:"hitPolicy,attr"`
}

type TLiteralExpression struct {
	Id   string `xml:"id,attr"`
	Text string `xml:"text"`
}

type TInformationRequirement struct {
	Id               string            `xml:"id,attr"`
	RequiredDecision TRequiredDecision `xml:"requiredDecision"`
}

type TRequiredDecision struct {
	Href string `xml:"href,attr"`
}
