package otel

const (
	Prefix                  = "repository-"
	AttributeDeploymentId   = Prefix + "deployment-id"
	AttributeDefinitionId   = Prefix + "definition-id"
	AttributeDefinitionKey  = Prefix + "definition-key"
	AttributeDefinitionKind = Prefix + "definition-kind"
	AttributeTenantId       = Prefix + "tenant-id"
	AttributeJobKey         = Prefix + "job-key"
	AttributeHandlerType    = Prefix + "handler-type"
	AttributeCascade        = Prefix + "cascade"
)
