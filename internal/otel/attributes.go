package otel

import (
	"go.opentelemetry.io/otel/attribute"
)

const (
	AttributeQuery = "rqlite-query"
	AttributeExec  = "rqlite-exec"
	AttributeArgs  = "rqlite-args"

	// ErrorKindKey is the repository error kind a REST request failed with
	ErrorKindKey    = attribute.Key("zenrepo.error_kind")
	DefinitionIdKey = attribute.Key("zenrepo.definition_id")
	DeploymentIdKey = attribute.Key("zenrepo.deployment_id")
	// DefinitionKeyKey is the definition key of by-key routes
	DefinitionKeyKey = attribute.Key("zenrepo.definition_key")
)

// TransferHeaderKey is the context key of a configured transfer header
type TransferHeaderKey string
