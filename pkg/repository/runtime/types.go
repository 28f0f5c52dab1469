// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package runtime

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Deployment struct {
	Id             string
	Name           string
	DeploymentTime time.Time
	// Source identifies the subsystem that created the deployment (nil when not set)
	Source   *string
	TenantId *string
	// ProcessApplication is the name of the application the deployment was made for (nil when deployed directly)
	ProcessApplication *string
}

type Resource struct {
	Id           string
	DeploymentId string
	Name         string // unique within a deployment
	Bytes        []byte
}

type DefinitionKind string

const (
	DefinitionKindProcess              DefinitionKind = "process"
	DefinitionKindDecision             DefinitionKind = "decision"
	DefinitionKindDecisionRequirements DefinitionKind = "decision-requirements"
)

var DefinitionKinds = []DefinitionKind{
	DefinitionKindProcess,
	DefinitionKindDecision,
	DefinitionKindDecisionRequirements,
}

func ParseDefinitionKind(s string) (DefinitionKind, error) {
	for _, k := range DefinitionKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown definition kind %q", s)
}

type Definition struct {
	Id                string // {key}:{version}:{suffix}, never reused
	Kind              DefinitionKind
	Key               string
	Version           int32
	TenantId          *string
	DeploymentId      string
	Category          string
	Name              string
	ResourceName      string
	HistoryTimeToLive *int32 // in days
	VersionTag        *string
	SuspensionState   SuspensionState
}

func (d Definition) IsSuspended() bool {
	return d.SuspensionState == SuspensionStateSuspended
}

// DefinitionId builds the id of a definition from its key, version and a unique suffix.
func DefinitionId(key string, version int32, suffix int64) string {
	return key + ":" + strconv.FormatInt(int64(version), 10) + ":" + strconv.FormatInt(suffix, 10)
}

// KeyFromDefinitionId returns the key part of a definition id.
// Keys may contain ':' so the last two segments are stripped.
func KeyFromDefinitionId(id string) (string, bool) {
	last := strings.LastIndex(id, ":")
	if last <= 0 {
		return "", false
	}
	prev := strings.LastIndex(id[:last], ":")
	if prev <= 0 {
		return "", false
	}
	return id[:prev], true
}

// JobDefinition declares one asynchronous continuation point of a definition.
type JobDefinition struct {
	Key             int64
	DefinitionId    string
	ActivityId      string
	HandlerType     string
	Configuration   string
	SuspensionState SuspensionState
}

type JobType string

const (
	JobTypeMessage JobType = "message"
	JobTypeTimer   JobType = "timer"
)

type Job struct {
	Key              int64
	Type             JobType
	JobDefinitionKey *int64
	// DefinitionId is set for jobs that belong to a definition (start timers, async continuations, definition suspension by id)
	DefinitionId       *string
	DeploymentId       *string
	ProcessInstanceKey *int64
	HandlerType        string
	HandlerConfig      string
	DueDate            *time.Time
	Retries            int32
	SuspensionState    SuspensionState
	TenantId           *string
	CreatedAt          time.Time
}

func (j Job) IsStartTimer() bool {
	return j.HandlerType == HandlerTypeTimerStartEvent && j.ProcessInstanceKey == nil
}

// Handler types of jobs known to the repository.
const (
	HandlerTypeAsyncContinuation  = "async-continuation"
	HandlerTypeTimerStartEvent    = "timer-start-event"
	HandlerTypeSuspendDefinition  = "suspend-definition"
	HandlerTypeActivateDefinition = "activate-definition"
)

const DefaultJobRetries int32 = 3

type ProcessInstance struct {
	Key             int64
	DefinitionId    string
	TenantId        *string
	BusinessKey     string
	ActivityId      string
	Variables       map[string]any
	SuspensionState SuspensionState
	CreatedAt       time.Time
}

type Task struct {
	Key                int64
	ProcessInstanceKey int64
	DefinitionId       string
	ActivityId         string
	Name               string
	SuspensionState    SuspensionState
	CreatedAt          time.Time
}

type HistoryEventType string

const (
	HistoryEventInstanceStarted   HistoryEventType = "instance-started"
	HistoryEventInstanceDeleted   HistoryEventType = "instance-deleted"
	HistoryEventDefinitionUpdated HistoryEventType = "definition-suspension-updated"
)

type HistoryEvent struct {
	Key                int64
	DefinitionId       string
	ProcessInstanceKey *int64
	Type               HistoryEventType
	Details            string
	CreatedAt          time.Time
}
