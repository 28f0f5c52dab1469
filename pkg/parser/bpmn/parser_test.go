package bpmn

import (
	"os"
	"testing"
	"time"

	"github.com/pbinitiative/zenrepo/pkg/parser"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadResource(t *testing.T, name string) runtime.Resource {
	t.Helper()
	b, err := os.ReadFile("testdata/" + name)
	require.NoError(t, err)
	return runtime.Resource{Id: name, DeploymentId: "d1", Name: name, Bytes: b}
}

func TestAccepts(t *testing.T) {
	p := Parser{}
	assert.True(t, p.Accepts("order.bpmn"))
	assert.True(t, p.Accepts("order.bpmn20.xml"))
	assert.False(t, p.Accepts("order.dmn"))
	assert.False(t, p.Accepts("readme.txt"))
}

func TestParseUserTaskProcess(t *testing.T) {
	defs, err := Parser{}.Parse(loadResource(t, "user-task.bpmn"))
	require.NoError(t, err)
	require.Len(t, defs, 1)

	def := defs[0]
	assert.Equal(t, runtime.DefinitionKindProcess, def.Kind)
	assert.Equal(t, "order-process", def.Key)
	assert.Equal(t, "Order", def.Name)
	assert.Equal(t, "http://zenbpm.io/orders", def.Category)
	require.NotNil(t, def.VersionTag)
	assert.Equal(t, "1.2.0", *def.VersionTag)
	require.NotNil(t, def.HistoryTimeToLive)
	assert.Equal(t, int32(5), *def.HistoryTimeToLive)
	require.Len(t, def.JobDeclarations, 1)
	assert.Equal(t, "ship", def.JobDeclarations[0].ActivityId)
	assert.Equal(t, runtime.HandlerTypeAsyncContinuation, def.JobDeclarations[0].HandlerType)

	process := def.Model.(*Process)
	require.Len(t, process.Listeners, 1)
	assert.Equal(t, ListenerEventEnd, process.Listeners[0].Event)

	first, err := process.FirstActivity()
	require.NoError(t, err)
	assert.Equal(t, "approve", first.Id)
	assert.Equal(t, ElementTypeUserTask, first.Type)
	assert.True(t, first.IsWaitState())
	assert.Equal(t, []OutputMapping{{Source: "=approved", Target: "orderApproved"}}, first.Outputs)
	require.Len(t, first.Listeners, 1)
	assert.Equal(t, "approved", first.Listeners[0].Script)

	next, err := process.Next(first.Id)
	require.NoError(t, err)
	assert.True(t, next.AsyncBefore)
}

func TestParseTimerStartProcess(t *testing.T) {
	defs, err := Parser{}.Parse(loadResource(t, "timer-start.bpmn"))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	def := defs[0]
	require.NotNil(t, def.VersionTag)
	assert.Equal(t, "v7", *def.VersionTag)
	assert.Nil(t, def.HistoryTimeToLive)

	require.Len(t, def.JobDeclarations, 1)
	decl := def.JobDeclarations[0]
	assert.Equal(t, runtime.HandlerTypeTimerStartEvent, decl.HandlerType)
	timer, err := UnmarshalTimer(decl.Configuration)
	require.NoError(t, err)
	assert.Equal(t, TimerTypeCycle, timer.Type)
	assert.Equal(t, "R3/PT1H", timer.Expression)
	assert.Equal(t, 2, timer.Remaining)

	process := def.Model.(*Process)
	_, ok := process.NoneStartEvent()
	assert.False(t, ok)
	_, err = process.FirstActivity()
	assert.ErrorIs(t, err, ErrNoNoneStartEvent)
	assert.Len(t, process.TimerStartEvents(), 1)
}

func TestParseBrokenFlow(t *testing.T) {
	_, err := Parser{}.Parse(loadResource(t, "broken-flow.bpmn"))
	var parseErr *parser.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "broken-flow.bpmn", parseErr.ResourceName)
	assert.ErrorContains(t, err, "unknown target missing")
}

func TestParseInvalidXml(t *testing.T) {
	_, err := Parser{}.Parse(runtime.Resource{Name: "x.bpmn", Bytes: []byte("<definitions")})
	var parseErr *parser.ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestTimerCycle(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	timer := Timer{Type: TimerTypeCycle, Expression: "R2/PT30M", Remaining: 1}

	due, err := timer.FirstDue(now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Minute), due)

	next, due, ok := timer.Next(now)
	require.True(t, ok)
	assert.Equal(t, 0, next.Remaining)
	assert.Equal(t, now.Add(30*time.Minute), due)

	_, _, ok = next.Next(due)
	assert.False(t, ok)
}

func TestTimerCycleWithStart(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	timer := Timer{Type: TimerTypeCycle, Expression: "R/2025-02-01T00:00:00Z/P1D", Remaining: -1}

	due, err := timer.FirstDue(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), due)

	next, due, ok := timer.Next(due)
	require.True(t, ok)
	assert.Equal(t, -1, next.Remaining)
	assert.Equal(t, time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC), due)
}

func TestTimerDateAndDuration(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	due, err := Timer{Type: TimerTypeDate, Expression: "2025-03-01T12:00:00Z"}.FirstDue(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), due)

	due, err = Timer{Type: TimerTypeDuration, Expression: "PT15M"}.FirstDue(now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(15*time.Minute), due)

	_, _, ok := Timer{Type: TimerTypeDuration, Expression: "PT15M"}.Next(due)
	assert.False(t, ok)
}

func TestHistoryTimeToLive(t *testing.T) {
	ttl, err := parseHistoryTimeToLive("30")
	require.NoError(t, err)
	assert.Equal(t, int32(30), *ttl)

	ttl, err = parseHistoryTimeToLive("P9D")
	require.NoError(t, err)
	assert.Equal(t, int32(9), *ttl)

	ttl, err = parseHistoryTimeToLive("")
	require.NoError(t, err)
	assert.Nil(t, ttl)

	_, err = parseHistoryTimeToLive("soon")
	assert.Error(t, err)
}
