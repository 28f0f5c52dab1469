package bpmn

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/senseyeio/duration"
)

type TimerType string

const (
	TimerTypeDate     TimerType = "date"
	TimerTypeDuration TimerType = "duration"
	TimerTypeCycle    TimerType = "cycle"
)

// Timer is the configuration of a timer start event, stored as job handler configuration
type Timer struct {
	ActivityId string    `json:"activityId"`
	Type       TimerType `json:"timerType"`
	Expression string    `json:"expression"`
	// Remaining counts the repetitions of a cycle left after the current one, -1 repeats forever
	Remaining int `json:"remaining"`
}

func (t Timer) Marshal() string {
	b, _ := json.Marshal(t)
	return string(b)
}

func UnmarshalTimer(config string) (Timer, error) {
	var t Timer
	if err := json.Unmarshal([]byte(config), &t); err != nil {
		return t, fmt.Errorf("failed to read timer configuration: %w", err)
	}
	return t, nil
}

func timerFromDefinition(activityId string, def *TTimerEventDefinition) (*Timer, error) {
	var t Timer
	switch {
	case def.TimeDate != nil:
		t = Timer{Type: TimerTypeDate, Expression: strings.TrimSpace(def.TimeDate.Text)}
	case def.TimeDuration != nil:
		t = Timer{Type: TimerTypeDuration, Expression: strings.TrimSpace(def.TimeDuration.Text)}
	case def.TimeCycle != nil:
		t = Timer{Type: TimerTypeCycle, Expression: strings.TrimSpace(def.TimeCycle.Text)}
	default:
		return nil, fmt.Errorf("timer event definition of %s has no timeDate, timeDuration or timeCycle", activityId)
	}
	t.ActivityId = activityId
	t.Remaining = -1
	if t.Type == TimerTypeCycle {
		repeats, _, _, err := parseCycle(t.Expression)
		if err != nil {
			return nil, fmt.Errorf("invalid timer cycle of %s: %w", activityId, err)
		}
		t.Remaining = repeats
		if repeats > 0 {
			t.Remaining = repeats - 1
		}
	}
	if _, err := t.firstDue(time.Now()); err != nil {
		return nil, fmt.Errorf("invalid timer of %s: %w", activityId, err)
	}
	return &t, nil
}

// parseCycle reads R[n]/[start/]duration, repeats is -1 when n is missing
func parseCycle(expr string) (repeats int, start *time.Time, d duration.Duration, err error) {
	parts := strings.Split(expr, "/")
	if len(parts) < 2 || len(parts) > 3 || !strings.HasPrefix(parts[0], "R") {
		return 0, nil, d, fmt.Errorf("unsupported cycle %q", expr)
	}
	repeats = -1
	if n := strings.TrimPrefix(parts[0], "R"); n != "" {
		repeats, err = strconv.Atoi(n)
		if err != nil {
			return 0, nil, d, fmt.Errorf("invalid repetitions in %q: %w", expr, err)
		}
	}
	if len(parts) == 3 {
		s, err := time.Parse(time.RFC3339, parts[1])
		if err != nil {
			return 0, nil, d, fmt.Errorf("invalid start in %q: %w", expr, err)
		}
		start = &s
	}
	d, err = duration.ParseISO8601(parts[len(parts)-1])
	if err != nil {
		return 0, nil, d, fmt.Errorf("invalid duration in %q: %w", expr, err)
	}
	return repeats, start, d, nil
}

func (t Timer) firstDue(now time.Time) (time.Time, error) {
	switch t.Type {
	case TimerTypeDate:
		return time.Parse(time.RFC3339, t.Expression)
	case TimerTypeDuration:
		d, err := duration.ParseISO8601(t.Expression)
		if err != nil {
			return time.Time{}, err
		}
		return d.Shift(now), nil
	case TimerTypeCycle:
		_, start, d, err := parseCycle(t.Expression)
		if err != nil {
			return time.Time{}, err
		}
		if start != nil && start.After(now) {
			return *start, nil
		}
		return d.Shift(now), nil
	}
	return time.Time{}, fmt.Errorf("unknown timer type %q", t.Type)
}

// FirstDue is the due date of the start timer job created on deployment
func (t Timer) FirstDue(now time.Time) (time.Time, error) {
	return t.firstDue(now)
}

// Next returns the timer for the following cycle and its due date, ok is false when the timer does not fire again
func (t Timer) Next(fired time.Time) (next Timer, due time.Time, ok bool) {
	if t.Type != TimerTypeCycle || t.Remaining == 0 {
		return t, time.Time{}, false
	}
	_, _, d, err := parseCycle(t.Expression)
	if err != nil {
		return t, time.Time{}, false
	}
	next = t
	if next.Remaining > 0 {
		next.Remaining--
	}
	return next, d.Shift(fired), true
}

// parseHistoryTimeToLive reads the number of days from "5" or an ISO-8601 duration such as "P5D"
func parseHistoryTimeToLive(value string) (*int32, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if days, err := strconv.ParseInt(value, 10, 32); err == nil {
		if days < 0 {
			return nil, fmt.Errorf("negative historyTimeToLive %q", value)
		}
		res := int32(days)
		return &res, nil
	}
	d, err := duration.ParseISO8601(value)
	if err != nil {
		return nil, fmt.Errorf("invalid historyTimeToLive %q: %w", value, err)
	}
	res := int32(d.D + 7*d.W)
	return &res, nil
}
