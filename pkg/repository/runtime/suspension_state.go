package runtime

import (
	"encoding/json"
	"fmt"
)

type SuspensionState int

const (
	SuspensionStateActive    SuspensionState = 1
	SuspensionStateSuspended SuspensionState = 2
)

func (s SuspensionState) String() string {
	switch s {
	case SuspensionStateActive:
		return "ACTIVE"
	case SuspensionStateSuspended:
		return "SUSPENDED"
	}
	return fmt.Sprintf("SuspensionState(%d)", int(s))
}

func (s SuspensionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SuspensionState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	v, err := ParseSuspensionState(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseSuspensionState(s string) (SuspensionState, error) {
	switch s {
	case "ACTIVE":
		return SuspensionStateActive, nil
	case "SUSPENDED":
		return SuspensionStateSuspended, nil
	}
	return 0, fmt.Errorf("unknown suspension state %q", s)
}
