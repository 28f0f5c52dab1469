package profile

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

type ProfileType string

var Current = DEV

const (
	DEV  ProfileType = "DEV"
	TEST ProfileType = "TEST"
	PROD ProfileType = "PROD"
)

func Parse(s string) (ProfileType, error) {
	switch p := ProfileType(strings.ToUpper(strings.TrimSpace(s))); p {
	case DEV, TEST, PROD:
		return p, nil
	}
	return DEV, fmt.Errorf("unknown profile %q", s)
}

// InitProfile reads PROFILE, an unset or unknown value keeps DEV
func InitProfile() {
	if v := os.Getenv("PROFILE"); v != "" {
		p, err := Parse(v)
		if err != nil {
			fmt.Printf("%s, falling back to %s\n", err, p)
		}
		Current = p
	}
	fmt.Printf("Current profile: %s\n", Current)
}

// LogLevel of the component loggers, PROD hides debug output
func LogLevel() hclog.Level {
	if Current == PROD {
		return hclog.Info
	}
	return hclog.Debug
}
