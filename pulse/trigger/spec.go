// Package trigger turns a job's schedule description into the next instant
// the job should run.
//
// A Spec is the serialisable form stored with the job. Parse validates it
// once, at registration, and returns a Trigger whose Next method is pure:
// the same reference instant always yields the same answer.
package trigger

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects the trigger variant.
type Kind string

const (
	KindDaily  Kind = "daily"  // fixed time of day
	KindWeekly Kind = "weekly" // weekday set plus time of day
	KindCron   Kind = "cron"   // five or six field cron expression
	KindOnce   Kind = "once"   // explicit run-once instant
)

// Spec is the declarative trigger stored with a job.
type Spec struct {
	Kind     Kind       `json:"kind" toml:"kind" yaml:"kind"`
	Time     string     `json:"time,omitempty" toml:"time,omitempty" yaml:"time,omitempty"`
	Weekdays []string   `json:"weekdays,omitempty" toml:"weekdays,omitempty" yaml:"weekdays,omitempty"`
	Cron     string     `json:"cron,omitempty" toml:"cron,omitempty" yaml:"cron,omitempty"`
	At       *time.Time `json:"at,omitempty" toml:"at,omitempty" yaml:"at,omitempty"`
	Timezone string     `json:"timezone,omitempty" toml:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// String renders the spec for listings, e.g. "weekly mon,wed,fri 09:00 Asia/Seoul".
func (s Spec) String() string {
	var b strings.Builder
	b.WriteString(string(s.Kind))
	switch s.Kind {
	case KindDaily:
		fmt.Fprintf(&b, " %s", s.Time)
	case KindWeekly:
		fmt.Fprintf(&b, " %s %s", strings.Join(s.Weekdays, ","), s.Time)
	case KindCron:
		fmt.Fprintf(&b, " %q", s.Cron)
	case KindOnce:
		if s.At != nil {
			fmt.Fprintf(&b, " %s", s.At.Format(time.RFC3339))
		}
	}
	if s.Timezone != "" {
		fmt.Fprintf(&b, " %s", s.Timezone)
	}
	return b.String()
}
