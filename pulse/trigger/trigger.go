package trigger

import (
	"strconv"
	"strings"
	"time"

	_ "time/tzdata" // containers without a zoneinfo database

	"github.com/robfig/cron/v3"

	"github.com/contentops/autopilot/errors"
)

// Trigger computes run instants for one job.
type Trigger interface {
	// Next returns the first run instant strictly after ref. ok is false
	// when the trigger will never fire again.
	Next(ref time.Time) (next time.Time, ok bool)
	Kind() Kind
	Location() *time.Location
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse validates spec and builds its Trigger. An empty spec timezone falls
// back to defaultLoc (UTC when nil). Every failure is a configuration error.
func Parse(spec Spec, defaultLoc *time.Location) (Trigger, error) {
	loc, err := resolveLocation(spec.Timezone, defaultLoc)
	if err != nil {
		return nil, err
	}

	switch spec.Kind {
	case KindDaily:
		h, m, err := parseClock(spec.Time)
		if err != nil {
			return nil, err
		}
		return &daily{hour: h, minute: m, loc: loc}, nil

	case KindWeekly:
		h, m, err := parseClock(spec.Time)
		if err != nil {
			return nil, err
		}
		days, err := parseWeekdays(spec.Weekdays)
		if err != nil {
			return nil, err
		}
		return &weekly{days: days, hour: h, minute: m, loc: loc}, nil

	case KindCron:
		expr := strings.TrimSpace(spec.Cron)
		if expr == "" {
			return nil, errors.NewConfigurationError("cron trigger requires an expression")
		}
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, errors.NewConfigurationError("invalid cron expression %q: %v", expr, err)
		}
		c := &cronTrigger{schedule: sched, loc: loc}
		if _, ok := c.Next(time.Now()); !ok {
			return nil, errors.NewConfigurationError("cron expression %q never fires", expr)
		}
		return c, nil

	case KindOnce:
		if spec.At == nil || spec.At.IsZero() {
			return nil, errors.NewConfigurationError("run-once trigger requires an instant")
		}
		return &once{at: *spec.At, loc: loc}, nil

	case "":
		return nil, errors.NewConfigurationError("trigger kind is required")

	default:
		return nil, errors.NewConfigurationError("unknown trigger kind %q", spec.Kind)
	}
}

// LoadLocation resolves an IANA zone name as a configuration error on failure.
func LoadLocation(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.NewConfigurationError("unknown timezone %q", name)
	}
	return loc, nil
}

func resolveLocation(name string, defaultLoc *time.Location) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		if defaultLoc == nil {
			return time.UTC, nil
		}
		return defaultLoc, nil
	}
	return LoadLocation(strings.TrimSpace(name))
}

func parseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, errors.NewConfigurationError("time %q must be HH:MM", s)
	}
	hour, herr := strconv.Atoi(parts[0])
	minute, merr := strconv.Atoi(parts[1])
	if herr != nil || merr != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, errors.NewConfigurationError("time %q must be HH:MM", s)
	}
	return hour, minute, nil
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

func parseWeekdays(names []string) ([7]bool, error) {
	var days [7]bool
	if len(names) == 0 {
		return days, errors.NewConfigurationError("weekly trigger has an empty weekday set")
	}
	for _, name := range names {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return days, errors.NewConfigurationError("unknown weekday %q", name)
		}
		days[d] = true
	}
	return days, nil
}

type daily struct {
	hour, minute int
	loc          *time.Location
}

func (d *daily) Kind() Kind               { return KindDaily }
func (d *daily) Location() *time.Location { return d.loc }

func (d *daily) Next(ref time.Time) (time.Time, bool) {
	local := ref.In(d.loc)
	// Two candidates cover every case; a DST gap can only push the wall
	// time forward, never behind ref.
	for offset := 0; offset <= 2; offset++ {
		c := time.Date(local.Year(), local.Month(), local.Day()+offset, d.hour, d.minute, 0, 0, d.loc)
		if c.After(ref) {
			return c, true
		}
	}
	return time.Time{}, false
}

type weekly struct {
	days         [7]bool
	hour, minute int
	loc          *time.Location
}

func (w *weekly) Kind() Kind               { return KindWeekly }
func (w *weekly) Location() *time.Location { return w.loc }

func (w *weekly) Next(ref time.Time) (time.Time, bool) {
	local := ref.In(w.loc)
	for offset := 0; offset <= 8; offset++ {
		c := time.Date(local.Year(), local.Month(), local.Day()+offset, w.hour, w.minute, 0, 0, w.loc)
		if w.days[c.Weekday()] && c.After(ref) {
			return c, true
		}
	}
	return time.Time{}, false
}

type cronTrigger struct {
	schedule cron.Schedule
	loc      *time.Location
}

func (c *cronTrigger) Kind() Kind               { return KindCron }
func (c *cronTrigger) Location() *time.Location { return c.loc }

func (c *cronTrigger) Next(ref time.Time) (time.Time, bool) {
	// robfig returns the zero time when nothing matches within five years
	next := c.schedule.Next(ref.In(c.loc))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

type once struct {
	at  time.Time
	loc *time.Location
}

func (o *once) Kind() Kind               { return KindOnce }
func (o *once) Location() *time.Location { return o.loc }

func (o *once) Next(ref time.Time) (time.Time, bool) {
	if o.at.After(ref) {
		return o.at.In(o.loc), true
	}
	return time.Time{}, false
}
