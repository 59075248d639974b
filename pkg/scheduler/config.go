package scheduler

import (
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
)

// StopTimeLayout is the format of --stop-time.
const StopTimeLayout = "2006-01-02 15:04:05"

// ParseStopTime parses a stop time in the collector's local timezone. An
// empty string means no deadline.
func ParseStopTime(v string, loc *time.Location) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(StopTimeLayout, v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stop time %q, expected YYYY-MM-DD HH:MM:SS: %w", v, err)
	}
	return t, nil
}

// Configured sets up a Scheduler from flags.
func Configured(runner Runner) *Scheduler {
	s := New(runner, 5*time.Minute)

	interval := lflag.Duration("interval", 5*time.Minute, "Time between collection cycles")
	stopTime := lflag.String("stop-time", "", "Stop collecting at this local time, format YYYY-MM-DD HH:MM:SS")

	lflag.Do(func() {
		if *interval <= 0 {
			panic(fmt.Sprintf("interval must be positive, got %s", *interval))
		}
		s.interval = *interval
		t, err := ParseStopTime(*stopTime, time.Local)
		if err != nil {
			panic(err.Error())
		}
		s.SetDeadline(t)
	})

	return s
}
