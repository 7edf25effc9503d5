package dialplan

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	// Widgets carry IANA zone names; embed the database so evaluation does
	// not depend on the host image.
	_ "time/tzdata"
)

// BusinessHours is a daily open window in a named timezone.
// Days use 0=Sunday..6=Saturday and are evaluated in the window's timezone.
type BusinessHours struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
	Days     []int  `json:"days"`
}

// IsWithinHours reports whether now falls inside the window. Both ends are
// inclusive at minute granularity. Windows whose end is before their start
// (overnight) are rejected with ErrOvernightWindow.
func IsWithinHours(w BusinessHours, now time.Time) (bool, error) {
	start, err := parseClock("start", w.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock("end", w.End)
	if err != nil {
		return false, err
	}
	if end < start {
		return false, fmt.Errorf("%w: %s-%s", ErrOvernightWindow, w.Start, w.End)
	}

	loc := time.UTC
	if w.Timezone != "" {
		loc, err = time.LoadLocation(w.Timezone)
		if err != nil {
			return false, &WindowError{Field: "timezone", Value: w.Timezone, Cause: fmt.Errorf("%w: %v", ErrInvalidWindow, err)}
		}
	}
	for _, d := range w.Days {
		if d < 0 || d > 6 {
			return false, &WindowError{Field: "day", Value: strconv.Itoa(d), Cause: ErrInvalidWindow}
		}
	}

	local := now.In(loc)
	if !slices.Contains(w.Days, int(local.Weekday())) {
		return false, nil
	}

	minute := local.Hour()*60 + local.Minute()
	return minute >= start && minute <= end, nil
}

// parseClock turns "HH:MM" into minutes after midnight.
func parseClock(field, s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, &WindowError{Field: field, Value: s, Cause: ErrInvalidWindow}
	}
	h, errH := strconv.Atoi(hh)
	m, errM := strconv.Atoi(mm)
	if errH != nil || errM != nil || len(mm) != 2 || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, &WindowError{Field: field, Value: s, Cause: ErrInvalidWindow}
	}
	return h*60 + m, nil
}
