package pulse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// weekdaySlots is the number of rotating cohorts ("weekday-0".."weekday-4").
const weekdaySlots = 5

// WeekdayIndex maps a day of week to a rotation slot. Sunday folds to the last
// slot (4); Monday..Friday map to 0..4 and Saturday wraps to 0.
func WeekdayIndex(day int) int {
	if day == int(time.Sunday) {
		return weekdaySlots - 1
	}
	return ((day-1)%weekdaySlots + weekdaySlots) % weekdaySlots
}

// CohortName returns the cohort a schedule targets on the given day.
func CohortName(day int, rotating bool) string {
	if !rotating {
		return AllCohort
	}
	return "weekday-" + strconv.Itoa(WeekdayIndex(day))
}

// QuestionIndex picks the question slot for the given day out of n active questions.
func QuestionIndex(day, n int) int {
	if n <= 0 {
		return -1
	}
	return (day%n + n) % n
}

// WeekStart returns the most recent Sunday at 00:00 in t's location.
func WeekStart(t time.Time) time.Time {
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return day.AddDate(0, 0, -int(t.Weekday()))
}

// WeekKey formats the rotation week of t.
func WeekKey(t time.Time) string {
	return WeekStart(t).Format("2006-01-02")
}

// parseHHMM parses "HH:mm" into minutes since midnight.
func parseHHMM(s string) (int, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("invalid time of day %q (want HH:mm)", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// ValidTimeOfDay reports whether s is a valid "HH:mm".
func ValidTimeOfDay(s string) bool {
	_, err := parseHHMM(s)
	return err == nil
}

// WithinTolerance reports whether the wall-clock minute of now is within tol of
// the schedule's HH:mm. The difference does not wrap around midnight.
func WithinTolerance(timeOfDay string, now time.Time, tol time.Duration) (bool, error) {
	want, err := parseHHMM(timeOfDay)
	if err != nil {
		return false, err
	}
	cur := now.Hour()*60 + now.Minute()
	diff := cur - want
	if diff < 0 {
		diff = -diff
	}
	return time.Duration(diff)*time.Minute <= tol, nil
}

// Due reports whether s fires at now (already converted to the schedule's zone).
func Due(s Schedule, now time.Time, tol time.Duration) (bool, error) {
	if s.DayOfWeek != int(now.Weekday()) {
		return false, nil
	}
	return WithinTolerance(s.TimeOfDay, now, tol)
}
