package job

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QuietHours configures a window during which recurring fires are skipped.
// Skipped fires still advance the schedule; they are logged, never dropped
// silently.
//
// Start/End are "HH:MM" in the job's timezone. A window may wrap midnight
// (e.g. 22:00-06:00). Holidays are "YYYY-MM-DD" dates on which the whole
// day is quiet.
type QuietHours struct {
	Start    string   `json:"start,omitempty"`
	End      string   `json:"end,omitempty"`
	Holidays []string `json:"holidays,omitempty"`
}

// Covers reports whether t falls inside the quiet window.
func (q *QuietHours) Covers(t time.Time) bool {
	if q == nil {
		return false
	}
	day := t.Format("2006-01-02")
	for _, h := range q.Holidays {
		if strings.TrimSpace(h) == day {
			return true
		}
	}
	if q.Start == "" || q.End == "" {
		return false
	}
	startMin, err := parseClock(q.Start)
	if err != nil {
		return false
	}
	endMin, err := parseClock(q.End)
	if err != nil {
		return false
	}
	cur := t.Hour()*60 + t.Minute()
	if startMin == endMin {
		return false
	}
	if startMin < endMin {
		return cur >= startMin && cur < endMin
	}
	// Window wraps midnight.
	return cur >= startMin || cur < endMin
}

// Validate checks the window and holiday formats.
func (q *QuietHours) Validate() error {
	if q == nil {
		return nil
	}
	if (q.Start == "") != (q.End == "") {
		return fmt.Errorf("quiet hours: start and end must both be set")
	}
	if q.Start != "" {
		if _, err := parseClock(q.Start); err != nil {
			return fmt.Errorf("quiet hours start: %w", err)
		}
		if _, err := parseClock(q.End); err != nil {
			return fmt.Errorf("quiet hours end: %w", err)
		}
	}
	for _, h := range q.Holidays {
		if _, err := time.Parse("2006-01-02", strings.TrimSpace(h)); err != nil {
			return fmt.Errorf("quiet hours holiday %q: expected YYYY-MM-DD", h)
		}
	}
	return nil
}

func parseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}
