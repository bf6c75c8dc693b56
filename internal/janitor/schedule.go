package janitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const fallbackSchedule = "* * * * *"

// ValidSchedule reports whether expr is a cron expression or a gronx tag
// such as @hourly.
func ValidSchedule(expr string) bool {
	return gronx.New().IsValid(strings.TrimSpace(expr))
}

// NextRun returns the first tick of expr strictly after ref.
func NextRun(expr string, ref time.Time) (time.Time, error) {
	next, err := gronx.NextTickAfter(strings.TrimSpace(expr), ref, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("next tick of %q: %w", expr, err)
	}
	return next, nil
}
