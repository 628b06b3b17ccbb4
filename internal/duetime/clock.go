package duetime

import (
	"strings"
	"time"
)

// ParseClock resolves "HH:MM" to the next occurrence after now, in now's
// location. If that time of day is at or before now, the result is the same
// wall clock time tomorrow.
func ParseClock(raw string, now time.Time) (time.Time, bool) {
	h, m, ok := parseHHMM(strings.TrimSpace(raw))
	if !ok {
		return time.Time{}, false
	}
	y, mo, d := now.Date()
	target := time.Date(y, mo, d, h, m, 0, 0, now.Location())
	if !target.After(now) {
		target = time.Date(y, mo, d+1, h, m, 0, 0, now.Location())
	}
	return target, true
}

// parseHHMM accepts one or two hour digits and exactly two minute digits.
func parseHHMM(s string) (int, int, bool) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) < 1 || len(hh) > 2 || len(mm) != 2 {
		return 0, 0, false
	}
	if !isDigits(hh) || !isDigits(mm) {
		return 0, 0, false
	}
	h := atoiSmall(hh)
	m := atoiSmall(mm)
	if h > 23 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

func atoiSmall(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		n = n*10 + int(s[i]-'0')
	}
	return n
}
