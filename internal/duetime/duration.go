package duetime

import (
	"strconv"
	"strings"
)

// ParseDuration sums a duration expression into seconds.
//
// found is false when the input is not a duration expression at all, or when
// it is a bare "0". Tokens with a zero value are accepted but add nothing, so
// "0m" yields (0, true).
func ParseDuration(raw string) (seconds int64, found bool) {
	toks, err := Lex(raw)
	if err != nil {
		return 0, false
	}
	// A bare integer means minutes, and zero minutes is not a duration.
	if isDigits(strings.TrimSpace(raw)) && toks[0].Value == 0 {
		return 0, false
	}
	return Sum(toks)
}

// Sum adds up lexed tokens.
func Sum(toks []Token) (seconds int64, found bool) {
	if len(toks) == 0 {
		return 0, false
	}
	for _, t := range toks {
		if t.Value <= 0 {
			continue
		}
		seconds += t.Value * t.Unit.Seconds()
	}
	return seconds, true
}

// FormatDuration renders seconds as "1d 5h 30m". Seconds below a minute are
// dropped; zero renders as "0m".
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	d := seconds / 86400
	seconds %= 86400
	h := seconds / 3600
	seconds %= 3600
	m := seconds / 60

	parts := make([]string, 0, 3)
	if d > 0 {
		parts = append(parts, strconv.FormatInt(d, 10)+"d")
	}
	if h > 0 {
		parts = append(parts, strconv.FormatInt(h, 10)+"h")
	}
	if m > 0 || len(parts) == 0 {
		parts = append(parts, strconv.FormatInt(m, 10)+"m")
	}
	return strings.Join(parts, " ")
}
