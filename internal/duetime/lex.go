// Package duetime turns user supplied "when" text into an absolute due time.
//
// Two grammars are understood:
//   - clock:    "HH:MM" (24h), resolved to the next future occurrence
//   - duration: a bare integer (minutes) or "<n><unit>" groups, unit in d/h/m
package duetime

import (
	"errors"
	"fmt"
	"strings"
)

// Unit is a duration token unit.
type Unit byte

const (
	UnitDay    Unit = 'd'
	UnitHour   Unit = 'h'
	UnitMinute Unit = 'm'
)

// Seconds returns how many seconds one unit spans.
func (u Unit) Seconds() int64 {
	switch u {
	case UnitDay:
		return 24 * 60 * 60
	case UnitHour:
		return 60 * 60
	case UnitMinute:
		return 60
	default:
		return 0
	}
}

func (u Unit) String() string { return string(rune(u)) }

// Token is one (value, unit) pair of a duration expression.
type Token struct {
	Value int64
	Unit  Unit
}

var (
	// ErrEmpty means the input holds no "<n><unit>" group at all.
	ErrEmpty      = errors.New("duetime: no duration token")
	ErrOutOfRange = errors.New("duetime: value out of range")
)

// maxTokenValue keeps a single token far below int64 overflow even for days.
const maxTokenValue = 1_000_000

// Lex extracts the duration tokens from raw.
//
// A bare integer is returned as a single minute token. Otherwise every
// "<digits>[ws]<unit>" group found anywhere in the input becomes a token and
// the text around the groups is ignored, so "in 2 hours" and "1h30" both
// lex. Units are case-insensitive.
func Lex(raw string) ([]Token, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return nil, ErrEmpty
	}

	if isDigits(s) {
		v, err := parseInt(s)
		if err != nil {
			return nil, err
		}
		return []Token{{Value: v, Unit: UnitMinute}}, nil
	}

	var out []Token
	for i := 0; i < len(s); {
		if !isDigit(s[i]) {
			i++
			continue
		}
		start := i
		for i < len(s) && isDigit(s[i]) {
			i++
		}
		j := skipSpace(s, i)
		if j >= len(s) {
			break
		}
		u := Unit(s[j])
		switch u {
		case UnitDay, UnitHour, UnitMinute:
		default:
			continue
		}
		v, err := parseInt(s[start:i])
		if err != nil {
			return nil, err
		}
		out = append(out, Token{Value: v, Unit: u})
		i = j + 1
	}

	if len(out) == 0 {
		return nil, ErrEmpty
	}
	return out, nil
}

func parseInt(s string) (int64, error) {
	var v int64
	for i := 0; i < len(s); i++ {
		v = v*10 + int64(s[i]-'0')
		if v > maxTokenValue {
			return 0, fmt.Errorf("%w: %s", ErrOutOfRange, s)
		}
	}
	return v, nil
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}
