package tempsource

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ErrNoMatch = errors.New("tempsource: output does not match format")

// placeholder accepts "{}", "{:f}", "{:d}" and "{:g}".
var placeholder = regexp.MustCompile(`\{(?::[fdg])?\}`)

const numberExpr = `\s*([-+]?(?:\d+(?:\.\d*)?|\.\d+))\s*`

// Format extracts one number from a command's output, e.g. the pattern
// "temp={}'C" matches vcgencmd's "temp=48.3'C".
type Format struct {
	pattern string
	re      *regexp.Regexp
}

func ParseFormat(pattern string) (*Format, error) {
	if pattern == "" {
		return nil, fmt.Errorf("tempsource: format is empty")
	}
	locs := placeholder.FindAllStringIndex(pattern, -1)
	if len(locs) != 1 {
		return nil, fmt.Errorf("tempsource: format %q must contain exactly one {} field", pattern)
	}
	prefix := pattern[:locs[0][0]]
	suffix := pattern[locs[0][1]:]
	re, err := regexp.Compile("^" + regexp.QuoteMeta(prefix) + numberExpr + regexp.QuoteMeta(suffix) + "$")
	if err != nil {
		return nil, fmt.Errorf("tempsource: compile format %q: %w", pattern, err)
	}
	return &Format{pattern: pattern, re: re}, nil
}

func (f *Format) String() string { return f.pattern }

// Parse strips one trailing newline and extracts the temperature.
func (f *Format) Parse(s string) (float64, error) {
	s = strings.TrimSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\r")
	m := f.re.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrNoMatch, s)
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("parse temp %q: %w", m[1], err)
	}
	return v, nil
}

// Reading is Parse folded into a Reading; failures become NoReading.
func (f *Format) Reading(s string) (Reading, error) {
	v, err := f.Parse(s)
	if err != nil {
		return NoReading, err
	}
	return Celsius(v), nil
}
