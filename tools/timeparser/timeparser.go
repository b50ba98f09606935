package timeparser

import (
	"fmt"
	"strings"
	"time"
)

// Default strptime-style patterns used when a connection declares none
const (
	DefaultDateFormat = "%d/%m/%Y"
	DefaultTimeFormat = "%H:%M:%S"
)

// strptime directives supported by the meter file formats
var directives = map[byte]string{
	'd': "02",
	'm': "01",
	'y': "06",
	'Y': "2006",
	'H': "15",
	'M': "04",
	'S': "05",
}

// Layout converts a strptime-style pattern to a Go time layout
func Layout(pattern string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '%' {
			b.WriteByte(pattern[i])
			continue
		}
		i++
		if i >= len(pattern) {
			return "", fmt.Errorf("pattern %q ends with a dangling %%", pattern)
		}
		if pattern[i] == '%' {
			b.WriteByte('%')
			continue
		}
		layout, ok := directives[pattern[i]]
		if !ok {
			return "", fmt.Errorf("unsupported directive %%%c in pattern %q", pattern[i], pattern)
		}
		b.WriteString(layout)
	}
	return b.String(), nil
}

// ParseDateTime combines separate date and time tokens into one timestamp
// using their strptime-style patterns
func ParseDateTime(dateRaw, timeRaw, datePattern, timePattern string) (time.Time, error) {
	dateLayout, err := Layout(datePattern)
	if err != nil {
		return time.Time{}, err
	}
	timeLayout, err := Layout(timePattern)
	if err != nil {
		return time.Time{}, err
	}
	raw := strings.TrimSpace(dateRaw) + " " + strings.TrimSpace(timeRaw)
	t, err := time.Parse(dateLayout+" "+timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", raw, err)
	}
	return t, nil
}
