package race

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseFinishTime parses a manually reported finish time in H:MM:SS or
// MM:SS form into whole seconds. Minutes and seconds must be in [0,59];
// negative components are rejected.
func ParseFinishTime(input string) (int64, error) {
	parts := strings.Split(strings.TrimSpace(input), ":")

	var h, m, s int64
	var err error
	switch len(parts) {
	case 3:
		if h, err = parseTimePart(parts[0]); err != nil {
			return 0, err
		}
		if m, err = parseTimePart(parts[1]); err != nil {
			return 0, err
		}
		if s, err = parseTimePart(parts[2]); err != nil {
			return 0, err
		}
	case 2:
		if m, err = parseTimePart(parts[0]); err != nil {
			return 0, err
		}
		if s, err = parseTimePart(parts[1]); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("%w: time must be H:MM:SS or MM:SS", ErrInvalidInput)
	}

	if m > 59 || s > 59 {
		return 0, fmt.Errorf("%w: minutes and seconds must be between 0 and 59", ErrInvalidInput)
	}

	return h*3600 + m*60 + s, nil
}

func parseTimePart(part string) (int64, error) {
	n, err := strconv.ParseInt(part, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: time must be H:MM:SS or MM:SS", ErrInvalidInput)
	}
	return n, nil
}

// FormatFinishTime renders whole seconds as H:MM:SS.
func FormatFinishTime(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}
