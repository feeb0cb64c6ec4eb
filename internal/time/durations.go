// This code was adapted from https://github.com/dapr/kit/tree/v0.15.4/
// Copyright (C) 2023 The Dapr Authors
// License: Apache2

// Package time parses durations used in configuration values.
package time

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	errInvalidISO8601Duration = errors.New("unsupported ISO8601 duration format")
	errCalendarDuration       = errors.New("durations with years or months are not supported")
	errUnsupportedDuration    = errors.New("unsupported duration format: must be an ISO8601 duration, a Go duration string, or a number of seconds")
)

const day = 24 * time.Hour

// ParseDuration parses a duration in one of these formats:
// - ISO8601 duration, such as "P7D" or "PT1.5S"; years and months are not allowed
// - Go duration string, such as "1h30m"
// - Number of seconds, such as "2.5"
func ParseDuration(from string) (time.Duration, error) {
	from = strings.TrimSpace(from)
	if from == "" {
		return 0, errUnsupportedDuration
	}

	if from[0] == 'P' {
		return ParseISO8601Duration(from)
	}

	secs, err := strconv.ParseFloat(from, 64)
	if err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}

	d, err := time.ParseDuration(from)
	if err != nil {
		return 0, errUnsupportedDuration
	}
	return d, nil
}

// ParseISO8601Duration parses a duration in the ISO8601 format.
// Because the result is a fixed amount of time, weeks are 7 days and days are 24 hours, while years and months are rejected.
func ParseISO8601Duration(from string) (d time.Duration, err error) {
	// Length must be at least 2 characters per specs
	l := len(from)
	if l < 2 || from[0] != 'P' {
		return 0, errInvalidISO8601Duration
	}

	var (
		i, start      = 1, 1
		isParsingTime bool
		isDecimal     bool
		tmp           int
	)
	for ; i < l; i++ {
		c := from[i]

		// Digits are consumed when the designator that follows them is found
		if c >= '0' && c <= '9' {
			continue
		}

		switch c {
		case 'T':
			if start != i || isParsingTime {
				return 0, errInvalidISO8601Duration
			}
			isParsingTime = true
			start = i + 1
			continue

		case 'Y':
			return 0, errCalendarDuration

		case 'M':
			if !isParsingTime {
				return 0, errCalendarDuration
			}
		}

		if start == i {
			return 0, errInvalidISO8601Duration
		}
		tmp, err = strconv.Atoi(from[start:i])
		if err != nil {
			return 0, errInvalidISO8601Duration
		}

		switch c {
		case 'W', 'D':
			if isParsingTime || isDecimal {
				return 0, errInvalidISO8601Duration
			}
			if c == 'W' {
				d += time.Duration(tmp) * 7 * day
			} else {
				d += time.Duration(tmp) * day
			}

		case 'H', 'M':
			if !isParsingTime || isDecimal {
				return 0, errInvalidISO8601Duration
			}
			if c == 'H' {
				d += time.Duration(tmp) * time.Hour
			} else {
				d += time.Duration(tmp) * time.Minute
			}

		case '.':
			// We allow decimals only for seconds
			if !isParsingTime || isDecimal {
				return 0, errInvalidISO8601Duration
			}
			d += time.Duration(tmp) * time.Second
			isDecimal = true

		case 'S':
			if !isParsingTime {
				return 0, errInvalidISO8601Duration
			}
			if !isDecimal {
				d += time.Duration(tmp) * time.Second
				break
			}
			switch i - start {
			case 3:
				d += time.Duration(tmp) * time.Millisecond
			case 2:
				d += time.Duration(tmp*10) * time.Millisecond
			case 1:
				d += time.Duration(tmp*100) * time.Millisecond
			default:
				return 0, errInvalidISO8601Duration
			}

		default:
			return 0, errInvalidISO8601Duration
		}

		start = i + 1
	}

	// Trailing digits without a designator
	if start != l {
		return 0, errInvalidISO8601Duration
	}

	return d, nil
}
