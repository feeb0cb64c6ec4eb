package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	timeutils "github.com/italypaleale/courier/internal/time"
)

// loader reads typed values from environment variables, collecting errors for invalid values.
type loader struct {
	errs []error
}

func (l *loader) lookup(key string) (string, bool) {
	val, ok := os.LookupEnv(Prefix + key)
	if !ok {
		return "", false
	}
	val = strings.TrimSpace(val)
	return val, val != ""
}

func (l *loader) fail(key string, val string, err error) {
	l.errs = append(l.errs, fmt.Errorf("invalid value '%s' for %s%s: %w", val, Prefix, key, err))
}

func (l *loader) String(key string, defaultValue string) string {
	val, ok := l.lookup(key)
	if !ok {
		return defaultValue
	}
	return val
}

// OneOf returns the value, which must be one of the allowed ones; the first is the default.
func (l *loader) OneOf(key string, allowed ...string) string {
	val, ok := l.lookup(key)
	if !ok {
		return allowed[0]
	}
	val = strings.ToLower(val)
	if !slices.Contains(allowed, val) {
		l.fail(key, val, fmt.Errorf("must be one of: %s", strings.Join(allowed, ", ")))
		return allowed[0]
	}
	return val
}

func (l *loader) Int(key string, defaultValue int) int {
	val, ok := l.lookup(key)
	if !ok {
		return defaultValue
	}
	res, err := strconv.Atoi(val)
	if err != nil {
		l.fail(key, val, err)
		return defaultValue
	}
	return res
}

func (l *loader) Int64(key string, defaultValue int64) int64 {
	val, ok := l.lookup(key)
	if !ok {
		return defaultValue
	}
	res, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		l.fail(key, val, err)
		return defaultValue
	}
	return res
}

func (l *loader) Bool(key string, defaultValue bool) bool {
	val, ok := l.lookup(key)
	if !ok {
		return defaultValue
	}
	res, err := strconv.ParseBool(val)
	if err != nil {
		l.fail(key, val, err)
		return defaultValue
	}
	return res
}

// Duration parses an ISO8601 duration ("P7D"), a Go duration string ("1.5s"), or a number of seconds.
func (l *loader) Duration(key string, defaultValue time.Duration) time.Duration {
	val, ok := l.lookup(key)
	if !ok {
		return defaultValue
	}

	res, err := timeutils.ParseDuration(val)
	if err != nil {
		l.fail(key, val, err)
		return defaultValue
	}
	return res
}

func (l *loader) LogLevel(key string, defaultValue slog.Level) slog.Level {
	val, ok := l.lookup(key)
	if !ok {
		return defaultValue
	}
	var res slog.Level
	err := res.UnmarshalText([]byte(val))
	if err != nil {
		l.fail(key, val, err)
		return defaultValue
	}
	return res
}
