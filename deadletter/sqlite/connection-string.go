// This code was adapted from https://github.com/dapr/components-contrib/blob/v1.14.6/
// Copyright (C) 2023 The Dapr Authors
// License: Apache2

package sqlite

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBusyTimeout      = 2500 * time.Millisecond
	DefaultConnectionString = "courier.db"
)

// isInMemoryDB returns true if the connection string is for an in-memory database.
func isInMemoryDB(connStr string) bool {
	lc := strings.ToLower(connStr)

	// First way to define an in-memory database is to use ":memory:" or "file::memory:" as connection string
	if strings.HasPrefix(lc, ":memory:") || strings.HasPrefix(lc, "file::memory:") {
		return true
	}

	// Another way is to pass "mode=memory" in the "query string"
	idx := strings.IndexRune(lc, '?')
	if idx < 0 {
		return false
	}
	qs, _ := url.ParseQuery(lc[(idx + 1):])

	return len(qs["mode"]) > 0 && qs["mode"][0] == "memory"
}

// firstLower keeps only the first value for the key, lowercased, and returns it.
func firstLower(qs url.Values, key string) (string, bool) {
	if len(qs[key]) == 0 {
		return "", false
	}
	v := strings.ToLower(qs[key][0])
	qs[key] = []string{v}
	return v, true
}

// parseConnectionString validates the connection string and returns it with the options the store requires.
func parseConnectionString(connStr string, log *slog.Logger) (string, error) {
	if connStr == "" {
		connStr = DefaultConnectionString
	}

	isMemoryDB := isInMemoryDB(connStr)

	// Get the "query string" from the connection string if present
	idx := strings.IndexRune(connStr, '?')
	var qs url.Values
	if idx > 0 {
		qs, _ = url.ParseQuery(connStr[(idx + 1):])
		connStr = connStr[:idx]
	}
	if len(qs) == 0 {
		qs = make(url.Values, 2)
	}

	// If the database is in-memory, we must ensure that cache=shared is set
	if isMemoryDB {
		qs["cache"] = []string{"shared"}
	}

	// Check if the database is read-only or immutable
	mode, _ := firstLower(qs, "mode")
	immutable, _ := firstLower(qs, "immutable")
	isReadOnly := mode == "ro" || immutable == "1"

	// We do not want to override a _txlock if set, but we'll show a warning if it's not "immediate"
	txlock, ok := firstLower(qs, "_txlock")
	switch {
	case !ok:
		qs["_txlock"] = []string{"immediate"}
	case txlock != "immediate":
		log.Warn("Database connection is being created with a _txlock different from the recommended value 'immediate'")
	}

	// Add pragma values
	var hasBusyTimeout, hasJournalMode bool
	for _, p := range qs["_pragma"] {
		p = strings.ToLower(p)
		switch {
		case strings.HasPrefix(p, "busy_timeout"):
			hasBusyTimeout = true
		case strings.HasPrefix(p, "journal_mode"):
			hasJournalMode = true
		case strings.HasPrefix(p, "foreign_keys"):
			return "", errors.New("found forbidden option '_pragma=foreign_keys' in the connection string")
		}
	}
	if !hasBusyTimeout {
		qs["_pragma"] = append(qs["_pragma"], fmt.Sprintf("busy_timeout(%d)", DefaultBusyTimeout.Milliseconds()))
	}
	if !hasJournalMode {
		switch {
		case isMemoryDB:
			// For in-memory databases, set the journal to MEMORY, the only allowed option besides OFF (which would make transactions ineffective)
			qs["_pragma"] = append(qs["_pragma"], "journal_mode(MEMORY)")
		case isReadOnly:
			// Set the journaling mode to "DELETE" (the default) if the database is read-only
			qs["_pragma"] = append(qs["_pragma"], "journal_mode(DELETE)")
		default:
			qs["_pragma"] = append(qs["_pragma"], "journal_mode(WAL)")
		}
	}
	qs["_pragma"] = append(qs["_pragma"], "foreign_keys(1)")

	connStr += "?" + qs.Encode()

	// If the connection string doesn't begin with "file:", add the prefix
	if !strings.HasPrefix(strings.ToLower(connStr), "file:") {
		connStr = "file:" + connStr
	}

	return connStr, nil
}
