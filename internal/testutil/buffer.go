package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
)

// ConcurrentBuffer is a bytes.Buffer that's safe for concurrent use.
type ConcurrentBuffer struct {
	b bytes.Buffer
	m sync.Mutex
}

func (cb *ConcurrentBuffer) Write(p []byte) (n int, err error) {
	cb.m.Lock()
	defer cb.m.Unlock()
	return cb.b.Write(p)
}

func (cb *ConcurrentBuffer) String() string {
	cb.m.Lock()
	defer cb.m.Unlock()
	return cb.b.String()
}

func (cb *ConcurrentBuffer) Reset() {
	cb.m.Lock()
	defer cb.m.Unlock()
	cb.b.Reset()
}

// LogRecord is a log line emitted by a JSON slog handler.
type LogRecord map[string]any

// Message returns the "msg" property.
func (r LogRecord) Message() string {
	msg, _ := r[slog.MessageKey].(string)
	return msg
}

// Int returns a numeric property as int64.
// Durations are encoded as nanoseconds by the JSON handler.
func (r LogRecord) Int(key string) int64 {
	v, _ := r[key].(float64)
	return int64(v)
}

// NewLogger returns a logger that writes JSON records to a ConcurrentBuffer, including debug logs.
func NewLogger() (*slog.Logger, *ConcurrentBuffer) {
	buf := &ConcurrentBuffer{}
	log := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	return log, buf
}

// LogRecords parses all records written to the buffer by a JSON slog handler.
func (cb *ConcurrentBuffer) LogRecords(t testing.TB) []LogRecord {
	t.Helper()

	cb.m.Lock()
	data := bytes.Clone(cb.b.Bytes())
	cb.m.Unlock()

	res := []LogRecord{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec := LogRecord{}
		err := json.Unmarshal(line, &rec)
		if err != nil {
			t.Fatalf("Failed to parse log line '%s': %v", string(line), err)
		}
		res = append(res, rec)
	}

	return res
}

// FindLogRecords returns all records with the given message.
func (cb *ConcurrentBuffer) FindLogRecords(t testing.TB, msg string) []LogRecord {
	t.Helper()

	res := []LogRecord{}
	for _, r := range cb.LogRecords(t) {
		if r.Message() == msg {
			res = append(res, r)
		}
	}
	return res
}
