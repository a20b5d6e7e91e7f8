// Package audit maintains the append-only JSONL audit trail. Entries are
// funneled through a single writer goroutine so wall-clock order is preserved
// across concurrent tool calls.
package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Entry is one audit line.
type Entry struct {
	Timestamp     time.Time `json:"timestamp"`
	Status        string    `json:"status"` // "ok" or "error"
	Tool          string    `json:"tool"`
	Action        string    `json:"action,omitempty"`
	TraceID       string    `json:"trace_id"`
	SpanID        string    `json:"span_id"`
	ParentSpanID  string    `json:"parent_span_id,omitempty"`
	InvokedAs     string    `json:"invoked_as,omitempty"`
	Input         any       `json:"input,omitempty"`
	ResultSummary any       `json:"result_summary,omitempty"`
	Error         string    `json:"error,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
}

type message struct {
	entry *Entry
	ack   chan struct{} // non-nil for flush markers
}

// Log is the process audit sink.
type Log struct {
	path string
	ch   chan message

	// mu guards closed and every send on ch, so Close can close the channel
	// knowing no sender is mid-flight.
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// NewLog starts the writer goroutine. The file is created lazily with mode
// 0600.
func NewLog(path string) *Log {
	l := &Log{
		path: path,
		ch:   make(chan message, 256),
	}
	go l.writer()
	return l
}

// Append enqueues an entry. Blocks only if the queue is saturated, preserving
// order rather than dropping.
func (l *Log) Append(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		log.Warn().Str("tool", e.Tool).Msg("Audit append after close dropped")
		return
	}
	l.ch <- message{entry: &e}
}

// Flush blocks until every previously appended entry is on disk.
func (l *Log) Flush() {
	ack := make(chan struct{})
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.ch <- message{ack: ack}
	l.mu.Unlock()
	<-ack
}

// Close flushes and stops the writer.
func (l *Log) Close() {
	l.closeOnce.Do(func() {
		l.Flush()
		l.mu.Lock()
		l.closed = true
		close(l.ch)
		l.mu.Unlock()
	})
}

func (l *Log) writer() {
	var f *os.File
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	for msg := range l.ch {
		if msg.ack != nil {
			if f != nil {
				f.Sync()
			}
			close(msg.ack)
			continue
		}
		if f == nil {
			var err error
			if err = os.MkdirAll(filepath.Dir(l.path), 0o700); err == nil {
				f, err = os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
			}
			if err != nil {
				log.Error().Err(err).Str("path", l.path).Msg("Audit log open failed; entry dropped")
				continue
			}
		}
		line, err := json.Marshal(msg.entry)
		if err != nil {
			log.Error().Err(err).Msg("Audit entry not serializable; dropped")
			continue
		}
		line = append(line, '\n')
		if _, err := f.Write(line); err != nil {
			log.Error().Err(err).Msg("Audit write failed")
		}
	}
}

// Filter narrows a Query.
type Filter struct {
	Tool    string
	Status  string
	TraceID string
	Since   time.Time
	Limit   int
}

// Query streams the log file and returns matching entries, newest last.
// Limit keeps the last N matches.
func (l *Log) Query(f Filter) ([]Entry, error) {
	l.Flush()

	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}
	defer file.Close()

	var out []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			// Skip torn or foreign lines rather than failing the whole read.
			continue
		}
		if f.Tool != "" && e.Tool != f.Tool {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.TraceID != "" && e.TraceID != f.TraceID {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}
