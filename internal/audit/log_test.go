package audit

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l := NewLog(path)
	defer l.Close()

	l.Append(Entry{Status: "ok", Tool: "mcp_state", Action: "set", TraceID: "t1", SpanID: "s1", DurationMS: 3})
	l.Append(Entry{Status: "error", Tool: "mcp_repo", Action: "exec", TraceID: "t2", SpanID: "s2", Error: "boom"})
	l.Append(Entry{Status: "ok", Tool: "mcp_repo", Action: "exec", TraceID: "t2", SpanID: "s3"})

	all, err := l.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "mcp_state", all[0].Tool, "order preserved")

	repo, err := l.Query(Filter{Tool: "mcp_repo"})
	require.NoError(t, err)
	assert.Len(t, repo, 2)

	failed, err := l.Query(Filter{Status: "error"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].Error)

	trace, err := l.Query(Filter{TraceID: "t2", Limit: 1})
	require.NoError(t, err)
	require.Len(t, trace, 1)
	assert.Equal(t, "s3", trace[0].SpanID, "limit keeps newest")
}

func TestFileModeAndFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l := NewLog(path)
	defer l.Close()

	l.Append(Entry{Status: "ok", Tool: "help", TraceID: "t", SpanID: "s"})
	l.Flush()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "{"))
}

func TestSinceFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l := NewLog(path)
	defer l.Close()

	old := time.Now().Add(-time.Hour).UTC()
	l.Append(Entry{Timestamp: old, Status: "ok", Tool: "a", TraceID: "t", SpanID: "s"})
	l.Append(Entry{Status: "ok", Tool: "b", TraceID: "t", SpanID: "s2"})

	recent, err := l.Query(Filter{Since: time.Now().Add(-time.Minute)})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "b", recent[0].Tool)
}

func TestConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l := NewLog(path)
	defer l.Close()

	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(g int) {
			for i := 0; i < 50; i++ {
				l.Append(Entry{Status: "ok", Tool: "t", TraceID: "t", SpanID: "s"})
			}
			done <- struct{}{}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}

	all, err := l.Query(Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 400)
}

func TestAppendRacingCloseDoesNotPanic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l := NewLog(path)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				l.Append(Entry{Status: "ok", Tool: "t", TraceID: "t", SpanID: "s"})
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Flush()
		l.Close()
	}()
	wg.Wait()

	// Appends after close are dropped, not panics.
	l.Append(Entry{Status: "ok", Tool: "late", TraceID: "t", SpanID: "s"})
	l.Flush()
	l.Close()
}
