package jobs

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "jobs.json"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCreateGetLifecycle(t *testing.T) {
	m := newTestManager(t)

	rec := m.Create(CreateRequest{Kind: "repo_exec", TraceID: "t-1"})
	assert.NotEmpty(t, rec.JobID)
	assert.Equal(t, StatusQueued, rec.Status)

	got, err := m.Get(rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, "repo_exec", got.Kind)

	upd, err := m.Upsert(rec.JobID, Update{Status: StatusRunning})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, upd.Status)
	assert.NotNil(t, upd.StartedAt)
	assert.Nil(t, upd.EndedAt)

	upd, err = m.Upsert(rec.JobID, Update{Status: StatusSucceeded, Artifacts: []string{"artifact://runs/t-1/x"}})
	require.NoError(t, err)
	assert.NotNil(t, upd.EndedAt)
	assert.Len(t, upd.Artifacts, 1)
}

func TestUnknownStatusNormalized(t *testing.T) {
	m := newTestManager(t)

	rec := m.Create(CreateRequest{Kind: "worker"})
	upd, err := m.Upsert(rec.JobID, Update{Status: Status("exploded")})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, upd.Status, "unknown status keeps the existing one")

	// Upsert of a brand-new id with an unknown status lands on queued.
	upd, err = m.Upsert("external-123", Update{Status: Status("weird")})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, upd.Status)
}

func TestListFilterAndLimit(t *testing.T) {
	m := newTestManager(t)

	for i := 0; i < 5; i++ {
		rec := m.Create(CreateRequest{Kind: fmt.Sprintf("k%d", i)})
		if i%2 == 0 {
			_, err := m.Upsert(rec.JobID, Update{Status: StatusRunning})
			require.NoError(t, err)
		}
	}

	running := m.List(0, StatusRunning)
	assert.Len(t, running, 3)

	limited := m.List(2, "")
	assert.Len(t, limited, 2)
}

func TestForget(t *testing.T) {
	m := newTestManager(t)

	rec := m.Create(CreateRequest{Kind: "x"})
	require.NoError(t, m.Forget(rec.JobID))

	_, err := m.Get(rec.JobID)
	require.Error(t, err)
	assert.Equal(t, "JOB_NOT_FOUND", toolerr.From(err).Code)

	err = m.Forget(rec.JobID)
	assert.Equal(t, "JOB_NOT_FOUND", toolerr.From(err).Code)
}

func TestCapacityEviction(t *testing.T) {
	m := newTestManager(t)
	m.maxJobs = 3

	var first *Record
	for i := 0; i < 5; i++ {
		rec := m.Create(CreateRequest{Kind: fmt.Sprintf("k%d", i)})
		if i == 0 {
			first = rec
		}
		// CreatedAt ordering needs distinct stamps.
		time.Sleep(2 * time.Millisecond)
	}

	assert.LessOrEqual(t, len(m.List(0, "")), 3)
	_, err := m.Get(first.JobID)
	require.Error(t, err, "oldest records are evicted and do not resurface")
}

func TestTTLExpiry(t *testing.T) {
	m := newTestManager(t)
	m.ttl = 5 * time.Millisecond

	rec := m.Create(CreateRequest{Kind: "ephemeral"})
	time.Sleep(10 * time.Millisecond)

	_, err := m.Get(rec.JobID)
	require.Error(t, err)
	assert.Empty(t, m.List(0, ""))
}

func TestPersistenceAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")

	m1, err := NewManager(path)
	require.NoError(t, err)
	rec := m1.Create(CreateRequest{Kind: "durable", TraceID: "t-9"})
	_, err = m1.Upsert(rec.JobID, Update{Status: StatusRunning})
	require.NoError(t, err)
	require.NoError(t, m1.Close())

	m2, err := NewManager(path)
	require.NoError(t, err)
	defer m2.Close()
	got, err := m2.Get(rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "t-9", got.TraceID)
}

func TestCompletionHookFiresOnce(t *testing.T) {
	m := newTestManager(t)

	var seen []Status
	m.OnCompletion(func(rec Record) { seen = append(seen, rec.Status) })

	rec := m.Create(CreateRequest{Kind: "ssh_exec", Provider: "ssh"})
	_, err := m.Upsert(rec.JobID, Update{Status: StatusRunning})
	require.NoError(t, err)
	_, err = m.Upsert(rec.JobID, Update{Status: StatusFailed, Error: "exit 2"})
	require.NoError(t, err)
	_, err = m.Upsert(rec.JobID, Update{Progress: map[string]any{"note": "late"}})
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, StatusFailed, seen[0])
}
