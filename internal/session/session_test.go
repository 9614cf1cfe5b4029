package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{Root: t.TempDir()})
	require.NoError(t, err)
	return m
}

func writeSessionFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	return path
}

func TestRegisterCreatesDirectory(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	dir, err := m.Register("job-1")
	require.NoError(t, err)
	assert.DirExists(t, dir)

	got, ok := m.Dir("job-1")
	assert.True(t, ok)
	assert.Equal(t, dir, got)
}

func TestForcedCleanupRemovesEverything(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	dir, err := m.Register("job-2")
	require.NoError(t, err)

	writeSessionFile(t, dir, "original.wav")
	sub := filepath.Join(dir, "chunks")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	writeSessionFile(t, sub, "chunk_0000.wav")

	require.NoError(t, m.CleanupSession("job-2", true))

	assert.NoDirExists(t, dir)
	_, ok := m.Dir("job-2")
	assert.False(t, ok)
}

func TestCleanupRefusesActiveSession(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	dir, err := m.Register("job-3")
	require.NoError(t, err)
	writeSessionFile(t, dir, "original.wav")

	err = m.CleanupSession("job-3", false)
	require.Error(t, err)
	assert.DirExists(t, dir)

	// Once the session is no longer processing, no force is needed.
	m.MarkInactive("job-3")
	require.NoError(t, m.CleanupSession("job-3", false))
	assert.NoDirExists(t, dir)
}

func TestCleanupUnknownSessionIsNoop(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	assert.NoError(t, m.CleanupSession("never-registered", false))
}

func TestScheduleDelayedCleanupReplacesPrior(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	dir, err := m.Register("job-4")
	require.NoError(t, err)

	// A long-delay task replaced by a short one should fire once, soon.
	m.ScheduleDelayedCleanup("job-4", time.Hour)
	m.ScheduleDelayedCleanup("job-4", 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := os.Stat(dir)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEvictIdleSessions(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	dir, err := m.Register("job-5")
	require.NoError(t, err)
	_, err = m.Register("job-6")
	require.NoError(t, err)

	m.mu.Lock()
	m.sessions["job-5"].lastActivity = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	m.evictIdle(30 * time.Minute)

	assert.NoDirExists(t, dir)
	_, ok := m.Dir("job-6")
	assert.True(t, ok, "recently active session survives")
}

func TestTouchPreventsEviction(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	dir, err := m.Register("job-7")
	require.NoError(t, err)

	m.mu.Lock()
	m.sessions["job-7"].lastActivity = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	m.Touch("job-7")
	m.evictIdle(30 * time.Minute)
	assert.DirExists(t, dir)
}

func TestSweepStaleUntrackedEntries(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)

	// An orphaned directory from a previous run.
	orphan := filepath.Join(m.cfg.Root, "orphan")
	require.NoError(t, os.MkdirAll(orphan, 0o755))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	// A tracked session of the same age must survive.
	dir, err := m.Register("job-8")
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(dir, old, old))

	m.sweepStale(24 * time.Hour)

	assert.NoDirExists(t, orphan)
	assert.DirExists(t, dir)
}

func TestEmergencyCleanupSparesProtectedFiles(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	m.diskFree = func(string) (uint64, error) { return 0, nil }

	dir, err := m.Register("job-9")
	require.NoError(t, err)

	keep := writeSessionFile(t, dir, "original.wav")
	lose := writeSessionFile(t, dir, "scratch.tmp")
	m.Protect("job-9", keep)

	m.sweep()

	assert.FileExists(t, keep)
	assert.NoFileExists(t, lose)
}

func TestSweepSkipsEmergencyWhenSpaceIsFine(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	m.diskFree = func(string) (uint64, error) { return 10 << 30, nil }

	dir, err := m.Register("job-10")
	require.NoError(t, err)
	path := writeSessionFile(t, dir, "scratch.tmp")

	m.sweep()
	assert.FileExists(t, path)
}

func TestStats(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	dir, err := m.Register("job-11")
	require.NoError(t, err)
	writeSessionFile(t, dir, "original.wav")
	m.ScheduleDelayedCleanup("job-11", time.Hour)

	_, err = m.Register("job-12")
	require.NoError(t, err)
	m.MarkInactive("job-12")

	stats := m.Stats()
	assert.Equal(t, 2, stats.TrackedSessions)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 1, stats.ScheduledCleanups)
	assert.Equal(t, int64(4), stats.TempBytes)

	m.Stop()
}
