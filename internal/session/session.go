// Package session manages per-job scratch directories: registration,
// activity tracking, protected files, delayed cleanup and the periodic
// eviction policies.
package session

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/voxflow/voxflow-go/internal/errors"
	"github.com/voxflow/voxflow-go/internal/logging"
)

// Config controls the manager's cleanup policies.
type Config struct {
	Root              string        // temp root, one subdirectory per session
	SweepInterval     time.Duration // background loop period
	IdleTimeout       time.Duration // idle-session eviction threshold
	StaleAge          time.Duration // stale-file sweep threshold
	MinFreeBytes      uint64        // free-space floor before emergency cleanup
	EmergencyStaleAge time.Duration // stale threshold during emergency
	EmergencyIdle     time.Duration // idle threshold during emergency
}

// applyDefaults fills zero values with the service defaults.
func (c *Config) applyDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.StaleAge <= 0 {
		c.StaleAge = 24 * time.Hour
	}
	if c.MinFreeBytes == 0 {
		c.MinFreeBytes = 1024 * 1024 * 1024
	}
	if c.EmergencyStaleAge <= 0 {
		c.EmergencyStaleAge = time.Hour
	}
	if c.EmergencyIdle <= 0 {
		c.EmergencyIdle = 5 * time.Minute
	}
}

type sessionState struct {
	id           string
	dir          string
	lastActivity time.Time
	active       bool
	protected    map[string]bool
	cleanupTimer *time.Timer
}

// Stats summarizes the manager's current state.
type Stats struct {
	ActiveSessions    int    `json:"active_sessions"`
	TrackedSessions   int    `json:"tracked_sessions"`
	ScheduledCleanups int    `json:"scheduled_cleanups"`
	TempBytes         int64  `json:"temp_bytes"`
	Root              string `json:"root"`
}

// Manager owns the temp directory tree.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// diskFree is swappable for tests.
	diskFree func(path string) (uint64, error)
}

// NewManager creates a manager rooted at cfg.Root.
func NewManager(cfg Config) (*Manager, error) {
	cfg.applyDefaults()
	if cfg.Root == "" {
		return nil, errors.NewStd("temp root is empty")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, errors.New(err).Category(errors.CategorySession).Build()
	}

	logger := logging.ForService("session")
	if logger == nil {
		logger = slog.Default().With("service", "session")
	}

	return &Manager{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*sessionState),
		diskFree: func(path string) (uint64, error) {
			usage, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return usage.Free, nil
		},
	}, nil
}

// Register creates the session's scratch directory and marks it active.
func (m *Manager) Register(id string) (string, error) {
	dir := filepath.Join(m.cfg.Root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.New(err).
			Category(errors.CategorySession).
			Context("session_id", id).
			Build()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = &sessionState{
		id:           id,
		dir:          dir,
		lastActivity: time.Now(),
		active:       true,
		protected:    make(map[string]bool),
	}
	return dir, nil
}

// Dir returns the session's scratch directory.
func (m *Manager) Dir(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return "", false
	}
	return s.dir, true
}

// Touch records activity on a session.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.lastActivity = time.Now()
	}
}

// Protect marks a file as owned by the session so emergency cleanup
// leaves it alone.
func (m *Manager) Protect(id, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.protected[path] = true
	}
}

// MarkInactive flags a session as no longer processing. Inactive
// sessions can be cleaned without force.
func (m *Manager) MarkInactive(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.active = false
		s.lastActivity = time.Now()
	}
}

// CleanupSession removes the session's directory contents and forgets
// the session. An active session is refused unless force is set.
func (m *Manager) CleanupSession(id string, force bool) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok && s.active && !force {
		m.mu.Unlock()
		return errors.Newf("session %s is active, refusing cleanup", id).
			Category(errors.CategorySession).
			Build()
	}
	dir := filepath.Join(m.cfg.Root, id)
	if ok {
		if s.cleanupTimer != nil {
			s.cleanupTimer.Stop()
		}
		dir = s.dir
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if err := os.RemoveAll(dir); err != nil {
		return errors.New(err).
			Category(errors.CategorySession).
			Context("session_id", id).
			Build()
	}

	m.logger.Debug("session cleaned", "session_id", id, "forced", force)
	return nil
}

// ScheduleDelayedCleanup arranges a forced cleanup after delay,
// replacing any previously scheduled task for the session.
func (m *Manager) ScheduleDelayedCleanup(id string, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return
	}
	if s.cleanupTimer != nil {
		s.cleanupTimer.Stop()
	}
	s.cleanupTimer = time.AfterFunc(delay, func() {
		if err := m.CleanupSession(id, true); err != nil {
			m.logger.Warn("delayed cleanup failed", "session_id", id, "error", err)
		}
	})
}

// Stats reports the manager's current state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	stats := Stats{
		TrackedSessions: len(m.sessions),
		Root:            m.cfg.Root,
	}
	for _, s := range m.sessions {
		if s.active {
			stats.ActiveSessions++
		}
		if s.cleanupTimer != nil {
			stats.ScheduledCleanups++
		}
	}
	m.mu.Unlock()

	stats.TempBytes = dirSize(m.cfg.Root)
	return stats
}

// Start launches the periodic cleanup loop.
func (m *Manager) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// Stop terminates the cleanup loop and cancels scheduled cleanups.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.cleanupTimer != nil {
			s.cleanupTimer.Stop()
		}
	}
	m.mu.Unlock()
}

// sweep runs the three periodic policies: idle eviction, stale-file
// sweep, and the low-disk emergency path.
func (m *Manager) sweep() {
	m.evictIdle(m.cfg.IdleTimeout)
	m.sweepStale(m.cfg.StaleAge)

	free, err := m.diskFree(m.cfg.Root)
	if err != nil {
		m.logger.Warn("disk usage check failed", "error", err)
		return
	}
	if free < m.cfg.MinFreeBytes {
		m.logger.Warn("low disk space, running emergency cleanup",
			"free_bytes", free, "min_free_bytes", m.cfg.MinFreeBytes)
		m.emergencyCleanup()
	}
}

// evictIdle cleans sessions without activity for longer than idleFor.
func (m *Manager) evictIdle(idleFor time.Duration) {
	cutoff := time.Now().Add(-idleFor)

	m.mu.Lock()
	var idle []string
	for id, s := range m.sessions {
		if s.lastActivity.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.logger.Info("evicting idle session", "session_id", id)
		if err := m.CleanupSession(id, true); err != nil {
			m.logger.Warn("idle eviction failed", "session_id", id, "error", err)
		}
	}
}

// sweepStale removes entries under the temp root older than maxAge that
// do not belong to a tracked session.
func (m *Manager) sweepStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	entries, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		return
	}

	m.mu.Lock()
	tracked := make(map[string]bool, len(m.sessions))
	for id := range m.sessions {
		tracked[id] = true
	}
	m.mu.Unlock()

	for _, entry := range entries {
		if tracked[entry.Name()] {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(m.cfg.Root, entry.Name())
		m.logger.Info("removing stale temp entry", "path", path)
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("stale sweep failed", "path", path, "error", err)
		}
	}
}

// emergencyCleanup frees space aggressively: short stale sweep, short
// idle eviction, then best-effort deletion of unprotected leaf files.
func (m *Manager) emergencyCleanup() {
	m.sweepStale(m.cfg.EmergencyStaleAge)
	m.evictIdle(m.cfg.EmergencyIdle)

	m.mu.Lock()
	protected := make(map[string]bool)
	for _, s := range m.sessions {
		for p := range s.protected {
			protected[p] = true
		}
	}
	m.mu.Unlock()

	_ = filepath.Walk(m.cfg.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || protected[path] {
			return nil
		}
		if err := os.Remove(path); err != nil {
			m.logger.Debug("emergency delete failed", "path", path, "error", err)
		}
		return nil
	})
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
