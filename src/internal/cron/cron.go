package cron

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bioact-main/src/internal/workspace"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// DefaultJanitorSpec runs the workspace sweep every ten minutes.
const DefaultJanitorSpec = "0 */10 * * * *"

// CronManager runs housekeeping jobs for the service.
type CronManager struct {
	c    *cron.Cron
	jobs map[string]cron.EntryID
	mu   sync.RWMutex
}

func NewCronManager() *CronManager {
	return &CronManager{
		c:    cron.New(cron.WithSeconds()),
		jobs: make(map[string]cron.EntryID),
	}
}

func (m *CronManager) Start() {
	m.c.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (m *CronManager) Stop() {
	<-m.c.Stop().Done()
}

// AddJob schedules f under spec and returns the job id.
func (m *CronManager) AddJob(name, spec string, f func()) (string, error) {
	id := name + "-" + uuid.New().String()[:8]
	entryID, err := m.c.AddFunc(spec, f)
	if err != nil {
		return "", fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	m.mu.Lock()
	m.jobs[id] = entryID
	m.mu.Unlock()
	return id, nil
}

func (m *CronManager) RemoveJob(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entryID, ok := m.jobs[id]; ok {
		m.c.Remove(entryID)
		delete(m.jobs, id)
	}
}

func (m *CronManager) Jobs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

// AddWorkspaceJanitor schedules a sweep of stale engine workspaces under root.
func (m *CronManager) AddWorkspaceJanitor(spec, root string, maxAge time.Duration) (string, error) {
	if spec == "" {
		spec = DefaultJanitorSpec
	}
	return m.AddJob("janitor", spec, func() {
		SweepWorkspaces(root, maxAge)
	})
}

func SweepWorkspaces(root string, maxAge time.Duration) int {
	n, err := workspace.Sweep(root, maxAge, time.Now())
	if err != nil {
		slog.Error("workspace sweep failed", "root", root, "error", err)
		return 0
	}
	if n > 0 {
		slog.Info("swept stale workspaces", "root", root, "removed", n)
	}
	return n
}
