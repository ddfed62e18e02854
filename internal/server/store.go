package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mmr-tortoise/matrixci/internal/model"
)

// Store tracks runs submitted to the server. Run records live in
// memory behind a mutex; job logs are written to files under LogDir
// when a run finishes.
type Store struct {
	mu     sync.RWMutex
	runs   map[string]*model.RunResult
	order  []string
	nextID int

	// LogDir is where job log files are persisted. Created on first
	// write.
	LogDir string
}

// NewStore creates a Store persisting job logs under logDir.
func NewStore(logDir string) *Store {
	return &Store{
		runs:   make(map[string]*model.RunResult),
		LogDir: logDir,
	}
}

// NextRunID hands out sequential run identifiers for submitted
// pipelines.
func (s *Store) NextRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return fmt.Sprintf("run-%d", s.nextID)
}

// Put records a run, replacing any earlier record with the same ID.
// Submission inserts a pending record; completion replaces it with the
// final result.
func (s *Store) Put(res *model.RunResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[res.ID]; !exists {
		s.order = append(s.order, res.ID)
	}
	s.runs[res.ID] = res
}

// SetJobStatus updates one job's status on a stored run. The record is
// replaced rather than mutated in place, so readers holding the
// previous pointer never observe a concurrent write.
func (s *Store) SetJobStatus(runID, jobName string, status model.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.runs[runID]
	if !ok {
		return
	}
	clone := *res
	clone.Jobs = append([]model.JobResult(nil), res.Jobs...)
	for i := range clone.Jobs {
		if clone.Jobs[i].Job.Name == jobName {
			clone.Jobs[i].Status = status
			break
		}
	}
	s.runs[runID] = &clone
}

// Get returns the run with the given ID.
func (s *Store) Get(id string) (*model.RunResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.runs[id]
	return res, ok
}

// List returns all runs in submission order.
func (s *Store) List() []*model.RunResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.RunResult, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.runs[id])
	}
	return out
}

// SaveJobLogs writes each job's combined output to a log file named
// after the run and the job. Called once per run, after it finishes.
func (s *Store) SaveJobLogs(res *model.RunResult) error {
	if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	for i := range res.Jobs {
		jr := &res.Jobs[i]
		path := s.jobLogPath(res.ID, jr.Job.Name)
		if err := os.WriteFile(path, []byte(jr.CombinedOutput()), 0o644); err != nil {
			return fmt.Errorf("failed to write log for job %q: %w", jr.Job.Name, err)
		}
	}
	return nil
}

// ReadJobLog returns the persisted log for one job of a run.
func (s *Store) ReadJobLog(runID, jobName string) ([]byte, error) {
	return os.ReadFile(s.jobLogPath(runID, jobName))
}

func (s *Store) jobLogPath(runID, jobName string) string {
	return filepath.Join(s.LogDir, sanitizeName(runID)+"_"+sanitizeName(jobName)+".log")
}

// sanitizeName folds a run or job name into a filesystem-safe token.
// Job names contain "/", "=" and "+", none of which belong in a
// filename.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "job"
	}
	return b.String()
}
