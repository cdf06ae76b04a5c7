package cron

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/praxisworks/praxis/internal/storage"
)

// maxExecutions bounds the execution log file.
const maxExecutions = 1000

// Store persists tasks and the execution log as JSON files under
// <dataDir>/scheduler. Not safe for concurrent use; the scheduler serializes
// access behind its own lock.
type Store struct {
	tasksPath      string
	executionsPath string
}

// NewStore creates the scheduler state directory and returns a store over it.
func NewStore(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "scheduler")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cron: create state dir: %w", err)
	}
	return &Store{
		tasksPath:      filepath.Join(dir, "tasks.json"),
		executionsPath: filepath.Join(dir, "executions.json"),
	}, nil
}

// LoadTasks reads the persisted task list. A missing file is an empty list.
func (s *Store) LoadTasks() ([]*Task, error) {
	var tasks []*Task
	if err := storage.ReadJSON(s.tasksPath, &tasks); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cron: load tasks: %w", err)
	}
	return tasks, nil
}

// SaveTasks writes the task list atomically, ordered by creation time so the
// file diffs cleanly.
func (s *Store) SaveTasks(tasks []*Task) error {
	sorted := make([]*Task, len(tasks))
	copy(sorted, tasks)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	if err := storage.WriteJSONAtomic(s.tasksPath, sorted); err != nil {
		return fmt.Errorf("cron: save tasks: %w", err)
	}
	return nil
}

// LoadExecutions reads the execution log. A missing file is an empty log.
func (s *Store) LoadExecutions() ([]Execution, error) {
	var execs []Execution
	if err := storage.ReadJSON(s.executionsPath, &execs); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cron: load executions: %w", err)
	}
	return execs, nil
}

// SaveExecutions writes the execution log atomically, keeping only the most
// recent maxExecutions entries.
func (s *Store) SaveExecutions(execs []Execution) error {
	if len(execs) > maxExecutions {
		execs = execs[len(execs)-maxExecutions:]
	}
	if err := storage.WriteJSONAtomic(s.executionsPath, execs); err != nil {
		return fmt.Errorf("cron: save executions: %w", err)
	}
	return nil
}
