package team

import (
	"sync"

	"github.com/google/uuid"

	"github.com/perkkite/agent-commerce/types"
)

// TaskStore holds the team's shared tasks. Tasks are only ever added
// and re-statused; nothing deletes them.
type TaskStore struct {
	mu    sync.Mutex
	tasks []types.Task
	index map[string]int
}

// NewTaskStore returns an empty store.
func NewTaskStore() *TaskStore {
	return &TaskStore{index: make(map[string]int)}
}

// Seed loads tasks carried in by the caller, keeping their ids.
// Entries without an id get one.
func (s *TaskStore) Seed(tasks []types.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.Status == "" {
			t.Status = types.TaskPending
		}
		if _, exists := s.index[t.ID]; exists {
			continue
		}
		s.index[t.ID] = len(s.tasks)
		s.tasks = append(s.tasks, t)
	}
}

// Add creates a pending task and returns it.
func (s *TaskStore) Add(title, assignTo string, priority types.TaskPriority) types.Task {
	if priority == "" {
		priority = types.PriorityMedium
	}
	t := types.Task{
		ID:         uuid.NewString(),
		Title:      title,
		Status:     types.TaskPending,
		AssignedTo: assignTo,
		Priority:   priority,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[t.ID] = len(s.tasks)
	s.tasks = append(s.tasks, t)
	return t
}

// SetStatus updates the status of every listed task id. Unknown ids
// are ignored.
func (s *TaskStore) SetStatus(ids []string, status types.TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if i, ok := s.index[id]; ok {
			s.tasks[i].Status = status
		}
	}
}

// List returns a snapshot of all tasks in creation order.
func (s *TaskStore) List() []types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Open returns tasks that are not completed or failed.
func (s *TaskStore) Open() []types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Task
	for _, t := range s.tasks {
		if t.Status == types.TaskPending || t.Status == types.TaskInProgress {
			out = append(out, t)
		}
	}
	return out
}
