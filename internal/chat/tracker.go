package chat

import (
	"maps"
	"sync"
)

// Tracker remembers which chat created which task. It is in memory only, so
// a restart forgets pending completion notices.
type Tracker struct {
	mu    sync.Mutex
	tasks map[string]int64
}

func NewTracker() *Tracker {
	return &Tracker{tasks: map[string]int64{}}
}

func (t *Tracker) Track(taskID string, chatID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[taskID] = chatID
}

func (t *Tracker) Untrack(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, taskID)
}

func (t *Tracker) Snapshot() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.tasks)
}
