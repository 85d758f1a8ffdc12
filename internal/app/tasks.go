package app

import (
	"sync"
	"time"
)

// TaskStatus is the lifecycle state of an async init task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is the handle for one background bootstrap. Writers go through the
// progress methods; readers take consistent snapshots via [Task.Snapshot].
type Task struct {
	id string

	mu        sync.Mutex
	status    TaskStatus
	progress  float64
	message   string
	sessionID string
	result    any
	errMsg    string
	createdAt time.Time
	updatedAt time.Time
}

// TaskView is a read-only snapshot of a task for status responses.
type TaskView struct {
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	Progress  float64    `json:"progress"`
	Message   string     `json:"message"`
	SessionID string     `json:"session_id,omitempty"`
	Result    any        `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func newTask(id, sessionID string) *Task {
	now := time.Now()
	return &Task{
		id:        id,
		status:    TaskPending,
		sessionID: sessionID,
		createdAt: now,
		updatedAt: now,
	}
}

// Progress moves the task to running and records a milestone.
func (t *Task) Progress(progress float64, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = TaskRunning
	t.progress = progress
	t.message = message
	t.updatedAt = time.Now()
}

// SetSessionID records the session the task resolved to.
func (t *Task) SetSessionID(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionID = sessionID
	t.updatedAt = time.Now()
}

// Complete finishes the task successfully with a result payload.
func (t *Task) Complete(result any, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = TaskCompleted
	t.progress = 1.0
	t.message = message
	t.result = result
	t.updatedAt = time.Now()
}

// Fail finishes the task with an error.
func (t *Task) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = TaskFailed
	t.errMsg = err.Error()
	t.updatedAt = time.Now()
}

// Snapshot returns a consistent view of the task.
func (t *Task) Snapshot() TaskView {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskView{
		TaskID:    t.id,
		Status:    t.status,
		Progress:  t.progress,
		Message:   t.message,
		SessionID: t.sessionID,
		Result:    t.result,
		Error:     t.errMsg,
		CreatedAt: t.createdAt,
		UpdatedAt: t.updatedAt,
	}
}
