package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Task kinds processed by the background worker.
const (
	TaskCampaignDelivery    = "campaign_delivery"
	TaskRecomputeEmail      = "recompute_email"
	TaskRecomputeLink       = "recompute_link"
	TaskRecomputeSubscriber = "recompute_subscriber"
	TaskRecomputeCampaign   = "recompute_campaign"
	TaskRecomputeList       = "recompute_list"
	TaskRunImport           = "run_import"
	TaskSendFormEmail       = "send_form_email"
)

// ErrEmpty is returned by Claim when no task is ready.
var ErrEmpty = errors.New("queue: empty")

// Task is one unit of background work.
type Task struct {
	ID       int64           `json:"id" db:"id"`
	Kind     string          `json:"kind" db:"kind"`
	Payload  json.RawMessage `json:"payload" db:"payload"`
	Attempts int             `json:"attempts" db:"attempts"`
	RunAt    time.Time       `json:"run_at" db:"run_at"`
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v interface{}) error {
	return json.Unmarshal(t.Payload, v)
}

// Queue accepts work for the background pool. Implementations must be
// safe for concurrent use.
type Queue interface {
	Enqueue(ctx context.Context, kind string, payload interface{}) error
}

// Consumer is the worker-side contract: claim one ready task, then
// acknowledge or fail it. A failed task is retried until the retry
// budget runs out.
type Consumer interface {
	Claim(ctx context.Context) (*Task, error)
	Done(ctx context.Context, task *Task) error
	Fail(ctx context.Context, task *Task, reason string) error
}

// MemoryQueue is the in-process implementation used by tests and by
// single-binary development setups. Tasks never survive a restart.
type MemoryQueue struct {
	mu     sync.Mutex
	tasks  []*Task
	nextID int64
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Enqueue appends a task.
func (q *MemoryQueue) Enqueue(ctx context.Context, kind string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.tasks = append(q.tasks, &Task{
		ID:      q.nextID,
		Kind:    kind,
		Payload: data,
		RunAt:   time.Now().UTC(),
	})
	return nil
}

// Claim pops the oldest ready task or returns ErrEmpty.
func (q *MemoryQueue) Claim(ctx context.Context) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, ErrEmpty
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task, nil
}

// Done acknowledges a task. Claimed memory tasks are already gone.
func (q *MemoryQueue) Done(ctx context.Context, task *Task) error { return nil }

// Fail re-queues the task for another attempt.
func (q *MemoryQueue) Fail(ctx context.Context, task *Task, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	task.Attempts++
	q.tasks = append(q.tasks, task)
	return nil
}

// Len reports the number of pending tasks; used by tests.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
