// Package tasks converts long computations into a poll/result protocol:
// each controller owns an Engine whose tasks are keyed by UUID, report
// monotonic progress, expire after an hour, and deduplicate against a
// fingerprint cache of recent submissions.
package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// Task lifecycle errors, mapped by the HTTP layer.
var (
	ErrMissing    = errors.New("task missing")
	ErrUnfinished = errors.New("task unfinished")
	ErrUncaught   = errors.New("task failed")
)

const (
	// TaskTTL is the task lifetime from creation.
	TaskTTL = time.Hour

	// dedup cache bounds.
	dedupSize = 100
	dedupTTL  = time.Hour
)

// Task is one background job. Its worker mutates progress; the engine owns
// expiry and error capture.
type Task struct {
	ID         string
	ExpireTime time.Time

	mu       sync.Mutex
	progress float64
	finished bool
	result   any
	err      error
}

// SetProgress raises the task's progress. Progress is monotonic: attempts
// to lower it are ignored, and values clamp to [0,1].
func (t *Task) SetProgress(p float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p > 1 {
		p = 1
	}
	if p > t.progress {
		t.progress = p
	}
}

// Progress reports the current progress. Error-state tasks report 1.
func (t *Task) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return 1
	}
	return t.progress
}

// Finished reports whether the worker has terminated, in success or error.
func (t *Task) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// Result returns the stored result. Error-state tasks yield a nil result
// and the captured error.
func (t *Task) Result() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	return t.result, nil
}

// Err returns the captured terminal error, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) finish(result any, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = true
	t.progress = 1
	t.result = result
	t.err = err
}

// Worker is the body of a task. It reports progress through the task and
// returns the final result or an error.
type Worker func(ctx context.Context, t *Task) (any, error)

// Engine is a per-controller task registry. Engines with distinct names
// have disjoint id namespaces.
type Engine struct {
	name  string
	mu    sync.Mutex
	tasks map[string]*Task
	dedup *expirable.LRU[string, string]
	log   *logrus.Entry
}

// NewEngine builds a task engine for one controller.
func NewEngine(name string, log *logrus.Entry) *Engine {
	return &Engine{
		name:  name,
		tasks: make(map[string]*Task),
		dedup: expirable.NewLRU[string, string](dedupSize, nil, dedupTTL),
		log:   log.WithFields(logrus.Fields{"component": "tasks", "controller": name}),
	}
}

// Name returns the controller namespace this engine serves.
func (e *Engine) Name() string { return e.name }

// Run allocates a task and invokes the worker in the background. Any
// uncaught failure, panics included, lands as the task's terminal error
// state instead of taking the process down.
func (e *Engine) Run(ctx context.Context, worker Worker) *Task {
	task := &Task{
		ID:         uuid.NewString(),
		ExpireTime: time.Now().Add(TaskTTL),
	}
	e.mu.Lock()
	e.tasks[task.ID] = task
	e.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.WithField("task", task.ID).Errorf("worker panic: %v", r)
				task.finish(nil, fmt.Errorf("%w: %v", ErrUncaught, r))
			}
		}()
		result, err := worker(ctx, task)
		if err != nil {
			e.log.WithField("task", task.ID).WithError(err).Error("worker failed")
			task.finish(nil, fmt.Errorf("%w: %v", ErrUncaught, err))
			return
		}
		task.finish(result, nil)
	}()
	return task
}

// Get returns the task with the given id, or nil.
func (e *Engine) Get(id string) *Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks[id]
}

// Exists reports whether a task id is registered.
func (e *Engine) Exists(id string) bool { return e.Get(id) != nil }

// Expired reports whether the task's lifetime has passed. Unknown tasks
// count as expired.
func (e *Engine) Expired(id string) bool {
	t := e.Get(id)
	return t == nil || time.Now().After(t.ExpireTime)
}

// Sweep removes every expired task and every task that terminated in error.
func (e *Engine) Sweep() int {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, t := range e.tasks {
		if now.After(t.ExpireTime) || t.Err() != nil {
			delete(e.tasks, id)
			n++
		}
	}
	if n > 0 {
		e.log.WithField("swept", n).Debug("tasks swept")
	}
	return n
}

// SweepOne evicts a single task. With checksOnly the task is only evicted
// once expired.
func (e *Engine) SweepOne(id string, checksOnly bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return
	}
	if checksOnly && time.Now().Before(t.ExpireTime) {
		return
	}
	delete(e.tasks, id)
}

// Fingerprint produces the stable JSON digest of job options used for
// request deduplication: identical options yield identical fingerprints
// regardless of field ordering.
func Fingerprint(opts any) (string, error) {
	raw, err := json.Marshal(opts)
	if err != nil {
		return "", err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(sortKeys(decoded))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// sortKeys normalizes nested maps so json.Marshal emits sorted keys at
// every level. encoding/json already sorts map keys; this just forces every
// object into a map.
func sortKeys(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(vv))
		for _, k := range keys {
			out[k] = sortKeys(vv[k])
		}
		return out
	case []any:
		for i := range vv {
			vv[i] = sortKeys(vv[i])
		}
		return vv
	default:
		return v
	}
}

// Dedup looks up a recent task for the same fingerprint. A hit is only
// returned while the task is still registered and unexpired; stale entries
// are dropped.
func (e *Engine) Dedup(fingerprint string) (*Task, bool) {
	id, ok := e.dedup.Get(fingerprint)
	if !ok {
		return nil, false
	}
	t := e.Get(id)
	if t == nil || time.Now().After(t.ExpireTime) {
		e.dedup.Remove(fingerprint)
		return nil, false
	}
	return t, true
}

// Remember associates a fingerprint with a freshly spawned task.
func (e *Engine) Remember(fingerprint string, t *Task) {
	e.dedup.Add(fingerprint, t.ID)
}

// Janitor sweeps the engine periodically until ctx is done.
func (e *Engine) Janitor(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}
