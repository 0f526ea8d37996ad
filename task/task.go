// Package task implements the chunk download task scheduler of spec
// §4.9 (C10): Chunk, ChunkList, and Dir tasks sharing one Task
// interface, reporting {Pending, Running, Finished, Failed}.
//
// Grounded on original_source's ndn/task/dir.rs for the Dir task's
// bounded sub-task queue and sub-writer pattern; Chunk and ChunkList
// tasks are this package's thinner wrap of a channel.DownloadSession,
// since the original's equivalents live in sibling files not retrieved
// into the pack (dir.rs is the only ndn/task source present).
package task

import (
	"context"
	"sync"

	"github.com/rs/xid"

	"bdt/errs"
)

// State mirrors the {Pending, Running, Finished, Failed} lifecycle of
// spec §4.9.
type State int

const (
	StatePending State = iota
	StateRunning
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return "failed"
	}
}

// Status is what Task.Status reports: the lifecycle state plus a
// speed/progress pair.
type Status struct {
	State    State
	Bps      uint32  // bytes/second, meaningful only while Running
	Progress float64 // 0..1; a finished ChunkTask reports 1
	Err      error   // meaningful only when Failed
}

// Task is the common surface of Chunk, ChunkList, and Dir tasks.
type Task interface {
	Start(ctx context.Context) error
	Pause()
	Resume()
	Cancel(err error)
	Status() Status
}

// ID is a unique sub-task identifier, grounded on dir.rs's IncreaseId
// (there "because a path may be downloaded more than once" the task
// needs an identity independent of the object id it downloads) and
// implemented with rs/xid, which the pack's teacher repo does not use
// anywhere else but was specifically retrieved for this concern.
type ID string

// NewID mints a fresh sub-task id.
func NewID() ID { return ID(xid.New().String()) }

// lifecycle is the shared Pending/Running/Finished/Failed state machine
// every task kind in this package embeds, so Start/Pause/Resume/Cancel/
// Status need writing once.
type lifecycle struct {
	mu       sync.Mutex
	state    State
	err      error
	paused   bool
	doneCh   chan struct{}
	doneOnce sync.Once
}

func newLifecycle() lifecycle {
	return lifecycle{state: StatePending, doneCh: make(chan struct{})}
}

func (l *lifecycle) begin() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StatePending {
		return errs.New(errs.ErrorState, "task: already started")
	}
	l.state = StateRunning
	return nil
}

func (l *lifecycle) pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
}

func (l *lifecycle) resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = false
}

func (l *lifecycle) isPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

func (l *lifecycle) finish(state State, err error) {
	l.mu.Lock()
	if l.state == StateFinished || l.state == StateFailed {
		l.mu.Unlock()
		return
	}
	l.state = state
	l.err = err
	l.mu.Unlock()
	l.doneOnce.Do(func() { close(l.doneCh) })
}

func (l *lifecycle) status() (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.err
}

func (l *lifecycle) wait(ctx context.Context) error {
	select {
	case <-l.doneCh:
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.Interrupted, "task: wait aborted", ctx.Err())
	}
}
