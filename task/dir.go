package task

import (
	"context"
	"sync"
	"time"

	"bdt/errs"
)

// DefaultTaskCountMax is task_count_max's default, per dir.rs's
// TASK_COUNT_MAX_DEFAULT.
const DefaultTaskCountMax = 5

// subEntry is either a real sub-task waiting for a free slot, or the
// End sentinel dir.rs enqueues once the caller is done adding paths.
type subEntry struct {
	id    ID
	task  Task
	isEnd bool
}

// DirTask drives a bounded number of sub-tasks (Chunk, ChunkList, or
// nested Dir) concurrently, grounded on dir.rs's DirTask: a FIFO of
// not-yet-started sub tasks, at most task_count_max running at once,
// and a terminal End sentinel appended once the caller has added every
// path it intends to. The dir task reports Finished only after every
// real sub-task plus the End marker has been seen.
type DirTask struct {
	lifecycle
	id       ID
	maxCount int

	mu      sync.Mutex
	pending []subEntry
	running map[ID]Task
	endSeen bool
	anyFail error
	ctx     context.Context
}

func NewDirTask(maxCount int) *DirTask {
	if maxCount <= 0 {
		maxCount = DefaultTaskCountMax
	}
	return &DirTask{
		lifecycle: newLifecycle(),
		id:        NewID(),
		maxCount:  maxCount,
		running:   make(map[ID]Task),
		ctx:       context.Background(),
	}
}

func (d *DirTask) ID() ID { return d.id }

// Wait blocks until the dir task (and every sub-task plus the End
// sentinel) reaches a terminal state.
func (d *DirTask) Wait(ctx context.Context) error { return d.wait(ctx) }

// AddSubTask enqueues a sub-task that will start once a running slot
// frees up. It is an error to add more work after Finish.
func (d *DirTask) AddSubTask(t Task) (ID, error) {
	id := NewID()
	d.mu.Lock()
	if d.endHasBeenQueuedLocked() {
		d.mu.Unlock()
		return "", errs.New(errs.ErrorState, "task: dir is waiting finish")
	}
	d.pending = append(d.pending, subEntry{id: id, task: t})
	d.mu.Unlock()
	return id, nil
}

// Finish marks that every path the caller intends to add has been
// added; the dir task reaches StateFinished once all of them, plus
// this sentinel, have completed.
func (d *DirTask) Finish() error {
	d.mu.Lock()
	if d.endHasBeenQueuedLocked() {
		d.mu.Unlock()
		return errs.New(errs.ErrorState, "task: dir already finishing")
	}
	d.pending = append(d.pending, subEntry{isEnd: true})
	d.mu.Unlock()
	return nil
}

func (d *DirTask) endHasBeenQueuedLocked() bool {
	for _, e := range d.pending {
		if e.isEnd {
			return true
		}
	}
	return d.endSeen
}

// Start begins scheduling: it fills running slots up to maxCount and
// returns immediately; scheduling continues in the background as
// sub-tasks finish and free up slots.
func (d *DirTask) Start(ctx context.Context) error {
	if err := d.begin(); err != nil {
		return err
	}
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()
	d.schedule(ctx)
	return nil
}

// schedule pulls queued sub-tasks into running slots while capacity
// allows, and notices when the End sentinel has been reached with
// nothing left running.
func (d *DirTask) schedule(ctx context.Context) {
	for {
		d.mu.Lock()
		if len(d.running) >= d.maxCount || len(d.pending) == 0 {
			empty := len(d.running) == 0 && len(d.pending) == 0 && d.endSeen
			d.mu.Unlock()
			if empty {
				d.finish(StateFinished, nil)
			}
			return
		}
		next := d.pending[0]
		d.pending = d.pending[1:]
		if next.isEnd {
			d.endSeen = true
			d.mu.Unlock()
			continue
		}
		d.running[next.id] = next.task
		d.mu.Unlock()

		if err := next.task.Start(ctx); err != nil {
			d.onSubTaskFinish(next.id, err)
			continue
		}
		go d.watch(ctx, next.id, next.task)
	}
}

func (d *DirTask) watch(ctx context.Context, id ID, t Task) {
	var err error
	if w, ok := t.(interface{ Wait(context.Context) error }); ok {
		err = w.Wait(ctx)
	} else {
		err = pollUntilDone(ctx, t)
	}
	d.onSubTaskFinish(id, err)
}

// onSubTaskFinish removes id from the running set, records the first
// error seen, and resumes scheduling; a fanWriter calls this directly
// when a sub-task's writer completion fires before the task's own
// Wait/poll loop notices, matching dir.rs's meta_writer finish hook.
func (d *DirTask) onSubTaskFinish(id ID, err error) {
	d.mu.Lock()
	if _, ok := d.running[id]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.running, id)
	if err != nil && d.anyFail == nil {
		d.anyFail = err
	}
	ctx := d.ctx
	d.mu.Unlock()
	d.schedule(ctx)
}

func pollUntilDone(ctx context.Context, t Task) error {
	for {
		s := t.Status()
		if s.State == StateFinished {
			return nil
		}
		if s.State == StateFailed {
			return s.Err
		}
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.Interrupted, "task: poll aborted", ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
}

func (d *DirTask) Pause() {
	d.pause()
	d.mu.Lock()
	running := make([]Task, 0, len(d.running))
	for _, t := range d.running {
		running = append(running, t)
	}
	d.mu.Unlock()
	for _, t := range running {
		t.Pause()
	}
}

func (d *DirTask) Resume() {
	d.resume()
	d.mu.Lock()
	running := make([]Task, 0, len(d.running))
	for _, t := range d.running {
		running = append(running, t)
	}
	d.mu.Unlock()
	for _, t := range running {
		t.Resume()
	}
}

func (d *DirTask) Cancel(err error) {
	d.mu.Lock()
	running := make([]Task, 0, len(d.running))
	for _, t := range d.running {
		running = append(running, t)
	}
	d.pending = nil
	d.mu.Unlock()
	for _, t := range running {
		t.Cancel(err)
	}
	d.finish(StateFailed, err)
}

// RunningCount reports how many sub-tasks are active right now, used
// by tests to assert the task_count_max bound holds at every instant.
func (d *DirTask) RunningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

func (d *DirTask) Status() Status {
	state, err := d.status()
	if err == nil {
		d.mu.Lock()
		err = d.anyFail
		d.mu.Unlock()
	}
	return Status{State: state, Err: err}
}

var _ Task = (*DirTask)(nil)
