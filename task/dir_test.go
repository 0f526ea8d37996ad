package task

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubTask struct {
	mu     sync.Mutex
	state  State
	doneCh chan struct{}
	delay  time.Duration
}

func newFakeSubTask(delay time.Duration) *fakeSubTask {
	return &fakeSubTask{state: StatePending, doneCh: make(chan struct{}), delay: delay}
}

func (f *fakeSubTask) Start(ctx context.Context) error {
	f.mu.Lock()
	f.state = StateRunning
	f.mu.Unlock()
	go func() {
		time.Sleep(f.delay)
		f.mu.Lock()
		f.state = StateFinished
		f.mu.Unlock()
		close(f.doneCh)
	}()
	return nil
}

func (f *fakeSubTask) Pause()       {}
func (f *fakeSubTask) Resume()      {}
func (f *fakeSubTask) Cancel(error) {}

func (f *fakeSubTask) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Status{State: f.state}
}

func (f *fakeSubTask) Wait(ctx context.Context) error {
	select {
	case <-f.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Task = (*fakeSubTask)(nil)

// TestDirTaskNeverExceedsTaskCountMax is spec scenario S5: 20
// sub-chunks with task_count_max=3 must never run more than 3 at
// once, all 20 must finish, and the dir task reports Finished exactly
// once, only after the End sentinel has been queued.
func TestDirTaskNeverExceedsTaskCountMax(t *testing.T) {
	d := NewDirTask(3)

	var maxObserved int32
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(200 * time.Microsecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n := int32(d.RunningCount())
				for {
					cur := atomic.LoadInt32(&maxObserved)
					if n <= cur || atomic.CompareAndSwapInt32(&maxObserved, cur, n) {
						break
					}
				}
			}
		}
	}()

	const subCount = 20
	subs := make([]*fakeSubTask, subCount)
	for i := 0; i < subCount; i++ {
		delay := time.Duration(1+i%4) * time.Millisecond
		sub := newFakeSubTask(delay)
		subs[i] = sub
		_, err := d.AddSubTask(sub)
		require.NoError(t, err)
	}
	require.NoError(t, d.Finish())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Start(ctx))
	require.NoError(t, d.Wait(ctx))

	close(stop)
	wg.Wait()

	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxObserved)), 3)
	for _, sub := range subs {
		assert.Equal(t, StateFinished, sub.Status().State)
	}
	assert.Equal(t, StateFinished, d.Status().State)
}

// TestDirTaskRejectsAddAfterFinish covers the "waiting finish" guard
// from dir.rs's add_sub_task_inner.
func TestDirTaskRejectsAddAfterFinish(t *testing.T) {
	d := NewDirTask(2)
	require.NoError(t, d.Finish())
	_, err := d.AddSubTask(newFakeSubTask(time.Millisecond))
	assert.Error(t, err)
}
