package task

import (
	"context"

	"bdt/bid"
	"bdt/channel"
	"bdt/errs"
	"bdt/protocol"
)

// ChunkTask downloads a single chunk through one channel.Channel,
// grounded on spec §4.9's "Chunk (one chunk id)" task kind.
type ChunkTask struct {
	lifecycle
	id      ID
	chunk   bid.ChunkId
	channel *channel.Channel
	session *channel.DownloadSession
}

// NewChunkTask wraps a download session that has already been
// registered with the channel (via channel.Download), matching this
// package's split between "negotiate the session" (channel's job) and
// "drive it to completion and report progress" (this package's job).
func NewChunkTask(ch *channel.Channel, chunk bid.ChunkId, session *channel.DownloadSession) *ChunkTask {
	return &ChunkTask{
		lifecycle: newLifecycle(),
		id:        NewID(),
		chunk:     chunk,
		channel:   ch,
		session:   session,
	}
}

func (t *ChunkTask) ID() ID { return t.id }

// Wait blocks until the task reaches a terminal state, letting a Dir
// task track completion without polling Status.
func (t *ChunkTask) Wait(ctx context.Context) error { return t.wait(ctx) }

// Start sends the negotiating Interest and waits in the background for
// the session to finish, updating this task's lifecycle accordingly.
func (t *ChunkTask) Start(ctx context.Context) error {
	if err := t.begin(); err != nil {
		return err
	}
	if err := t.channel.SendInterest(&protocol.Interest{
		SessionId: t.session.SessionId(),
		ChunkHash: t.chunk.Object(),
		ChunkLen:  t.chunk.Length(),
	}); err != nil {
		t.finish(StateFailed, err)
		return err
	}
	go t.run(ctx)
	return nil
}

func (t *ChunkTask) run(ctx context.Context) {
	err := t.session.WaitFinish(ctx)
	switch {
	case err != nil:
		t.finish(StateFailed, err)
	case t.session.State() == channel.DownloadSessionCanceled:
		t.finish(StateFailed, errs.New(errs.Interrupted, "task: chunk download canceled"))
	default:
		t.finish(StateFinished, nil)
	}
}

func (t *ChunkTask) Pause()  { t.pause() }
func (t *ChunkTask) Resume() { t.resume() }

func (t *ChunkTask) Cancel(err error) {
	t.channel.CancelDownload(t.session.SessionId(), err)
	t.finish(StateFailed, err)
}

func (t *ChunkTask) Status() Status {
	state, err := t.status()
	var progress float64
	if state == StateFinished {
		progress = 1
	}
	bps, _ := t.channel.DownloadSpeed()
	return Status{State: state, Bps: bps, Progress: progress, Err: err}
}

var _ Task = (*ChunkTask)(nil)
