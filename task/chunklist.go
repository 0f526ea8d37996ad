package task

import (
	"context"
	"sync"

	"bdt/bid"
	"bdt/channel"
	"bdt/chunkcache"
	"bdt/piece"
)

// ChunkListEntry names one chunk plus the decoder/cache pair it will
// be downloaded into, since ChunkListTask itself only orchestrates
// sessions a caller has already shaped for each chunk.
type ChunkListEntry struct {
	Chunk   bid.ChunkId
	Source  bid.DeviceId
	Cache   *chunkcache.ChunkStreamCache
	Decoder piece.ChunkDecoder
}

// ChunkListTask downloads an ordered list of chunks, computing each
// chunk's byte offset within the list so callers can report whole-list
// progress, grounded on spec §4.9's "ChunkList (ordered list with
// computed byte offsets)" task kind.
type ChunkListTask struct {
	lifecycle
	id      ID
	channel *channel.Channel
	entries []ChunkListEntry
	offsets []uint64
	total   uint64

	mu       sync.Mutex
	children []*ChunkTask
	doneN    int
}

// NewChunkListTask computes byte offsets up front from each entry's
// chunk length.
func NewChunkListTask(ch *channel.Channel, entries []ChunkListEntry) *ChunkListTask {
	offsets := make([]uint64, len(entries))
	var total uint64
	for i, e := range entries {
		offsets[i] = total
		total += e.Chunk.Length()
	}
	return &ChunkListTask{
		lifecycle: newLifecycle(),
		id:        NewID(),
		channel:   ch,
		entries:   entries,
		offsets:   offsets,
		total:     total,
	}
}

func (t *ChunkListTask) ID() ID { return t.id }

// Wait blocks until the whole list reaches a terminal state.
func (t *ChunkListTask) Wait(ctx context.Context) error { return t.wait(ctx) }

// Offset returns the byte offset of entries[i] within the whole list.
func (t *ChunkListTask) Offset(i int) uint64 { return t.offsets[i] }

func (t *ChunkListTask) Start(ctx context.Context) error {
	if err := t.begin(); err != nil {
		return err
	}
	if len(t.entries) == 0 {
		t.finish(StateFinished, nil)
		return nil
	}
	t.mu.Lock()
	t.children = make([]*ChunkTask, len(t.entries))
	t.mu.Unlock()
	for i, e := range t.entries {
		sess, err := t.channel.Download(e.Chunk, e.Source, e.Cache, e.Decoder, "", "")
		if err != nil {
			t.finish(StateFailed, err)
			return err
		}
		child := NewChunkTask(t.channel, e.Chunk, sess)
		t.mu.Lock()
		t.children[i] = child
		t.mu.Unlock()
		if err := child.Start(ctx); err != nil {
			t.finish(StateFailed, err)
			return err
		}
		go t.watch(ctx, child)
	}
	return nil
}

func (t *ChunkListTask) watch(ctx context.Context, child *ChunkTask) {
	err := child.Wait(ctx)
	t.mu.Lock()
	t.doneN++
	n := t.doneN
	total := len(t.children)
	t.mu.Unlock()
	if err != nil {
		t.finish(StateFailed, err)
		return
	}
	if n == total {
		t.finish(StateFinished, nil)
	}
}

func (t *ChunkListTask) Pause() {
	t.pause()
	t.mu.Lock()
	children := append([]*ChunkTask(nil), t.children...)
	t.mu.Unlock()
	for _, c := range children {
		if c != nil {
			c.Pause()
		}
	}
}

func (t *ChunkListTask) Resume() {
	t.resume()
	t.mu.Lock()
	children := append([]*ChunkTask(nil), t.children...)
	t.mu.Unlock()
	for _, c := range children {
		if c != nil {
			c.Resume()
		}
	}
}

func (t *ChunkListTask) Cancel(err error) {
	t.mu.Lock()
	children := append([]*ChunkTask(nil), t.children...)
	t.mu.Unlock()
	for _, c := range children {
		if c != nil {
			c.Cancel(err)
		}
	}
	t.finish(StateFailed, err)
}

func (t *ChunkListTask) Status() Status {
	state, err := t.status()
	t.mu.Lock()
	defer t.mu.Unlock()

	var bps uint32
	var downloaded uint64
	for i, c := range t.children {
		if c == nil {
			continue
		}
		s := c.Status()
		bps += s.Bps
		if s.State == StateFinished {
			downloaded += t.entries[i].Chunk.Length()
		}
	}
	var progress float64
	if t.total > 0 {
		progress = float64(downloaded) / float64(t.total)
	}
	return Status{State: state, Bps: bps, Progress: progress, Err: err}
}

var _ Task = (*ChunkListTask)(nil)
