package task

import (
	"bdt/bid"
	"bdt/errs"
)

// ChunkWriter is where a task's reassembled bytes ultimately land,
// grounded on dir.rs's ChunkWriter trait (write/redirect/finish/err).
// The channel/chunkcache layers already write chunk bytes straight to
// their backing io.WriterAt as pieces arrive; ChunkWriter exists one
// level up, so a Dir task can fan the *completion* of each chunk out
// to more than one caller-supplied sink (e.g. write-to-disk plus a
// progress callback) without the lower layers knowing about that.
type ChunkWriter interface {
	Write(chunk bid.ChunkId, content []byte) error
	Redirect(redirect bid.DeviceId) error
	Finish() error
	Err(code errs.Code) error
}

// fanWriter broadcasts to every inner writer, grounded on dir.rs's
// meta_writer's MetaWriterImpl, and notifies a DirTask when the sub
// task it was handed to finishes or errors.
type fanWriter struct {
	dir     *DirTask
	id      ID
	writers []ChunkWriter
}

func newFanWriter(dir *DirTask, id ID, writers []ChunkWriter) *fanWriter {
	return &fanWriter{dir: dir, id: id, writers: writers}
}

func (w *fanWriter) Write(chunk bid.ChunkId, content []byte) error {
	var first error
	for _, inner := range w.writers {
		if err := inner.Write(chunk, content); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (w *fanWriter) Redirect(redirect bid.DeviceId) error {
	var first error
	for _, inner := range w.writers {
		if err := inner.Redirect(redirect); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (w *fanWriter) Finish() error {
	w.dir.onSubTaskFinish(w.id, nil)
	var first error
	for _, inner := range w.writers {
		if err := inner.Finish(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (w *fanWriter) Err(code errs.Code) error {
	w.dir.onSubTaskFinish(w.id, errs.New(code, "task: sub task failed"))
	var first error
	for _, inner := range w.writers {
		if err := inner.Err(code); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var _ ChunkWriter = (*fanWriter)(nil)
