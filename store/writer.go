package store

import (
	"os"
	"path/filepath"
	"sync"

	"bdt/bid"
	"bdt/errs"
	"bdt/task"
)

// ChunkFileWriter writes one chunk's bytes to a dedicated file under a
// Store, implementing task.ChunkWriter so it can be handed straight to
// a DirTask's sub-writer fan-out. Grounded on tracked_store.rs's
// TrackedChunkWriter: write to a temp file, then atomically rename into
// place and mark the chunk Ready in the index.
type ChunkFileWriter struct {
	store *Store
	chunk bid.ChunkId

	mu      sync.Mutex
	tmpPath string
	file    *os.File
	failed  bool
}

// ChunkWriter tracks chunk and returns a writer for it.
func (s *Store) ChunkWriter(chunk bid.ChunkId) (*ChunkFileWriter, error) {
	if err := s.TrackChunk(chunk); err != nil {
		return nil, err
	}
	return &ChunkFileWriter{store: s, chunk: chunk}, nil
}

func (w *ChunkFileWriter) path() string {
	return filepath.Join(w.store.root, "chunks", w.chunk.Hash().String())
}

func (w *ChunkFileWriter) open() error {
	if w.file != nil {
		return nil
	}
	w.tmpPath = w.path() + ".tmp"
	f, err := os.OpenFile(w.tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.Wrap(errs.Failed, "store: open chunk temp file failed", err)
	}
	w.file = f
	return nil
}

// Write appends content for chunk. Only the chunk this writer was
// created for is accepted; a mismatched chunk is a caller bug.
func (w *ChunkFileWriter) Write(chunk bid.ChunkId, content []byte) error {
	if !chunk.Equal(w.chunk) {
		return errs.New(errs.InvalidInput, "store: chunk writer wrote wrong chunk")
	}
	if len(content) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.open(); err != nil {
		return err
	}
	if _, err := w.file.Write(content); err != nil {
		return errs.Wrap(errs.Failed, "store: write chunk temp file failed", err)
	}
	return nil
}

// Redirect has nothing for a storage-layer writer to do: it only ever
// persists bytes it is actually handed, and never originates fetches
// of its own.
func (w *ChunkFileWriter) Redirect(redirect bid.DeviceId) error {
	return nil
}

// Finish closes and renames the temp file into place, then marks the
// chunk Ready, per TrackedChunkWriter::track_path.
func (w *ChunkFileWriter) Finish() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		// zero-length chunk: nothing was ever written.
		return w.store.setRecord(w.chunk, chunkRecord{
			Path:   w.path(),
			Offset: 0,
			Length: int64(w.chunk.Length()),
			State:  ChunkStateReady,
		})
	}
	if err := w.file.Close(); err != nil {
		return errs.Wrap(errs.Failed, "store: close chunk temp file failed", err)
	}
	if err := os.Rename(w.tmpPath, w.path()); err != nil {
		return errs.Wrap(errs.Failed, "store: rename chunk file failed", err)
	}
	return w.store.setRecord(w.chunk, chunkRecord{
		Path:   w.path(),
		Offset: 0,
		Length: int64(w.chunk.Length()),
		State:  ChunkStateReady,
	})
}

// Err discards whatever was written and removes the chunk from the
// index, so a later retry starts clean.
func (w *ChunkFileWriter) Err(code errs.Code) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failed = true
	if w.file != nil {
		w.file.Close()
		os.Remove(w.tmpPath)
	}
	return w.store.removeRecord(w.chunk)
}

var _ task.ChunkWriter = (*ChunkFileWriter)(nil)

// FileWriter writes a multi-chunk object's bytes into one shared file,
// each chunk at its own offset, implementing task.ChunkWriter the same
// way ChunkFileWriter does. Grounded on tracked_store.rs's
// TrackedChunkListWriter: the file is created at its final size up
// front and each chunk is tracked into the index as its bytes land.
type FileWriter struct {
	store     *Store
	fileId    string
	path      string
	offsets   map[bid.ChunkId]int64
	totalSize int64

	mu   sync.Mutex
	file *os.File
}

// FileWriter tracks every chunk of the list and returns a writer that
// places each at its offset within one shared file.
func (s *Store) FileWriter(fileId string, chunks []bid.ChunkId) (*FileWriter, error) {
	if err := s.TrackFile(fileId, chunks); err != nil {
		return nil, err
	}
	offsets := make(map[bid.ChunkId]int64, len(chunks))
	var total int64
	for _, c := range chunks {
		offsets[c] = total
		total += int64(c.Length())
	}
	return &FileWriter{
		store:     s,
		fileId:    fileId,
		path:      filepath.Join(s.root, "files", fileId),
		offsets:   offsets,
		totalSize: total,
	}, nil
}

func (w *FileWriter) open() error {
	if w.file != nil {
		return nil
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap(errs.Failed, "store: open shared file failed", err)
	}
	if err := f.Truncate(w.totalSize); err != nil {
		f.Close()
		return errs.Wrap(errs.Failed, "store: size shared file failed", err)
	}
	w.file = f
	return nil
}

func (w *FileWriter) Write(chunk bid.ChunkId, content []byte) error {
	offset, ok := w.offsets[chunk]
	if !ok {
		return errs.New(errs.InvalidInput, "store: chunk not part of this file")
	}
	if len(content) == 0 {
		return w.trackReady(chunk)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.open(); err != nil {
		return err
	}
	if _, err := w.file.WriteAt(content, offset); err != nil {
		return errs.Wrap(errs.Failed, "store: write shared file failed", err)
	}
	return w.trackReady(chunk)
}

func (w *FileWriter) trackReady(chunk bid.ChunkId) error {
	offset := w.offsets[chunk]
	return w.store.setRecord(chunk, chunkRecord{
		Path:   w.path,
		Offset: offset,
		Length: int64(chunk.Length()),
		State:  ChunkStateReady,
	})
}

func (w *FileWriter) Redirect(redirect bid.DeviceId) error {
	return nil
}

func (w *FileWriter) Finish() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.file.Close(); err != nil {
		return errs.Wrap(errs.Failed, "store: close shared file failed", err)
	}
	return nil
}

func (w *FileWriter) Err(code errs.Code) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for chunk := range w.offsets {
		_ = w.store.removeRecord(chunk)
	}
	if w.file != nil {
		w.file.Close()
	}
	return nil
}

var _ task.ChunkWriter = (*FileWriter)(nil)
