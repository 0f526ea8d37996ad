// Package store implements the external tracked store named in spec
// §6 ("Persisted state"): track_chunk, track_file, get(chunk_id).
//
// Grounded on original_source's utils/ndn/tracked_store.rs, which pairs
// a NamedDataCache (chunk state index) with a TrackerCache (chunk ->
// on-disk position index) in front of plain files. This port collapses
// both into a single embedded buntdb index keyed by chunk id, mapping
// each chunk to the file it lives in plus its byte range there, and
// plain os files for the bytes themselves. buntdb is a teacher go.mod
// dependency no teacher code ever imports; this is its first use.
package store

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/buntdb"
	"go.uber.org/zap"

	"bdt/bid"
	"bdt/errs"
	"bdt/logging"
)

// ChunkState mirrors tracked_store.rs's ChunkState (Unknown until a
// writer has written the bytes, Ready once readable). The bytes are not
// checked against the chunk id.
type ChunkState int

const (
	ChunkStateUnknown ChunkState = iota
	ChunkStateReady
)

type chunkRecord struct {
	Path   string     `json:"path"`
	Offset int64      `json:"offset"`
	Length int64      `json:"length"`
	State  ChunkState `json:"state"`
}

// Store is a TrackedChunkStore: a persisted index of which file (and
// byte range within it) holds each chunk's content, plus the directory
// tree those files live under.
type Store struct {
	root string
	db   *buntdb.DB
	log  *zap.Logger

	mu sync.Mutex
}

// Open opens (creating if necessary) a Store rooted at dir, with its
// buntdb index at dir/index.db and chunk files under dir/chunks and
// dir/files.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "chunks"), 0o755); err != nil {
		return nil, errs.Wrap(errs.Failed, "store: create chunk dir", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "files"), 0o755); err != nil {
		return nil, errs.Wrap(errs.Failed, "store: create file dir", err)
	}
	db, err := buntdb.Open(filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, errs.Wrap(errs.Failed, "store: open index", err)
	}
	return &Store{root: dir, db: db, log: logging.L().With(zap.String("store", dir))}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(chunk bid.ChunkId) string {
	return "chunk:" + chunk.String()
}

func (s *Store) getRecord(chunk bid.ChunkId) (chunkRecord, bool, error) {
	var rec chunkRecord
	var found bool
	err := s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(recordKey(chunk))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return chunkRecord{}, false, errs.Wrap(errs.Failed, "store: read index", err)
	}
	return rec, found, nil
}

func (s *Store) setRecord(chunk bid.ChunkId, rec chunkRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.Failed, "store: encode index record", err)
	}
	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(recordKey(chunk), string(buf), nil)
		return err
	})
	if err != nil {
		return errs.Wrap(errs.Failed, "store: write index", err)
	}
	return nil
}

func (s *Store) removeRecord(chunk bid.ChunkId) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(recordKey(chunk))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return errs.Wrap(errs.Failed, "store: delete index entry", err)
	}
	return nil
}

// TrackChunk registers chunk as known to the store with Unknown state,
// per TrackedChunkStore::track_chunk. It is idempotent: an already
// tracked chunk is left as-is.
func (s *Store) TrackChunk(chunk bid.ChunkId) error {
	if _, found, err := s.getRecord(chunk); err != nil {
		return err
	} else if found {
		return nil
	}
	return s.setRecord(chunk, chunkRecord{
		Path:   filepath.Join(s.root, "chunks", chunk.Hash().String()),
		Offset: 0,
		Length: int64(chunk.Length()),
		State:  ChunkStateUnknown,
	})
}

// TrackFile registers every chunk of a multi-chunk object as living at
// successive offsets of one shared file under dir/files/<fileId>, per
// TrackedChunkStore::track_file / TrackedChunkListWriter. Each chunk's
// state starts Unknown; callers writing through FileWriter mark a
// chunk Ready once its bytes have actually landed.
func (s *Store) TrackFile(fileId string, chunks []bid.ChunkId) error {
	path := filepath.Join(s.root, "files", fileId)
	var offset int64
	for _, chunk := range chunks {
		if _, found, err := s.getRecord(chunk); err != nil {
			return err
		} else if found {
			offset += int64(chunk.Length())
			continue
		}
		if err := s.setRecord(chunk, chunkRecord{
			Path:   path,
			Offset: offset,
			Length: int64(chunk.Length()),
			State:  ChunkStateUnknown,
		}); err != nil {
			return err
		}
		offset += int64(chunk.Length())
	}
	return nil
}

// Exists reports whether chunk is tracked and Ready, matching
// ChunkReader::exists.
func (s *Store) Exists(chunk bid.ChunkId) bool {
	rec, found, err := s.getRecord(chunk)
	if err != nil || !found {
		return false
	}
	return rec.State == ChunkStateReady
}

// Get opens a reader over chunk's bytes, matching ChunkReader::get. The
// caller is responsible for closing it.
func (s *Store) Get(chunk bid.ChunkId) (io.ReadCloser, error) {
	rec, found, err := s.getRecord(chunk)
	if err != nil {
		return nil, err
	}
	if !found || rec.State != ChunkStateReady {
		return nil, errs.New(errs.NotFound, "store: chunk not exists")
	}
	f, err := os.Open(rec.Path)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, "store: open chunk file", err)
	}
	if rec.Offset != 0 {
		if _, err := f.Seek(rec.Offset, io.SeekStart); err != nil {
			f.Close()
			return nil, errs.Wrap(errs.Failed, "store: seek chunk file", err)
		}
	}
	return &boundedReader{f: f, remaining: rec.Length}, nil
}

// boundedReader limits reads to a chunk's own byte range within a
// shared file, so a FileWriter-backed chunk's Get never spills into
// its neighbor's bytes.
type boundedReader struct {
	f         *os.File
	remaining int64
}

func (r *boundedReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.f.Read(p)
	r.remaining -= int64(n)
	return n, err
}

func (r *boundedReader) Close() error {
	return r.f.Close()
}
