package store

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bdt/bid"
)

func TestChunkWriterRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	content := []byte("hello chunk store")
	chunk := bid.ChunkIdFromBytes(content)

	assert.False(t, s.Exists(chunk))

	w, err := s.ChunkWriter(chunk)
	require.NoError(t, err)
	require.NoError(t, w.Write(chunk, content))
	require.NoError(t, w.Finish())

	assert.True(t, s.Exists(chunk))

	r, err := s.Get(chunk)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestChunkWriterErrDropsTracking(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	chunk := bid.ChunkIdFromBytes([]byte("never finished"))
	w, err := s.ChunkWriter(chunk)
	require.NoError(t, err)
	require.NoError(t, w.Write(chunk, []byte("partial")))

	require.NoError(t, w.Err(10))

	assert.False(t, s.Exists(chunk))
	_, err = s.Get(chunk)
	assert.Error(t, err)
}

func TestFileWriterPlacesChunksAtOffsets(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	part1 := []byte("0123456789")
	part2 := []byte("abcdefghij")
	chunks := []bid.ChunkId{bid.ChunkIdFromBytes(part1), bid.ChunkIdFromBytes(part2)}

	w, err := s.FileWriter("doc.bin", chunks)
	require.NoError(t, err)
	require.NoError(t, w.Write(chunks[1], part2))
	require.NoError(t, w.Write(chunks[0], part1))
	require.NoError(t, w.Finish())

	for i, want := range [][]byte{part1, part2} {
		r, err := s.Get(chunks[i])
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		r.Close()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestTrackFileIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	chunks := []bid.ChunkId{bid.ChunkIdFromBytes([]byte("a")), bid.ChunkIdFromBytes([]byte("b"))}
	require.NoError(t, s.TrackFile("f", chunks))
	require.NoError(t, s.TrackFile("f", chunks))

	rec, found, err := s.getRecord(chunks[0])
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ChunkStateUnknown, rec.State)
}
