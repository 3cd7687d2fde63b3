package blobstore

import (
	"testing"
	"time"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet_RoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	id, err := s.Put([]byte("invoice bytes"), "application/xml")
	require.NoError(t, err)
	assert.Equal(t, HashBytes([]byte("invoice bytes")), id)

	data, mediaType, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "invoice bytes", string(data))
	assert.Equal(t, "application/xml", mediaType)
}

func TestPut_IdempotentOnIdenticalBytes(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	id1, err := s.Put([]byte("same content"), "text/plain")
	require.NoError(t, err)
	id2, err := s.Put([]byte("same content"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestGet_NotFound(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, _, err = s.Get("deadbeef")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestGC_RespectsExcludeAndAge(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	oldID, err := s.Put([]byte("old"), "text/plain")
	require.NoError(t, err)
	keepID, err := s.Put([]byte("keep"), "text/plain")
	require.NoError(t, err)

	removed, err := s.GC(GCPolicy{
		OlderThan:  time.Now().Add(time.Hour), // everything looks "old" from here
		ExcludeIDs: map[string]bool{keepID: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, _, err = s.Get(oldID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	_, _, err = s.Get(keepID)
	assert.NoError(t, err)
}
