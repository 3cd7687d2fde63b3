// Package blobstore implements C1: a content-addressed local filesystem
// blob store for uploaded documents and OCR artifacts. No network I/O.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/apperr"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/rotisserie/eris"
)

// Store is the C1 contract.
type Store interface {
	Put(bytes []byte, mediaType string) (blobID string, err error)
	Get(blobID string) (data []byte, mediaType string, err error)
	Stat(blobID string) (model.Blob, error)
	GC(policy GCPolicy) (removed int, err error)
}

// GCPolicy governs which blobs are eligible for deletion. Never applied
// implicitly; only a caller invoking GC can remove a blob.
type GCPolicy struct {
	OlderThan   time.Time
	ExcludeIDs  map[string]bool
}

// FileStore is the filesystem-backed Store implementation, sharding blobs
// two levels deep by hash prefix to keep any one directory small.
type FileStore struct {
	root string
	meta metaIndex
}

// metaIndex tracks media type + received_at per blob, since the filesystem
// itself only carries the bytes. Kept as one shared JSON index file
// (.meta.json in the store root) rather than a database dependency, since C1 is explicitly local-fs-only.
type metaIndex interface {
	put(id string, mediaType string, size int64, receivedAt time.Time) error
	get(id string) (model.Blob, bool, error)
	delete(id string) error
	all() ([]model.Blob, error)
}

// New creates a FileStore rooted at dir, creating it if necessary.
func New(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "blobstore: mkdir %s", dir)
	}
	return &FileStore{root: dir, meta: newFileMetaIndex(dir)}, nil
}

func (s *FileStore) shard(id string) string {
	if len(id) < 4 {
		return filepath.Join(s.root, id)
	}
	return filepath.Join(s.root, id[:2], id[2:4], id)
}

// Put writes bytes content-addressed by sha256; concurrent Put with
// identical bytes is idempotent.
func (s *FileStore) Put(data []byte, mediaType string) (string, error) {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])
	path := s.shard(id)

	if _, err := os.Stat(path); err == nil {
		return id, nil // idempotent: identical content already stored
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", eris.Wrapf(err, "blobstore: mkdir for %s", id)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", eris.Wrapf(err, "blobstore: write %s", id)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", eris.Wrapf(err, "blobstore: rename %s", id)
	}

	if err := s.meta.put(id, mediaType, int64(len(data)), time.Now().UTC()); err != nil {
		return "", eris.Wrapf(err, "blobstore: meta %s", id)
	}

	return id, nil
}

// Get reads a blob and verifies its hash matches the id; a mismatch means
// the stored bytes were corrupted since they were written.
func (s *FileStore) Get(blobID string) ([]byte, string, error) {
	path := s.shard(blobID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, "", apperr.New(apperr.KindNotFound, "blob not found: "+blobID)
	}
	if err != nil {
		return nil, "", eris.Wrapf(err, "blobstore: read %s", blobID)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != blobID {
		return nil, "", apperr.New(apperr.KindInput, "blob corrupt: hash mismatch for "+blobID)
	}

	meta, ok, err := s.meta.get(blobID)
	if err != nil {
		return nil, "", err
	}
	mediaType := ""
	if ok {
		mediaType = meta.MediaType
	}
	return data, mediaType, nil
}

func (s *FileStore) Stat(blobID string) (model.Blob, error) {
	meta, ok, err := s.meta.get(blobID)
	if err != nil {
		return model.Blob{}, err
	}
	if !ok {
		return model.Blob{}, apperr.New(apperr.KindNotFound, "blob not found: "+blobID)
	}
	return meta, nil
}

// GC removes blobs older than the policy cutoff, excluding any ids in
// ExcludeIDs (e.g. blobs still referenced by a non-terminal booking).
func (s *FileStore) GC(policy GCPolicy) (int, error) {
	all, err := s.meta.all()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, b := range all {
		if policy.ExcludeIDs[b.ID] {
			continue
		}
		if b.ReceivedAt.After(policy.OlderThan) {
			continue
		}
		if err := os.Remove(s.shard(b.ID)); err != nil && !os.IsNotExist(err) {
			return removed, eris.Wrapf(err, "blobstore: gc remove %s", b.ID)
		}
		if err := s.meta.delete(b.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// HashBytes computes the id Put would assign to data, without storing it.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
