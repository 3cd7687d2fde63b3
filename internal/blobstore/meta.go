package blobstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/rotisserie/eris"
)

// fileMetaIndex persists blob metadata as a single JSON file guarded by a
// mutex. Blob volume for a 15-user bookkeeping office is small enough that
// a flat file beats standing up a schema for this one sidecar concern.
type fileMetaIndex struct {
	mu   sync.Mutex
	path string
}

func newFileMetaIndex(root string) *fileMetaIndex {
	return &fileMetaIndex{path: filepath.Join(root, ".meta.json")}
}

func (m *fileMetaIndex) load() (map[string]model.Blob, error) {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return map[string]model.Blob{}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "blobstore: read meta index")
	}
	var out map[string]model.Blob
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "blobstore: decode meta index")
	}
	return out, nil
}

func (m *fileMetaIndex) save(entries map[string]model.Blob) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return eris.Wrap(err, "blobstore: encode meta index")
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrap(err, "blobstore: write meta index")
	}
	return os.Rename(tmp, m.path)
}

func (m *fileMetaIndex) put(id, mediaType string, size int64, receivedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.load()
	if err != nil {
		return err
	}
	entries[id] = model.Blob{ID: id, MediaType: mediaType, Size: size, ReceivedAt: receivedAt}
	return m.save(entries)
}

func (m *fileMetaIndex) get(id string) (model.Blob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.load()
	if err != nil {
		return model.Blob{}, false, err
	}
	b, ok := entries[id]
	return b, ok, nil
}

func (m *fileMetaIndex) delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.load()
	if err != nil {
		return err
	}
	delete(entries, id)
	return m.save(entries)
}

func (m *fileMetaIndex) all() ([]model.Blob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.load()
	if err != nil {
		return nil, err
	}
	out := make([]model.Blob, 0, len(entries))
	for _, b := range entries {
		out = append(out, b)
	}
	return out, nil
}
