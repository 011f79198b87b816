package registry

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Memory is an in-process Registry. It exists for tests and local
// experiments; it applies the same digest discipline a real registry
// does, and can corrupt stored content on demand to exercise the
// verification paths.
type Memory struct {
	mu       sync.RWMutex
	blobs    map[digest.Digest][]byte
	metadata map[string][]byte
	repos    []string
}

var _ Registry = (*Memory)(nil)

func NewMemory(repos ...string) *Memory {
	return &Memory{
		blobs:    map[digest.Digest][]byte{},
		metadata: map[string][]byte{},
		repos:    repos,
	}
}

func (m *Memory) PutBlob(_ context.Context, dgst digest.Digest, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if actual := digest.FromBytes(data); actual != dgst {
		return errors.Errorf("blob content digests to %s, not %s", actual, dgst)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[dgst] = data
	return nil
}

func (m *Memory) GetBlob(_ context.Context, dgst digest.Digest) (io.ReadCloser, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[dgst]
	if !ok {
		return nil, 0, errors.Wrapf(ErrNotFound, "blob %s", dgst)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (m *Memory) DeleteBlob(_ context.Context, dgst digest.Digest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, dgst)
	return nil
}

func (m *Memory) ExistsBlob(_ context.Context, dgst digest.Digest) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[dgst]
	return ok, nil
}

func (m *Memory) PutMetadata(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[name] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) GetMetadata(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.metadata[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "metadata %s", name)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Catalog(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]string(nil), m.repos...)
	sort.Strings(out)
	return out, nil
}

// Corrupt rewrites a stored blob without updating its digest, standing
// in for a compromised registry.
func (m *Memory) Corrupt(dgst digest.Digest, mutate func([]byte) []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[dgst]
	if !ok {
		return false
	}
	m.blobs[dgst] = mutate(append([]byte(nil), data...))
	return true
}

// TamperMetadata replaces a stored document, standing in for a registry
// replaying or forging metadata. Passing nil data drops the document,
// as a registry that lost or withheld it would.
func (m *Memory) TamperMetadata(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data == nil {
		delete(m.metadata, name)
		return
	}
	m.metadata[name] = append([]byte(nil), data...)
}

// BlobCount reports how many distinct blobs are stored.
func (m *Memory) BlobCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
