// Package remotetest provides an in-memory remote.Client for sync engine
// and filesystem adapter tests, the way the rest of this module tests
// against in-memory SQLite rather than a live backend.
package remotetest

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/cloudmount/cloudmount/internal/remote"
	cloudmounterrors "github.com/cloudmount/cloudmount/pkg/errors"
)

// Mock is a fully in-memory remote.Client. Every method is guarded by a
// single mutex; it is not meant to emulate real S3 consistency semantics
// beyond what the sync engine's tests need (etag checks, directory
// listings, basic content round-trips).
type Mock struct {
	mu       sync.Mutex
	items    map[string]remote.Item
	content  map[string][]byte
	healthy  bool
	failNext error
}

// New returns a Mock that starts healthy with an empty tree.
func New() *Mock {
	return &Mock{
		items:   make(map[string]remote.Item),
		content: make(map[string][]byte),
		healthy: true,
	}
}

// SetHealthy controls what Healthy reports, for exercising the engine's
// reconnect/circuit-breaker paths.
func (m *Mock) SetHealthy(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = v
}

// FailNext makes the next mutating call return err instead of succeeding,
// then clears itself.
func (m *Mock) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *Mock) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

// Seed directly installs an item and its content (content may be nil for
// folders), bypassing Upload/CreateFolder, for test setup.
func (m *Mock) Seed(item remote.Item, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.CloudID] = item
	if content != nil {
		m.content[item.CloudID] = content
	}
}

func (m *Mock) ListDirectory(ctx context.Context, folderCloudID string) ([]remote.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []remote.Item
	for _, it := range m.items {
		if it.ParentCloudID == folderCloudID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *Mock) GetMetadata(ctx context.Context, cloudID, parentCloudID string) (*remote.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[cloudID]
	if !ok {
		return nil, nil
	}
	return &it, nil
}

func (m *Mock) Download(ctx context.Context, cloudID string, w io.WriterAt, rng *remote.ByteRange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.content[cloudID]
	if !ok {
		return cloudmounterrors.NewError(cloudmounterrors.ErrCodeNotFound, "object not found").WithComponent("remote.mock")
	}
	start, end := int64(0), int64(len(data))
	if rng != nil {
		start, end = rng.Start, rng.End
	}
	if start > int64(len(data)) {
		start = int64(len(data))
	}
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	_, err := w.WriteAt(data[start:end], start)
	return err
}

func (m *Mock) Upload(ctx context.Context, r io.Reader, size int64, parentCloudID, name string) (remote.UploadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return remote.UploadResult{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return remote.UploadResult{}, err
	}
	cloudID := uuid.NewString()
	etag := uuid.NewString()
	m.items[cloudID] = remote.Item{
		CloudID: cloudID, ParentCloudID: parentCloudID, Name: name,
		Size: int64(len(data)), ETag: etag, Type: remote.TypeFile,
	}
	m.content[cloudID] = data
	return remote.UploadResult{CloudID: cloudID, ETag: etag, Size: int64(len(data))}, nil
}

func (m *Mock) UpdateContent(ctx context.Context, cloudID, etag string, r io.Reader, size int64) (remote.UploadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return remote.UploadResult{}, err
	}
	it, ok := m.items[cloudID]
	if !ok {
		return remote.UploadResult{}, cloudmounterrors.NewError(cloudmounterrors.ErrCodeNotFound, "object not found").WithComponent("remote.mock")
	}
	if etag != "" && it.ETag != etag {
		return remote.UploadResult{}, cloudmounterrors.NewError(cloudmounterrors.ErrCodePreconditionFail, "etag mismatch").WithComponent("remote.mock")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return remote.UploadResult{}, err
	}
	it.Size = int64(len(data))
	it.ETag = uuid.NewString()
	m.items[cloudID] = it
	m.content[cloudID] = data
	return remote.UploadResult{CloudID: cloudID, ETag: it.ETag, Size: it.Size}, nil
}

func (m *Mock) CreateFolder(ctx context.Context, parentCloudID, name string) (remote.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return remote.Item{}, err
	}
	item := remote.Item{
		CloudID: uuid.NewString(), ParentCloudID: parentCloudID, Name: name,
		ETag: uuid.NewString(), Type: remote.TypeFolder,
	}
	m.items[item.CloudID] = item
	return item, nil
}

func (m *Mock) Rename(ctx context.Context, cloudID, etag, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	it, ok := m.items[cloudID]
	if !ok {
		return cloudmounterrors.NewError(cloudmounterrors.ErrCodeNotFound, "object not found").WithComponent("remote.mock")
	}
	if etag != "" && it.ETag != etag {
		return cloudmounterrors.NewError(cloudmounterrors.ErrCodePreconditionFail, "etag mismatch").WithComponent("remote.mock")
	}
	it.Name = newName
	m.items[cloudID] = it
	return nil
}

func (m *Mock) Move(ctx context.Context, cloudID, etag, newParentCloudID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	it, ok := m.items[cloudID]
	if !ok {
		return cloudmounterrors.NewError(cloudmounterrors.ErrCodeNotFound, "object not found").WithComponent("remote.mock")
	}
	if etag != "" && it.ETag != etag {
		return cloudmounterrors.NewError(cloudmounterrors.ErrCodePreconditionFail, "etag mismatch").WithComponent("remote.mock")
	}
	it.ParentCloudID = newParentCloudID
	m.items[cloudID] = it
	return nil
}

func (m *Mock) Delete(ctx context.Context, cloudID, etag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	it, ok := m.items[cloudID]
	if !ok {
		return nil
	}
	if etag != "" && it.ETag != etag {
		return cloudmounterrors.NewError(cloudmounterrors.ErrCodePreconditionFail, "etag mismatch").WithComponent("remote.mock")
	}
	delete(m.items, cloudID)
	delete(m.content, cloudID)
	return nil
}

func (m *Mock) Healthy(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

var _ remote.Client = (*Mock)(nil)
