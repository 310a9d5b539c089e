package remotetest

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudmount/cloudmount/internal/remote"
)

func TestUploadListDownloadRoundTrip(t *testing.T) {
	m := New()
	ctx := context.Background()

	res, err := m.Upload(ctx, bytes.NewReader([]byte("hello world")), 11, "root", "greeting.txt")
	require.NoError(t, err)
	require.NotEmpty(t, res.CloudID)
	require.Equal(t, int64(11), res.Size)

	items, err := m.ListDirectory(ctx, "root")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "greeting.txt", items[0].Name)

	f, err := os.CreateTemp(t.TempDir(), "dl")
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, m.Download(ctx, res.CloudID, f, nil))
	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestDownloadRangeOnlyWritesRequestedBytes(t *testing.T) {
	m := New()
	ctx := context.Background()

	res, err := m.Upload(ctx, bytes.NewReader([]byte("0123456789")), 10, "root", "n.bin")
	require.NoError(t, err)

	f, err := os.CreateTemp(t.TempDir(), "dl")
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, m.Download(ctx, res.CloudID, f, &remote.ByteRange{Start: 2, End: 5}))
	buf := make([]byte, 3)
	_, err = f.ReadAt(buf, 2)
	require.NoError(t, err)
	require.Equal(t, "234", string(buf))
}

func TestRenameRejectsStaleEtag(t *testing.T) {
	m := New()
	ctx := context.Background()

	res, err := m.Upload(ctx, bytes.NewReader([]byte("x")), 1, "root", "a.txt")
	require.NoError(t, err)

	err = m.Rename(ctx, res.CloudID, "stale-etag", "b.txt")
	require.Error(t, err)

	require.NoError(t, m.Rename(ctx, res.CloudID, res.ETag, "b.txt"))
	item, err := m.GetMetadata(ctx, res.CloudID, "root")
	require.NoError(t, err)
	require.Equal(t, "b.txt", item.Name)
}

func TestFailNextAffectsOnlyNextCall(t *testing.T) {
	m := New()
	ctx := context.Background()

	boom := require.New(t)
	m.FailNext(os.ErrClosed)
	_, err := m.CreateFolder(ctx, "root", "Docs")
	boom.ErrorIs(err, os.ErrClosed)

	folder, err := m.CreateFolder(ctx, "root", "Docs")
	require.NoError(t, err)
	require.Equal(t, remote.TypeFolder, folder.Type)
}

func TestUpdateContentPreservesCloudID(t *testing.T) {
	m := New()
	ctx := context.Background()

	res, err := m.Upload(ctx, bytes.NewReader([]byte("v1")), 2, "root", "a.txt")
	require.NoError(t, err)

	updated, err := m.UpdateContent(ctx, res.CloudID, res.ETag, bytes.NewReader([]byte("v2-longer")), 9)
	require.NoError(t, err)
	require.Equal(t, res.CloudID, updated.CloudID)
	require.NotEqual(t, res.ETag, updated.ETag)

	f, err := os.CreateTemp(t.TempDir(), "dl")
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, m.Download(ctx, res.CloudID, f, nil))
	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	require.Equal(t, "v2-longer", string(data))

	_, err = m.UpdateContent(ctx, res.CloudID, "stale", bytes.NewReader([]byte("x")), 1)
	require.Error(t, err)
}

func TestDeleteOfUnknownCloudIDIsNoop(t *testing.T) {
	m := New()
	require.NoError(t, m.Delete(context.Background(), "missing", ""))
}

func TestHealthyToggles(t *testing.T) {
	m := New()
	require.True(t, m.Healthy(context.Background()))
	m.SetHealthy(false)
	require.False(t, m.Healthy(context.Background()))
}
