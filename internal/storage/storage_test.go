package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/MimeLyc/video-pipeline/internal/config"
	"github.com/MimeLyc/video-pipeline/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "videos/u1/p1", VideoPath("u1", "p1"))
	assert.Equal(t, "thumbnails/u1/p1.jpg", ThumbnailPath("u1", "p1"))
	assert.Equal(t, "proxy/u1/p1_720p.mp4", ProxyPath("u1", "p1"))
	assert.Equal(t, "renders/u1/r1.mov", RenderPath("u1", "r1", "mov"))
}

func TestCleanPath(t *testing.T) {
	got, err := cleanPath("/videos/u1/p1")
	require.NoError(t, err)
	assert.Equal(t, "videos/u1/p1", got)

	_, err = cleanPath("   ")
	assert.True(t, failure.Is(err, failure.Validation))

	_, err = cleanPath("videos/../../etc/passwd")
	assert.True(t, failure.Is(err, failure.Validation))
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "video/mp4", detectContentType([]byte("anything"), "video/mp4"))

	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}
	assert.Equal(t, "image/png", detectContentType(png, ""))
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "https://cdn.example.com/a/b.jpg", joinURL("https://cdn.example.com/", "/a/b.jpg"))
}

func TestLocalStore_UploadStatDelete(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(root, "bucket", "")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.EnsureBucket(ctx))

	obj, err := store.Upload(ctx, []byte("hello"), "thumbnails/u1/p1.jpg", "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "thumbnails/u1/p1.jpg", obj.Path)
	assert.Equal(t, int64(5), obj.Size)
	assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join(root, "bucket", "thumbnails", "u1", "p1.jpg")), obj.URL)

	data, err := os.ReadFile(filepath.Join(root, "bucket", "thumbnails", "u1", "p1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	info, err := store.Stat(ctx, obj.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.NotEmpty(t, info.ContentType)

	assert.True(t, store.Delete(ctx, obj.Path))
	assert.False(t, store.Delete(ctx, obj.Path))

	_, err = store.Stat(ctx, obj.Path)
	assert.True(t, failure.Is(err, failure.NotFound))
}

func TestLocalStore_PublicBaseURL(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "bucket", "https://cdn.example.com/media")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/media/proxy/u1/p1_720p.mp4", store.PublicURL("proxy/u1/p1_720p.mp4"))
}

func TestLocalStore_RejectsEscapingPath(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "bucket", "")
	require.NoError(t, err)
	_, err = store.Upload(context.Background(), []byte("x"), "../outside", "")
	assert.True(t, failure.Is(err, failure.Validation))
}

func TestNew_SelectsBackend(t *testing.T) {
	client, err := New(context.Background(), config.StorageConfig{
		Backend:  "local",
		Bucket:   "video-editor",
		LocalDir: t.TempDir(),
	})
	require.NoError(t, err)
	_, ok := client.(*LocalStore)
	assert.True(t, ok)

	_, err = New(context.Background(), config.StorageConfig{Backend: "ftp"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage backend")
}

func TestMinioStore_PublicURL(t *testing.T) {
	store, err := NewMinioStore(config.StorageConfig{
		Bucket:         "video-editor",
		MinioEndpoint:  "localhost:9000",
		MinioAccessKey: "key",
		MinioSecretKey: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000/video-editor/videos/u1/p1", store.PublicURL("videos/u1/p1"))
}

func TestS3Store_PublicURL(t *testing.T) {
	store, err := NewS3Store(context.Background(), config.StorageConfig{
		Bucket:            "video-editor",
		S3Endpoint:        "https://account.r2.cloudflarestorage.com",
		S3Region:          "auto",
		S3AccessKeyID:     "key",
		S3SecretAccessKey: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t,
		"https://account.r2.cloudflarestorage.com/video-editor/renders/u1/r1.mp4",
		store.PublicURL("renders/u1/r1.mp4"),
	)
}
