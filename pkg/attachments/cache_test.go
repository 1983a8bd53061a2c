package attachments

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zypherlabs/zypher/pkg/protocol"
)

type fakeStorage struct {
	mu        sync.Mutex
	files     map[string][]byte
	downloads map[string]int
	signs     map[string]int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		files:     make(map[string][]byte),
		downloads: make(map[string]int),
		signs:     make(map[string]int),
	}
}

func (s *fakeStorage) Upload(ctx context.Context, fileID string, data io.Reader, mimeType string) error {
	content, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[fileID] = content
	return nil
}

func (s *fakeStorage) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.files[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
	}
	s.downloads[fileID]++
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (s *fakeStorage) SignedURL(ctx context.Context, fileID string, expiry time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[fileID]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
	}
	s.signs[fileID]++
	return fmt.Sprintf("https://signed.example/%s?n=%d", fileID, s.signs[fileID]), nil
}

func messageWithAttachments(ids ...string) *protocol.Message {
	content := make([]protocol.ContentBlock, len(ids))
	for i, id := range ids {
		content[i] = &protocol.FileAttachmentBlock{FileID: id}
	}
	return &protocol.Message{Role: protocol.RoleUser, Content: content, Timestamp: time.Now()}
}

func TestCacheDownloadsAndSigns(t *testing.T) {
	storage := newFakeStorage()
	require.NoError(t, storage.Upload(context.Background(), "file-1", bytes.NewReader([]byte("payload")), "text/plain"))

	dir := t.TempDir()
	cache, err := NewCache(storage, dir)
	require.NoError(t, err)

	result, err := cache.CacheMessageAttachments(context.Background(), []*protocol.Message{
		messageWithAttachments("file-1"),
	})
	require.NoError(t, err)
	require.Contains(t, result, "file-1")

	assert.Equal(t, filepath.Join(dir, "file-1"), result["file-1"].LocalPath)
	data, err := os.ReadFile(result["file-1"].LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Contains(t, result["file-1"].SignedURL, "file-1")
}

func TestCacheSkipsRedownload(t *testing.T) {
	storage := newFakeStorage()
	require.NoError(t, storage.Upload(context.Background(), "file-1", bytes.NewReader([]byte("x")), ""))

	cache, err := NewCache(storage, t.TempDir())
	require.NoError(t, err)

	msgs := []*protocol.Message{messageWithAttachments("file-1")}
	_, err = cache.CacheMessageAttachments(context.Background(), msgs)
	require.NoError(t, err)
	_, err = cache.CacheMessageAttachments(context.Background(), msgs)
	require.NoError(t, err)

	assert.Equal(t, 1, storage.downloads["file-1"])
}

func TestCacheMemoizesSignedURLs(t *testing.T) {
	storage := newFakeStorage()
	require.NoError(t, storage.Upload(context.Background(), "file-1", bytes.NewReader([]byte("x")), ""))

	cache, err := NewCache(storage, t.TempDir())
	require.NoError(t, err)

	now := time.Now()
	cache.now = func() time.Time { return now }

	msgs := []*protocol.Message{messageWithAttachments("file-1")}
	first, err := cache.CacheMessageAttachments(context.Background(), msgs)
	require.NoError(t, err)
	second, err := cache.CacheMessageAttachments(context.Background(), msgs)
	require.NoError(t, err)
	assert.Equal(t, first["file-1"].SignedURL, second["file-1"].SignedURL)
	assert.Equal(t, 1, storage.signs["file-1"])

	// Past the re-sign threshold a fresh URL is issued.
	now = now.Add(DefaultSignedURLExpiry)
	third, err := cache.CacheMessageAttachments(context.Background(), msgs)
	require.NoError(t, err)
	assert.NotEqual(t, first["file-1"].SignedURL, third["file-1"].SignedURL)
}

func TestCacheSkipsUnknownFiles(t *testing.T) {
	storage := newFakeStorage()
	require.NoError(t, storage.Upload(context.Background(), "known", bytes.NewReader([]byte("x")), ""))

	cache, err := NewCache(storage, t.TempDir())
	require.NoError(t, err)

	result, err := cache.CacheMessageAttachments(context.Background(), []*protocol.Message{
		messageWithAttachments("known", "ghost"),
	})
	require.NoError(t, err)
	assert.Contains(t, result, "known")
	assert.NotContains(t, result, "ghost")
}

func TestCacheIgnoresNonAttachmentBlocks(t *testing.T) {
	cache, err := NewCache(newFakeStorage(), t.TempDir())
	require.NoError(t, err)

	result, err := cache.CacheMessageAttachments(context.Background(), []*protocol.Message{
		protocol.NewUserText("no attachments here"),
	})
	require.NoError(t, err)
	assert.Empty(t, result)
}
