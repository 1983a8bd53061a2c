package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zypherlabs/zypher/pkg/protocol"
)

const (
	// DefaultSignedURLExpiry is how long issued URLs stay valid.
	DefaultSignedURLExpiry = 15 * time.Minute

	// signedURLSlack re-signs URLs a little before they actually expire.
	signedURLSlack = time.Minute

	signedURLCacheSize = 512
)

// Cached describes one attachment made ready for a model request.
type Cached struct {
	LocalPath string `json:"localPath"`
	SignedURL string `json:"signedUrl"`
}

type signedEntry struct {
	url     string
	expires time.Time
}

// Cache downloads attachments into a local directory once and memoizes
// signed URLs until shortly before they expire.
type Cache struct {
	storage Storage
	dir     string
	expiry  time.Duration
	signed  *lru.Cache[string, signedEntry]
	now     func() time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithSignedURLExpiry overrides the signed URL lifetime.
func WithSignedURLExpiry(d time.Duration) CacheOption {
	return func(c *Cache) { c.expiry = d }
}

// NewCache creates a cache storing downloads under dir.
func NewCache(storage Storage, dir string, opts ...CacheOption) (*Cache, error) {
	signed, err := lru.New[string, signedEntry](signedURLCacheSize)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		storage: storage,
		dir:     dir,
		expiry:  DefaultSignedURLExpiry,
		signed:  signed,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CacheMessageAttachments ensures every file_attachment block across the
// messages is on disk and signed. Unknown file IDs are skipped silently.
func (c *Cache) CacheMessageAttachments(ctx context.Context, messages []*protocol.Message) (map[string]Cached, error) {
	out := make(map[string]Cached)
	for _, msg := range messages {
		for _, block := range msg.Content {
			att, ok := block.(*protocol.FileAttachmentBlock)
			if !ok {
				continue
			}
			if _, done := out[att.FileID]; done {
				continue
			}
			cached, err := c.cacheOne(ctx, att.FileID)
			if errors.Is(err, ErrUnknownFile) {
				slog.Debug("skipping unknown attachment", "file_id", att.FileID)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("caching attachment %s: %w", att.FileID, err)
			}
			out[att.FileID] = cached
		}
	}
	return out, nil
}

func (c *Cache) cacheOne(ctx context.Context, fileID string) (Cached, error) {
	localPath, err := c.ensureLocal(ctx, fileID)
	if err != nil {
		return Cached{}, err
	}
	url, err := c.signedURL(ctx, fileID)
	if err != nil {
		return Cached{}, err
	}
	return Cached{LocalPath: localPath, SignedURL: url}, nil
}

// ensureLocal downloads the file unless it is already cached on disk.
func (c *Cache) ensureLocal(ctx context.Context, fileID string) (string, error) {
	localPath := filepath.Join(c.dir, fileID)
	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	}

	body, err := c.storage.Download(ctx, fileID)
	if err != nil {
		return "", err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", err
	}

	// Download into a temp file and rename so a partial write never
	// masquerades as a cached attachment.
	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(fileID)+".*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return "", err
	}
	return localPath, nil
}

func (c *Cache) signedURL(ctx context.Context, fileID string) (string, error) {
	if entry, ok := c.signed.Get(fileID); ok && c.now().Before(entry.expires) {
		return entry.url, nil
	}

	url, err := c.storage.SignedURL(ctx, fileID, c.expiry)
	if err != nil {
		return "", err
	}
	c.signed.Add(fileID, signedEntry{
		url:     url,
		expires: c.now().Add(c.expiry - signedURLSlack),
	})
	return url, nil
}
