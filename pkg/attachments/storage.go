// Package attachments keeps file attachments referenced by messages
// available on local disk and signable for model requests.
package attachments

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrUnknownFile is reported by a Storage when a file ID does not exist.
// The cache skips unknown files silently.
var ErrUnknownFile = errors.New("unknown file id")

// Storage is the remote home of attachment content.
type Storage interface {
	// Upload stores content under the file ID.
	Upload(ctx context.Context, fileID string, data io.Reader, mimeType string) error

	// Download opens the content for the file ID. Returns ErrUnknownFile
	// when the ID does not exist.
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)

	// SignedURL returns a time-limited URL granting read access to the
	// file. Returns ErrUnknownFile when the ID does not exist.
	SignedURL(ctx context.Context, fileID string, expiry time.Duration) (string, error)
}
